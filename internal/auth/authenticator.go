package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/events"
	"github.com/blacktop/ipastore/internal/storefront"
	"golang.org/x/sync/singleflight"
)

//go:generate go tool stringer -type=State -trimprefix=State -output state_string.go

// State is the phase of a sign-in handshake.
type State int

const (
	StateAwaitingCredentials State = iota
	StateAwaitingSecondFactor
	StateAuthenticated
	StateFailed
)

// Event is published whenever a handshake or rotation changes an account.
type Event struct {
	Account string
	State   State
	Err     error
}

type Authenticator struct {
	client *storefront.Client
	store  *Store
	group  singleflight.Group
	events *events.Broker[Event]
}

func NewAuthenticator(client *storefront.Client, store *Store) *Authenticator {
	return &Authenticator{
		client: client,
		store:  store,
		events: events.NewBroker[Event](),
	}
}

func (a *Authenticator) Store() *Store { return a.store }

func (a *Authenticator) Subscribe() (<-chan Event, func()) {
	return a.events.Subscribe()
}

// Handshake is one sign-in attempt for an identity.
type Handshake struct {
	auth    *Authenticator
	email   string
	country string

	mu    sync.Mutex
	state State
	err   error
}

// Begin starts a handshake for email in the given catalog region.
func (a *Authenticator) Begin(email, countryCode string) *Handshake {
	return &Handshake{
		auth:    a,
		email:   strings.TrimSpace(email),
		country: strings.ToUpper(countryCode),
		state:   StateAwaitingCredentials,
	}
}

func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the error that moved the handshake to StateFailed.
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Submit sends the credentials once. If the storefront demands a second factor
// and code is empty, the handshake moves to StateAwaitingSecondFactor and
// returns ErrSecondFactorRequired; the caller must Submit again with a code.
func (h *Handshake) Submit(ctx context.Context, password, code string) (*Account, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateAuthenticated:
		return nil, fmt.Errorf("handshake for %s already completed", h.email)
	case StateFailed:
		return nil, fmt.Errorf("handshake for %s failed: %w", h.email, h.err)
	case StateAwaitingSecondFactor:
		if code == "" {
			return nil, storefront.ErrSecondFactorRequired
		}
	}

	guid, err := h.auth.store.GUID()
	if err != nil {
		return nil, err
	}

	region := storefront.Region{CountryCode: h.country}
	if prev, err := h.auth.store.Get(h.email); err == nil {
		region.Pod = prev.Pod
	}

	sess, err := h.auth.client.Authenticate(ctx, guid, storefront.Credentials{
		Email:    h.email,
		Password: password,
		Code:     code,
	}, region)
	if err != nil {
		switch {
		case errors.Is(err, storefront.ErrSecondFactorRequired) && code == "":
			h.transition(StateAwaitingSecondFactor, nil)
		case errors.Is(err, storefront.ErrSecondFactorRequired),
			errors.Is(err, storefront.ErrInvalidCredentials):
			h.transition(StateFailed, err)
		}
		return nil, err
	}

	acct, err := h.auth.store.Update(h.email, func(acct *Account) error {
		acct.Email = h.email
		acct.Password = password
		if h.country != "" {
			acct.CountryCode = h.country
		}
		acct.apply(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.transition(StateAuthenticated, nil)
	log.WithField("account", acct.ID()).Info("Authenticated")

	return acct, nil
}

func (h *Handshake) transition(s State, err error) {
	h.state = s
	h.err = err
	h.auth.events.Publish(Event{Account: AccountID(h.email), State: s, Err: err})
}

// Authenticate runs a whole handshake with an optional second-factor code.
func (a *Authenticator) Authenticate(ctx context.Context, email, password, code, countryCode string) (*Account, error) {
	return a.Begin(email, countryCode).Submit(ctx, password, code)
}

// Rotate re-runs the handshake for a known account to obtain a fresh token.
// Concurrent calls for the same account share one storefront round trip, and
// the result is written through the store's single update path.
func (a *Authenticator) Rotate(ctx context.Context, email string) (*Account, error) {
	id := AccountID(email)
	v, err, _ := a.group.Do(id, func() (any, error) {
		acct, err := a.store.Get(id)
		if err != nil {
			return nil, err
		}

		guid, err := a.store.GUID()
		if err != nil {
			return nil, err
		}

		log.WithField("account", id).Debug("Rotating password token")

		sess, err := a.client.Authenticate(ctx, guid, storefront.Credentials{
			Email:    acct.Email,
			Password: acct.Password,
		}, acct.Region())
		if err != nil {
			a.events.Publish(Event{Account: id, State: StateFailed, Err: err})
			return nil, fmt.Errorf("failed to rotate token for %s: %w", id, err)
		}

		updated, err := a.store.Update(id, func(acct *Account) error {
			acct.apply(sess)
			return nil
		})
		if err != nil {
			return nil, err
		}
		a.events.Publish(Event{Account: id, State: StateAuthenticated})
		return updated, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

// Identity returns the account for email with the identity to send to the storefront.
func (a *Authenticator) Identity(email string) (*Account, storefront.Identity, error) {
	acct, err := a.store.Get(email)
	if err != nil {
		return nil, storefront.Identity{}, err
	}
	guid, err := a.store.GUID()
	if err != nil {
		return nil, storefront.Identity{}, err
	}
	return acct, acct.Identity(guid), nil
}
