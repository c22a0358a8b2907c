package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/ipastore/internal/storefront"
)

type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return t.base.RoundTrip(r)
}

func newAuthenticator(t *testing.T, h http.HandlerFunc) (*Authenticator, *Store) {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)
	codec := storefront.NewCodec(&storefront.CodecConfig{
		Timeout:   5 * time.Second,
		Transport: rewriteTransport{target: target, base: srv.Client().Transport},
	})
	store := NewStore(keyring.NewArrayKeyring(nil))
	return NewAuthenticator(storefront.NewClient(codec, storefront.DefaultEndpoints), store), store
}

func loginBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, _ := io.ReadAll(r.Body)
	m := map[string]any{}
	if _, err := plist.Unmarshal(data, &m); err != nil {
		t.Fatalf("bad login body: %v", err)
	}
	return m
}

func reply(w http.ResponseWriter, v map[string]any) {
	data, _ := plist.Marshal(v, plist.XMLFormat)
	w.Write(data)
}

func TestHandshakeSecondFactor(t *testing.T) {
	var calls int32
	a, store := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body := loginBody(t, r)
		if body["password"] != "hunter2123456" {
			reply(w, map[string]any{"customerMessage": "MZFinance.BadLogin.Configurator_message"})
			return
		}
		w.Header().Set("pod", "64")
		reply(w, map[string]any{"dsPersonId": "99", "passwordToken": "tok"})
	})
	events, unsub := a.Subscribe()
	defer unsub()

	h := a.Begin("User@Example.com", "us")
	if h.State() != StateAwaitingCredentials {
		t.Fatalf("initial state = %s", h.State())
	}

	if _, err := h.Submit(context.Background(), "hunter2", ""); !errors.Is(err, storefront.ErrSecondFactorRequired) {
		t.Fatalf("Submit() error = %v, want ErrSecondFactorRequired", err)
	}
	if h.State() != StateAwaitingSecondFactor {
		t.Fatalf("state = %s, want AwaitingSecondFactor", h.State())
	}

	// no code, no storefront call
	if _, err := h.Submit(context.Background(), "hunter2", ""); !errors.Is(err, storefront.ErrSecondFactorRequired) {
		t.Fatalf("Submit() error = %v, want ErrSecondFactorRequired", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("storefront called %d times, want 1", n)
	}

	acct, err := h.Submit(context.Background(), "hunter2", "123456")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.State() != StateAuthenticated {
		t.Errorf("state = %s, want Authenticated", h.State())
	}
	if acct.DSID != "99" || acct.PasswordToken != "tok" || acct.Pod != "64" || acct.CountryCode != "US" {
		t.Errorf("unexpected account: %+v", acct)
	}

	stored, err := store.Get("user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if stored.PasswordToken != "tok" || stored.Password != "hunter2" {
		t.Errorf("stored account = %+v", stored)
	}

	want := []State{StateAwaitingSecondFactor, StateAuthenticated}
	for _, s := range want {
		select {
		case ev := <-events:
			if ev.State != s || ev.Account != "user@example.com" {
				t.Errorf("event = %+v, want state %s", ev, s)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", s)
		}
	}
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   map[string]any
		code    string
		wantErr error
	}{
		{
			name:    "invalid credentials",
			reply:   map[string]any{"failureType": "-5000"},
			wantErr: storefront.ErrInvalidCredentials,
		},
		{
			name:    "rejected code",
			reply:   map[string]any{"customerMessage": "MZFinance.BadLogin.Configurator_message"},
			code:    "000000",
			wantErr: storefront.ErrSecondFactorRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, store := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, tt.reply)
			})
			h := a.Begin("a@b.c", "US")
			if _, err := h.Submit(context.Background(), "pw", tt.code); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Submit() error = %v, want %v", err, tt.wantErr)
			}
			if h.State() != StateFailed {
				t.Errorf("state = %s, want Failed", h.State())
			}
			if _, err := h.Submit(context.Background(), "pw", "111111"); err == nil {
				t.Error("Submit() on a failed handshake should error")
			}
			if _, err := store.Get("a@b.c"); !errors.Is(err, ErrAccountNotFound) {
				t.Errorf("failed handshake must not store an account: %v", err)
			}
		})
	}
}

func TestRotate(t *testing.T) {
	var calls int32
	a, store := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		reply(w, map[string]any{"dsPersonId": "99", "passwordToken": fmt.Sprintf("tok-%d", n)})
	})
	if _, err := store.Update("a@b.c", func(acct *Account) error {
		acct.Password = "pw"
		acct.CountryCode = "GB"
		acct.DSID = "99"
		acct.PasswordToken = "old"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	first, err := a.Rotate(context.Background(), "A@B.C")
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	second, err := a.Rotate(context.Background(), "a@b.c")
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if first.PasswordToken != "tok-1" || second.PasswordToken != "tok-2" {
		t.Errorf("tokens = %s, %s", first.PasswordToken, second.PasswordToken)
	}
	if second.Password != "pw" || second.CountryCode != "GB" || second.DSID != "99" {
		t.Errorf("rotation changed more than the token: %+v", second)
	}

	accts, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 1 {
		t.Errorf("List() returned %d accounts, want 1", len(accts))
	}
}

func TestRotateConcurrent(t *testing.T) {
	var calls int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	a, store := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		reply(w, map[string]any{"dsPersonId": "1", "passwordToken": "fresh"})
	})
	store.Update("a@b.c", func(acct *Account) error {
		acct.Password = "pw"
		return nil
	})

	const n = 5
	var wg sync.WaitGroup
	results := make([]*Account, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = a.Rotate(context.Background(), "a@b.c")
		}(i)
	}
	<-entered
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Rotate() error = %v", errs[i])
		}
		if results[i].PasswordToken != "fresh" {
			t.Errorf("Rotate() token = %s", results[i].PasswordToken)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("storefront called %d times, want 1", got)
	}
}

func TestRotateUnknownAccount(t *testing.T) {
	a, _ := newAuthenticator(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected storefront call")
	})
	if _, err := a.Rotate(context.Background(), "nobody@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Rotate() error = %v, want ErrAccountNotFound", err)
	}
}

func TestStoreSeed(t *testing.T) {
	store := NewStore(keyring.NewArrayKeyring(nil))
	seed, err := store.Seed()
	if err != nil {
		t.Fatal(err)
	}
	if seed == "" {
		t.Fatal("Seed() returned an empty seed")
	}
	again, _ := store.Seed()
	if again != seed {
		t.Errorf("Seed() = %s, want stable %s", again, seed)
	}
	guid, _ := store.GUID()
	if guid != strings.ToUpper(seed) {
		t.Errorf("GUID() = %s", guid)
	}
	reset, err := store.ResetSeed()
	if err != nil {
		t.Fatal(err)
	}
	if reset == seed {
		t.Error("ResetSeed() returned the old seed")
	}
	if again, _ := store.Seed(); again != reset {
		t.Errorf("Seed() after ResetSeed() = %s, want %s", again, reset)
	}
	if after, _ := store.GUID(); after == guid {
		t.Error("GUID() did not change after ResetSeed()")
	}
}

func TestStoreAccountsUniqueByEmail(t *testing.T) {
	store := NewStore(keyring.NewArrayKeyring(nil))
	store.Seed()
	for _, email := range []string{"User@Example.com", "user@example.com", " USER@example.COM "} {
		if _, err := store.Update(email, func(acct *Account) error {
			acct.PasswordToken = email
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	accts, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 1 {
		t.Fatalf("List() returned %d accounts, want 1", len(accts))
	}
	if err := store.Delete("USER@EXAMPLE.COM"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("user@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Get() after Delete() error = %v", err)
	}
}
