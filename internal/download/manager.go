// Package download runs and tracks resumable package downloads.
package download

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/db"
	"github.com/blacktop/ipastore/internal/events"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotFound          = model.ErrNotFound
	ErrIntegrity         = errors.New("checksum mismatch")
	ErrInvalidTransition = errors.New("invalid status transition")
	errStale             = errors.New("transfer is no longer active")
)

type Config struct {
	// Dir is the root packages are stored under.
	Dir      string
	Proxy    string
	Insecure bool
	// Timeout bounds connecting and waiting for response headers.
	Timeout time.Duration
	// Tick is the minimum interval between progress reports.
	Tick time.Duration
	// InjectSignatures adds sinf and iTunesMetadata.plist entries to verified packages.
	InjectSignatures bool
	// Transport replaces the default transport.
	Transport http.RoundTripper
}

// Event is published for every change of a request.
type Event struct {
	Request model.Request
	Removed bool
}

type transfer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns all download requests. Every change to a request goes through
// alter, which persists and publishes it.
type Manager struct {
	conf   *Config
	db     db.Database
	client *http.Client
	events *events.Broker[Event]

	mu       sync.Mutex
	requests map[string]*model.Request
	active   map[string]*transfer
}

// NewManager loads the persisted requests. Requests that were in flight when
// the process stopped come back as stopped.
func NewManager(conf *Config, database db.Database) (*Manager, error) {
	transport := conf.Transport
	if transport == nil {
		timeout := conf.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		transport = &http.Transport{
			Proxy: storefront.GetProxy(conf.Proxy),
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: conf.Insecure},
		}
	}

	m := &Manager{
		conf:     conf,
		db:       database,
		client:   &http.Client{Transport: transport},
		events:   events.NewBroker[Event](),
		requests: make(map[string]*model.Request),
		active:   make(map[string]*transfer),
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) load() error {
	reqs, err := m.db.List()
	if err != nil {
		return fmt.Errorf("failed to load download requests: %w", err)
	}
	for _, r := range reqs {
		before := r.Clone()
		switch r.Runtime.Status {
		case model.StatusCompleted:
			if _, err := os.Stat(r.TargetPath(m.conf.Dir)); err != nil {
				r.Runtime = model.Runtime{Status: model.StatusStopped, Error: "package file is missing"}
			}
		case model.StatusStopped:
		default:
			r.Runtime.Status = model.StatusStopped
		}
		r.Runtime.Normalize()
		if !reflect.DeepEqual(before, r) {
			if err := m.db.Save(r); err != nil {
				return fmt.Errorf("failed to save download request %s: %w", r.ID, err)
			}
		}
		m.requests[r.ID] = r
	}
	log.WithField("count", len(reqs)).Debug("Loaded download requests")
	return nil
}

func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// Dir returns the packages root directory.
func (m *Manager) Dir() string { return m.conf.Dir }

// Add registers a new request in the stopped state.
func (m *Manager) Add(r *model.Request) (*model.Request, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("download request is missing a source URL")
	}
	if r.MD5 == "" {
		return nil, fmt.Errorf("download request is missing a checksum")
	}
	if r.Archive.BundleID == "" {
		return nil, fmt.Errorf("download request is missing a bundle identifier")
	}

	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Runtime = model.Runtime{Status: model.StatusStopped}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.requests[r.ID]; exists {
		return nil, fmt.Errorf("download request %s already exists", r.ID)
	}
	if err := m.db.Save(r); err != nil {
		return nil, fmt.Errorf("failed to save download request: %w", err)
	}
	m.requests[r.ID] = r
	m.events.Publish(Event{Request: *r.Clone()})

	return r.Clone(), nil
}

func (m *Manager) Get(id string) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// List returns all requests, oldest first.
func (m *Manager) List() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]*model.Request, 0, len(m.requests))
	for _, r := range m.requests {
		reqs = append(reqs, r.Clone())
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs
}

// FindByArchive returns the requests for a bundle ID, optionally narrowed to a version.
func (m *Manager) FindByArchive(bundleID, version string) []*model.Request {
	var found []*model.Request
	for _, r := range m.List() {
		if !strings.EqualFold(r.Archive.BundleID, bundleID) {
			continue
		}
		if version != "" && r.Archive.Version != version {
			continue
		}
		found = append(found, r)
	}
	return found
}

// Start issues the transfer for a request, resuming from any partial file. It
// is a no-op while a transfer for id is active or once it has completed.
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, running := m.active[id]; running || r.Completed() {
		return nil
	}

	if _, err := m.alterLocked(id, func(r *model.Request) {
		r.Runtime.Status = model.StatusPending
		r.Runtime.Error = ""
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{cancel: cancel, done: make(chan struct{})}
	m.active[id] = t

	go m.run(ctx, t, r.Clone())

	return nil
}

// Suspend cancels the active transfer, keeping the partial file, and waits for
// it to wind down.
func (m *Manager) Suspend(id string) error {
	m.mu.Lock()
	if _, ok := m.requests[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := m.active[id]
	m.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.active[id]; running {
		// restarted while we waited
		return nil
	}
	_, err := m.alterLocked(id, func(r *model.Request) {
		if r.Runtime.Status != model.StatusCompleted {
			r.Runtime.Status = model.StatusStopped
		}
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Remove cancels any transfer and deletes the request, its persisted state
// and its files.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	r, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := m.active[id]
	delete(m.active, id)
	delete(m.requests, id)
	m.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}

	if err := m.db.Delete(id); err != nil {
		return fmt.Errorf("failed to delete download request %s: %w", id, err)
	}
	for _, path := range []string{r.PartialPath(m.conf.Dir), r.TargetPath(m.conf.Dir)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).WithField("path", path).Warn("failed to remove package file")
		}
	}

	m.events.Publish(Event{Request: *r, Removed: true})
	return nil
}

// ResumeAll starts every request that is not completed.
func (m *Manager) ResumeAll() error {
	var g errgroup.Group
	for _, r := range m.List() {
		if r.Completed() {
			continue
		}
		id := r.ID
		g.Go(func() error { return m.Start(id) })
	}
	return g.Wait()
}

// SuspendAll suspends every active transfer.
func (m *Manager) SuspendAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Suspend(id) })
	}
	return g.Wait()
}

// Wait blocks until no transfer is active for id and returns the request.
func (m *Manager) Wait(ctx context.Context, id string) (*model.Request, error) {
	for {
		m.mu.Lock()
		t := m.active[id]
		m.mu.Unlock()
		if t == nil {
			return m.Get(id)
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close suspends all transfers and closes subscriber channels.
func (m *Manager) Close() error {
	err := m.SuspendAll()
	m.events.Close()
	return err
}

// alter applies fn to a copy of the request. If the result differs from the
// current value it is persisted, stored and published; otherwise nothing happens.
func (m *Manager) alter(id string, fn func(*model.Request)) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alterLocked(id, fn)
}

func (m *Manager) alterLocked(id string, fn func(*model.Request)) (*model.Request, error) {
	cur, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	fn(next)
	next.ID = cur.ID
	next.Runtime.Normalize()

	if !model.CanTransition(cur.Runtime.Status, next.Runtime.Status) {
		return cur.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Runtime.Status, next.Runtime.Status)
	}
	if reflect.DeepEqual(cur, next) {
		return next, nil
	}

	if err := m.db.Save(next); err != nil {
		log.WithError(err).WithField("id", id).Error("failed to persist download request")
	}
	m.requests[id] = next
	m.events.Publish(Event{Request: *next.Clone()})

	return next.Clone(), nil
}

// report applies fn only while t is still the active transfer for id.
func (m *Manager) report(t *transfer, id string, fn func(*model.Request)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[id] != t {
		return errStale
	}
	_, err := m.alterLocked(id, fn)
	return err
}
