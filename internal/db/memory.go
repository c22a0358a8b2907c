package db

import (
	"encoding/gob"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/blacktop/ipastore/internal/model"
	pkgerrors "github.com/pkg/errors"
)

// Memory is a database that stores data in memory. If Path is set the
// requests are snapshotted there with gob on every write.
type Memory struct {
	Path string

	mu       sync.Mutex
	Requests map[string]*model.Request
}

// NewInMemory creates a new in-memory database. path may be empty.
func NewInMemory(path string) (Database, error) {
	return &Memory{
		Requests: make(map[string]*model.Request),
		Path:     path,
	}, nil
}

// Connect loads the snapshot, if any.
func (m *Memory) Connect() error {
	if m.Path == "" {
		return nil
	}
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	return pkgerrors.Wrap(gob.NewDecoder(f).Decode(&m.Requests), "failed to decode snapshot")
}

// Save creates or replaces the request with the same ID.
func (m *Memory) Save(r *model.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests[r.ID] = r.Clone()
	return m.snapshot()
}

// Get returns the request for the given ID.
// It returns model.ErrNotFound if the ID does not exist.
func (m *Memory) Get(id string) (*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, exists := m.Requests[id]
	if !exists {
		return nil, pkgerrors.Wrapf(model.ErrNotFound, "id %s", id)
	}
	return r.Clone(), nil
}

// List returns all requests, oldest first.
func (m *Memory) List() ([]*model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := make([]*model.Request, 0, len(m.Requests))
	for _, r := range m.Requests {
		reqs = append(reqs, r.Clone())
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].ID < reqs[j].ID
		}
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs, nil
}

// Delete removes the given ID.
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Requests, id)
	return m.snapshot()
}

// Close writes the final snapshot.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Memory) snapshot() error {
	if m.Path == "" {
		return nil
	}
	f, err := os.Create(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(m.Requests)
}
