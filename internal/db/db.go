// Package db provides a database interface and implementations.
package db

import "github.com/blacktop/ipastore/internal/model"

// Database is the interface that wraps the basic database operations.
type Database interface {
	// Connect connects to the database.
	Connect() error

	// Save creates or replaces the request with the same ID.
	Save(r *model.Request) error

	// Get returns the request for the given ID.
	// It returns model.ErrNotFound if the ID does not exist.
	Get(id string) (*model.Request, error)

	// List returns all requests, oldest first.
	List() ([]*model.Request, error)

	// Delete removes the given ID.
	// Deleting an unknown ID is not an error.
	Delete(id string) error

	// Close closes the database.
	Close() error
}
