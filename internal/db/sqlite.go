package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blacktop/ipastore/internal/model"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// record stores a request as a JSON document keyed by its ID.
type record struct {
	ID        string `gorm:"primaryKey"`
	BundleID  string `gorm:"index"`
	Account   string `gorm:"index"`
	Document  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (record) TableName() string { return "download_requests" }

// Sqlite is a database that stores data in a sqlite database.
type Sqlite struct {
	URL string

	db *gorm.DB
}

// NewSqlite creates a new Sqlite database.
func NewSqlite(path string) (Database, error) {
	if path == "" {
		return nil, fmt.Errorf("'path' is required")
	}
	return &Sqlite{
		URL: path,
	}, nil
}

// Connect connects to the database.
func (s *Sqlite) Connect() (err error) {
	if dir := filepath.Dir(s.URL); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	s.db, err = gorm.Open(sqlite.Open(s.URL), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect sqlite database: %w", err)
	}
	return s.db.AutoMigrate(&record{})
}

// Save creates or replaces the request with the same ID.
func (s *Sqlite) Save(r *model.Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal request %s: %w", r.ID, err)
	}
	if result := s.db.Save(&record{
		ID:        r.ID,
		BundleID:  r.Archive.BundleID,
		Account:   r.Account,
		Document:  doc,
		CreatedAt: r.CreatedAt,
	}); result.Error != nil {
		return result.Error
	}
	return nil
}

// Get returns the request for the given ID.
// It returns model.ErrNotFound if the ID does not exist.
func (s *Sqlite) Get(id string) (*model.Request, error) {
	var rec record
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return decode(&rec)
}

// List returns all requests, oldest first.
func (s *Sqlite) List() ([]*model.Request, error) {
	var recs []record
	if err := s.db.Order("created_at asc").Find(&recs).Error; err != nil {
		return nil, err
	}
	reqs := make([]*model.Request, 0, len(recs))
	for i := range recs {
		r, err := decode(&recs[i])
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// Delete removes the given ID.
func (s *Sqlite) Delete(id string) error {
	return s.db.Where("id = ?", id).Delete(&record{}).Error
}

// Close closes the database.
func (s *Sqlite) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

func decode(rec *record) (*model.Request, error) {
	var r model.Request
	if err := json.Unmarshal(rec.Document, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request %s: %w", rec.ID, err)
	}
	return &r, nil
}
