// Package model contains the download request model and its state machine.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/blacktop/go-plist"
	"github.com/blacktop/ipastore/internal/storefront"
)

var (
	ErrNotFound = errors.New("no download request found")
)

// Status is the lifecycle state of a download request.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusVerifying    Status = "verifying"
	StatusCompleted    Status = "completed"
)

// SpeedUnknown is reported on the first progress tick of a transfer.
const SpeedUnknown int64 = -1

var transitions = map[Status][]Status{
	StatusPending:      {StatusTransferring, StatusStopped},
	StatusTransferring: {StatusVerifying, StatusStopped},
	StatusVerifying:    {StatusCompleted, StatusStopped},
	StatusStopped:      {StatusPending, StatusTransferring},
	StatusCompleted:    {},
}

// CanTransition reports whether a request may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Runtime is the mutable progress state of a request.
type Runtime struct {
	Status  Status  `json:"status"`
	Percent float64 `json:"percent"`
	// Speed is in bytes per second. Zero when not transferring, SpeedUnknown
	// before the second tick.
	Speed int64  `json:"speed"`
	Error string `json:"error,omitempty"`
}

// Normalize enforces the runtime invariants: percent in [0,1] and no speed
// outside of a transfer.
func (r *Runtime) Normalize() {
	switch {
	case r.Percent < 0:
		r.Percent = 0
	case r.Percent > 1:
		r.Percent = 1
	}
	if r.Status != StatusTransferring {
		r.Speed = 0
	}
}

// Metadata is the typed view of the storefront item metadata. Raw keeps the
// full original dictionary as a binary plist.
type Metadata struct {
	BundleDisplayName  string `plist:"bundleDisplayName,omitempty" json:"bundle_display_name,omitempty"`
	BundleShortVersion string `plist:"bundleShortVersionString,omitempty" json:"bundle_short_version,omitempty"`
	BundleVersion      string `plist:"bundleVersion,omitempty" json:"bundle_version,omitempty"`
	ArtistName         string `plist:"artistName,omitempty" json:"artist_name,omitempty"`
	Genre              string `plist:"genre,omitempty" json:"genre,omitempty"`
	ItemID             int64  `plist:"itemId,omitempty" json:"item_id,omitempty"`
	ExternalVersionID  int64  `plist:"softwareVersionExternalIdentifier,omitempty" json:"external_version_id,omitempty"`
	ReleaseDate        string `plist:"releaseDate,omitempty" json:"release_date,omitempty"`

	Raw []byte `plist:"-" json:"raw,omitempty"`
}

// Request is a download of one catalog entry for one account.
type Request struct {
	ID         string                 `json:"id"`
	Account    string                 `json:"account"`
	Archive    storefront.Archive     `json:"archive"`
	URL        string                 `json:"url"`
	MD5        string                 `json:"md5"`
	Signatures []storefront.Signature `json:"signatures,omitempty"`
	Metadata   Metadata               `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	Runtime    Runtime                `json:"runtime"`
}

// TargetPath is <root>/<bundle id>/<version>/<md5>_<id>.ipa.
func (r *Request) TargetPath(root string) string {
	return filepath.Join(root, r.Archive.BundleID, r.Archive.Version, fmt.Sprintf("%s_%s.ipa", r.MD5, r.ID))
}

// PartialPath is where the in-flight bytes of a transfer are kept.
func (r *Request) PartialPath(root string) string {
	return r.TargetPath(root) + ".download"
}

func (r *Request) Completed() bool {
	return r.Runtime.Status == StatusCompleted
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	c := *r
	if r.Signatures != nil {
		c.Signatures = make([]storefront.Signature, len(r.Signatures))
		for i, s := range r.Signatures {
			c.Signatures[i] = storefront.Signature{ID: s.ID, Data: bytes.Clone(s.Data)}
		}
	}
	c.Metadata.Raw = bytes.Clone(r.Metadata.Raw)
	c.Archive.SupportedDevices = slices.Clone(r.Archive.SupportedDevices)
	return &c
}

// NewMetadata builds Metadata from the item metadata dictionary. Fields that do
// not decode into the typed view are still kept in Raw.
func NewMetadata(dict map[string]any) (Metadata, error) {
	var md Metadata
	if len(dict) == 0 {
		return md, nil
	}
	raw, err := plist.Marshal(dict, plist.BinaryFormat)
	if err != nil {
		return md, fmt.Errorf("failed to marshal item metadata: %w", err)
	}
	if _, err := plist.Unmarshal(raw, &md); err != nil {
		md = Metadata{}
	}
	md.Raw = raw
	return md, nil
}

// Dict returns the original metadata dictionary.
func (m Metadata) Dict() (map[string]any, error) {
	dict := make(map[string]any)
	if len(m.Raw) == 0 {
		return dict, nil
	}
	if _, err := plist.Unmarshal(m.Raw, &dict); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item metadata: %w", err)
	}
	return dict, nil
}
