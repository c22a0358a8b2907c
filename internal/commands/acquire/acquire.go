// Package acquire turns a catalog entry into a registered download request.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/ipastore/internal/auth"
	"github.com/blacktop/ipastore/internal/download"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const lookupCacheSize = 128

// Config describes one acquisition.
type Config struct {
	Email    string
	BundleID string
	AppID    int64
	// ExternalVersionID selects a specific version; empty means latest.
	ExternalVersionID string
	Device            storefront.DeviceClass
	// Start begins the transfer right after the request is registered.
	Start bool
}

func (c *Config) verify() error {
	if c.Email == "" {
		return fmt.Errorf("an account is required")
	}
	if c.BundleID == "" && c.AppID == 0 {
		return fmt.Errorf("a bundle ID or app ID is required")
	}
	return nil
}

type Service struct {
	client  *storefront.Client
	auth    *auth.Authenticator
	manager *download.Manager
	lookups *lru.Cache[string, storefront.Archive]
}

func New(client *storefront.Client, authn *auth.Authenticator, manager *download.Manager) (*Service, error) {
	lookups, err := lru.New[string, storefront.Archive](lookupCacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		client:  client,
		auth:    authn,
		manager: manager,
		lookups: lookups,
	}, nil
}

// Resolve looks up a catalog entry in the account's region.
func (s *Service) Resolve(ctx context.Context, conf *Config) (*storefront.Archive, error) {
	acct, err := s.auth.Store().Get(conf.Email)
	if err != nil {
		return nil, err
	}
	region := acct.Region()

	key := fmt.Sprintf("%s/%s/%d/%s", strings.ToUpper(region.CountryCode), strings.ToLower(conf.BundleID), conf.AppID, conf.Device)
	if app, ok := s.lookups.Get(key); ok {
		return &app, nil
	}

	app, err := s.client.Lookup(ctx, storefront.Query{
		BundleID: conf.BundleID,
		ID:       conf.AppID,
		Device:   conf.Device,
		Region:   region,
	})
	if err != nil {
		return nil, err
	}
	s.lookups.Add(key, *app)

	return app, nil
}

// Acquire resolves the catalog entry, makes sure the account holds a license,
// fetches the download information and registers a request with the manager.
func (s *Service) Acquire(ctx context.Context, conf *Config) (*model.Request, error) {
	if err := conf.verify(); err != nil {
		return nil, err
	}

	app, err := s.Resolve(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup app: %w", err)
	}
	log.WithFields(log.Fields{
		"app":     app.Name,
		"bundle":  app.BundleID,
		"version": app.Version,
	}).Info("Resolved")

	item, err := s.DownloadInfo(ctx, conf.Email, app, conf.ExternalVersionID)
	if err != nil {
		return nil, err
	}

	md, err := model.NewMetadata(item.Metadata)
	if err != nil {
		return nil, err
	}

	archive := *app
	if conf.ExternalVersionID != "" && md.BundleShortVersion != "" {
		archive.Version = md.BundleShortVersion
	}

	req, err := s.manager.Add(&model.Request{
		ID:         uuid.NewString(),
		Account:    auth.AccountID(conf.Email),
		Archive:    archive,
		URL:        item.URL,
		MD5:        item.MD5,
		Signatures: item.Signatures,
		Metadata:   md,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("id", req.ID).Info("Registered download request")

	if conf.Start {
		if err := s.manager.Start(req.ID); err != nil {
			return nil, err
		}
	}

	return req, nil
}

// DownloadInfo asks for the download information of app. When the account has
// no license yet one is acquired and the call is retried once.
func (s *Service) DownloadInfo(ctx context.Context, email string, app *storefront.Archive, externalVersionID string) (*storefront.Item, error) {
	var item *storefront.Item
	info := func(acct *auth.Account, id storefront.Identity) (err error) {
		item, err = s.client.DownloadInfo(ctx, id, *app, externalVersionID, acct.Region())
		return err
	}

	err := s.withSession(ctx, email, info)
	if errors.Is(err, storefront.ErrLicenseNotFound) {
		log.WithField("app", app.BundleID).Info("Acquiring license")
		if err := s.withSession(ctx, email, func(acct *auth.Account, id storefront.Identity) error {
			return s.client.Purchase(ctx, id, *app, acct.Region())
		}); err != nil && !errors.Is(err, storefront.ErrAlreadyLicensed) {
			return nil, fmt.Errorf("failed to acquire license: %w", err)
		}
		err = s.withSession(ctx, email, info)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download information: %w", err)
	}

	return item, nil
}

// Versions lists the external version identifiers the storefront offers for
// the catalog entry, oldest first.
func (s *Service) Versions(ctx context.Context, conf *Config) ([]string, error) {
	if err := conf.verify(); err != nil {
		return nil, err
	}

	app, err := s.Resolve(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup app: %w", err)
	}

	item, err := s.DownloadInfo(ctx, conf.Email, app, "")
	if err != nil {
		return nil, err
	}

	ids := item.ExternalVersionIDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no versions listed for %s", app.BundleID)
	}
	return ids, nil
}

// withSession runs fn with the account's identity. An expired token is
// rotated and fn retried once.
func (s *Service) withSession(ctx context.Context, email string, fn func(*auth.Account, storefront.Identity) error) error {
	acct, id, err := s.auth.Identity(email)
	if err != nil {
		return err
	}
	err = fn(acct, id)
	if !errors.Is(err, storefront.ErrTokenExpired) {
		return err
	}

	log.WithField("account", acct.ID()).Warn("Password token expired, rotating")
	if _, err := s.auth.Rotate(ctx, email); err != nil {
		return err
	}
	acct, id, err = s.auth.Identity(email)
	if err != nil {
		return err
	}
	return fn(acct, id)
}
