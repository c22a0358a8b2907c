// Package app wires the storefront client, vault, database and download
// manager together from the loaded config.
package app

import (
	"fmt"
	"strings"

	"github.com/blacktop/ipastore/internal/auth"
	"github.com/blacktop/ipastore/internal/commands/acquire"
	"github.com/blacktop/ipastore/internal/config"
	"github.com/blacktop/ipastore/internal/db"
	"github.com/blacktop/ipastore/internal/download"
	"github.com/blacktop/ipastore/internal/installer"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/storefront"
	"github.com/pkg/errors"
)

// App holds every long-lived service of one CLI invocation.
type App struct {
	Config  *config.Config
	Client  *storefront.Client
	Auth    *auth.Authenticator
	Manager *download.Manager
	Acquire *acquire.Service

	database db.Database
}

// Open builds the services. The download database is only opened when
// downloads is set, so account and catalog commands never touch it.
func Open(conf *config.Config, downloads bool) (*App, error) {
	vault, err := auth.OpenVault(&auth.VaultConfig{
		Dir:      conf.Vault.Dir,
		Password: conf.Vault.Password,
		Backend:  conf.Vault.Backend,
	})
	if err != nil {
		return nil, err
	}

	codec := storefront.NewCodec(&storefront.CodecConfig{
		Proxy:    conf.Storefront.Proxy,
		Insecure: conf.Storefront.Insecure,
		Timeout:  conf.Storefront.Timeout,
		Retries:  conf.Storefront.Retries,
		Backoff:  conf.Storefront.Backoff,
	})

	a := &App{
		Config: conf,
		Client: storefront.NewClient(codec, storefront.DefaultEndpoints),
	}
	a.Auth = auth.NewAuthenticator(a.Client, auth.NewStore(vault))

	if !downloads {
		return a, nil
	}

	a.database, err = db.NewSqlite(conf.Download.Database)
	if err != nil {
		return nil, err
	}
	if err := a.database.Connect(); err != nil {
		return nil, errors.Wrap(err, "failed to open download database")
	}

	a.Manager, err = download.NewManager(&download.Config{
		Dir:              conf.Download.Dir,
		Proxy:            conf.Storefront.Proxy,
		Insecure:         conf.Storefront.Insecure,
		Timeout:          conf.Download.Timeout,
		Tick:             conf.Download.Tick,
		InjectSignatures: conf.Download.InjectSignatures,
	}, a.database)
	if err != nil {
		a.database.Close()
		return nil, err
	}

	a.Acquire, err = acquire.New(a.Client, a.Auth, a.Manager)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Load reads the config from viper and opens the services.
func Load(downloads bool) (*App, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return Open(conf, downloads)
}

// Request resolves a full request ID or a unique prefix of one.
func (a *App) Request(id string) (*model.Request, error) {
	if r, err := a.Manager.Get(id); err == nil {
		return r, nil
	}
	var found []*model.Request
	for _, r := range a.Manager.List() {
		if strings.HasPrefix(r.ID, id) {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no download request matches %s", id)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("%d download requests match %s", len(found), id)
	}
}

// Installer returns the install session config.
func (a *App) Installer(debug bool) *installer.Config {
	return &installer.Config{
		Hostname: a.Config.Installer.Hostname,
		CertFile: a.Config.Installer.Cert,
		KeyFile:  a.Config.Installer.Key,
		Address:  a.Config.Installer.Address,
		MaxConns: a.Config.Installer.MaxConns,
		Lifetime: a.Config.Installer.Lifetime,
		Debug:    debug,
	}
}

// Region is the catalog region used when no account is involved.
func (a *App) Region() storefront.Region {
	return storefront.Region{CountryCode: a.Config.Storefront.Country}
}

// DefaultAccount returns the only stored account, if there is exactly one.
func (a *App) DefaultAccount() (string, error) {
	accts, err := a.Auth.Store().List()
	if err != nil {
		return "", err
	}
	switch len(accts) {
	case 0:
		return "", fmt.Errorf("no accounts: run 'ipastore account login' first")
	case 1:
		return accts[0].Email, nil
	default:
		return "", fmt.Errorf("%d accounts are signed in: select one with --account", len(accts))
	}
}

func (a *App) Close() error {
	var err error
	if a.Manager != nil {
		err = a.Manager.Close()
	}
	if a.database != nil {
		if cerr := a.database.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
