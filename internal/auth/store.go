package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99designs/keyring"
	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/blacktop/ipastore/internal/storefront"
)

const (
	VaultName           = "ipastore-vault"
	AppName             = "io.blacktop.ipastore"
	KeychainServiceName = "ipastore-auth.service"

	seedKey       = "device-seed"
	accountPrefix = "account:"
)

var ErrAccountNotFound = errors.New("account not found")

type VaultConfig struct {
	// Dir holds the encrypted file vault.
	Dir      string
	Password string
	// Backend forces a keyring backend (file, keychain, secret-service, ...).
	Backend string
}

// OpenVault opens (or creates) the credential vault.
func OpenVault(conf *VaultConfig) (keyring.Keyring, error) {
	kc := keyring.Config{
		ServiceName:                    KeychainServiceName,
		KeychainSynchronizable:         false,
		KeychainAccessibleWhenUnlocked: true,
		KeychainTrustApplication:       true,
		FileDir:                        conf.Dir,
		FilePasswordFunc: func(string) (string, error) {
			if len(conf.Password) == 0 {
				msg := "Enter a password to decrypt your credentials vault: " + filepath.Join(conf.Dir, VaultName)
				if _, err := os.Stat(conf.Dir); errors.Is(err, os.ErrNotExist) {
					msg = "Enter a password to encrypt your credentials to vault: " + filepath.Join(conf.Dir, VaultName)
				}
				prompt := &survey.Password{
					Message: msg,
				}
				if err := survey.AskOne(prompt, &conf.Password); err != nil {
					if err == terminal.InterruptErr {
						return "", fmt.Errorf("vault password prompt interrupted")
					}
					return "", err
				}
			}
			return conf.Password, nil
		},
	}
	if conf.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(conf.Backend)}
	}

	vault, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return vault, nil
}

// Store persists the device seed and accounts in a keyring. All writes go
// through its mutex.
type Store struct {
	mu    sync.Mutex
	vault keyring.Keyring
}

func NewStore(vault keyring.Keyring) *Store {
	return &Store{vault: vault}
}

// Seed returns the device seed, generating and persisting it on first use.
func (s *Store) Seed() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.vault.Get(seedKey)
	if err == nil && len(item.Data) > 0 {
		return string(item.Data), nil
	}
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("failed to read device seed: %w", err)
	}
	return s.newSeed()
}

// ResetSeed replaces the device seed.
func (s *Store) ResetSeed() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSeed()
}

func (s *Store) newSeed() (string, error) {
	seed, err := storefront.NewSeed()
	if err != nil {
		return "", err
	}
	if err := s.vault.Set(keyring.Item{
		Key:         seedKey,
		Data:        []byte(seed),
		Label:       AppName,
		Description: "device seed",
	}); err != nil {
		return "", fmt.Errorf("failed to store device seed: %w", err)
	}
	return seed, nil
}

// GUID returns the per-device identifier derived from the seed.
func (s *Store) GUID() (string, error) {
	seed, err := s.Seed()
	if err != nil {
		return "", err
	}
	return storefront.GUID(seed), nil
}

func (s *Store) Get(email string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(AccountID(email))
}

func (s *Store) get(id string) (*Account, error) {
	item, err := s.vault.Get(accountPrefix + id)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return nil, fmt.Errorf("failed to get account from vault: %w", err)
	}
	var acct Account
	if err := json.Unmarshal(item.Data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

func (s *Store) put(acct *Account) error {
	acct.UpdatedAt = time.Now()
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := s.vault.Set(keyring.Item{
		Key:         accountPrefix + acct.ID(),
		Data:        data,
		Label:       AppName,
		Description: "application password",
	}); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

// Update runs fn on the stored account for email (or a new one if none exists)
// and persists the result.
func (s *Store) Update(email string, fn func(*Account) error) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.get(AccountID(email))
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		acct = &Account{Email: email}
	}
	if err := fn(acct); err != nil {
		return nil, err
	}
	if err := s.put(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Store) List() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.vault.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list vault keys: %w", err)
	}

	var accts []*Account
	for _, key := range keys {
		if !strings.HasPrefix(key, accountPrefix) {
			continue
		}
		acct, err := s.get(strings.TrimPrefix(key, accountPrefix))
		if err != nil {
			return nil, err
		}
		accts = append(accts, acct)
	}
	sort.Slice(accts, func(i, j int) bool { return accts[i].ID() < accts[j].ID() })
	return accts, nil
}

func (s *Store) Delete(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.vault.Remove(accountPrefix + AccountID(email)); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, AccountID(email))
		}
		return fmt.Errorf("failed to remove account: %w", err)
	}
	return nil
}
