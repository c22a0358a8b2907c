package app

import (
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/blacktop/ipastore/internal/auth"
	"github.com/blacktop/ipastore/internal/db"
	"github.com/blacktop/ipastore/internal/download"
	"github.com/blacktop/ipastore/internal/model"
	"github.com/blacktop/ipastore/internal/storefront"
)

func TestRequest(t *testing.T) {
	database, _ := db.NewInMemory("")
	m, err := download.NewManager(&download.Config{Dir: t.TempDir()}, database)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	for i, id := range []string{"aaaa1111", "aaaa2222", "bbbb3333"} {
		if _, err := m.Add(&model.Request{
			ID:        id,
			Archive:   storefront.Archive{BundleID: "com.example.app"},
			URL:       "https://example.com/app.ipa",
			MD5:       "d41d8cd98f00b204e9800998ecf8427e",
			CreatedAt: time.Unix(int64(i), 0),
		}); err != nil {
			t.Fatal(err)
		}
	}
	a := &App{Manager: m}

	tests := []struct {
		arg     string
		want    string
		wantErr string
	}{
		{arg: "aaaa2222", want: "aaaa2222"},
		{arg: "bb", want: "bbbb3333"},
		{arg: "aaaa", wantErr: "2 download requests"},
		{arg: "cc", wantErr: "no download request"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			r, err := a.Request(tt.arg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Request(%s) error = %v, want %q", tt.arg, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if r.ID != tt.want {
				t.Errorf("Request(%s) = %s, want %s", tt.arg, r.ID, tt.want)
			}
		})
	}
}

func TestDefaultAccount(t *testing.T) {
	store := auth.NewStore(keyring.NewArrayKeyring(nil))
	a := &App{Auth: auth.NewAuthenticator(nil, store)}

	if _, err := a.DefaultAccount(); err == nil {
		t.Error("DefaultAccount() with no accounts should fail")
	}

	add := func(email string) {
		if _, err := store.Update(email, func(acct *auth.Account) error {
			acct.Email = email
			return nil
		}); err != nil {
			t.Fatal(err)
		}
	}

	add("User@Example.com")
	if got, err := a.DefaultAccount(); err != nil || got != "User@Example.com" {
		t.Errorf("DefaultAccount() = %q, %v", got, err)
	}

	add("other@example.com")
	if _, err := a.DefaultAccount(); err == nil || !strings.Contains(err.Error(), "--account") {
		t.Errorf("DefaultAccount() with two accounts error = %v", err)
	}
}
