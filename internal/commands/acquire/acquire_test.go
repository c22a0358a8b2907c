package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/ipastore/internal/auth"
	"github.com/blacktop/ipastore/internal/db"
	"github.com/blacktop/ipastore/internal/download"
	"github.com/blacktop/ipastore/internal/model"
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

// fakeStore answers the storefront endpoints. Each download-info call pops
// the next failure type from downloads; an empty string means success.
type fakeStore struct {
	mu        sync.Mutex
	downloads []string
	calls     map[string]int
	tokens    []string
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	endpoint := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.calls[endpoint]++

	reply := func(v any) {
		data, _ := plist.Marshal(v, plist.XMLFormat)
		w.Write(data)
	}

	switch endpoint {
	case "lookup":
		json.NewEncoder(w).Encode(map[string]any{
			"resultCount": 1,
			"results": []map[string]any{{
				"trackId":   1,
				"bundleId":  "com.example.app",
				"trackName": "Example",
				"version":   "2.0",
			}},
		})
	case "authenticate":
		reply(map[string]any{"dsPersonId": "1", "passwordToken": "fresh"})
	case "buyProduct":
		reply(map[string]any{"jingleDocType": "purchaseSuccess", "status": 0})
	case "volumeStoreDownloadProduct":
		f.tokens = append(f.tokens, r.Header.Get("X-Token"))
		failure := ""
		if len(f.downloads) > 0 {
			failure, f.downloads = f.downloads[0], f.downloads[1:]
		}
		if failure != "" {
			reply(map[string]any{"failureType": failure})
			return
		}
		reply(map[string]any{"songList": []map[string]any{{
			"songId": 1,
			"URL":    "https://cdn.example.com/app.ipa",
			"md5":    "0123456789abcdef",
			"sinfs":  []map[string]any{{"id": 0, "sinf": []byte("sinf")}},
			"metadata": map[string]any{
				"bundleShortVersionString":           "1.5",
				"bundleDisplayName":                  "Example",
				"softwareVersionExternalIdentifiers": []int{7990, 8000, 8001},
			},
		}}})
	default:
		http.NotFound(w, r)
	}
}

func newService(t *testing.T, fake *fakeStore) (*Service, *download.Manager) {
	t.Helper()
	fake.calls = make(map[string]int)
	srv := httptest.NewTLSServer(fake)
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)

	codec := storefront.NewCodec(&storefront.CodecConfig{
		Timeout:   5 * time.Second,
		Retries:   1,
		Transport: rewriteTransport{target: target, base: srv.Client().Transport},
	})
	client := storefront.NewClient(codec, storefront.DefaultEndpoints)

	store := auth.NewStore(keyring.NewArrayKeyring(nil))
	if _, err := store.Update("user@example.com", func(acct *auth.Account) error {
		acct.Password = "pw"
		acct.CountryCode = "US"
		acct.DSID = "1"
		acct.PasswordToken = "stale"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	database, _ := db.NewInMemory("")
	manager, err := download.NewManager(&download.Config{Dir: t.TempDir()}, database)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { manager.Close() })

	svc, err := New(client, auth.NewAuthenticator(client, store), manager)
	if err != nil {
		t.Fatal(err)
	}
	return svc, manager
}

func TestAcquire(t *testing.T) {
	tests := []struct {
		name      string
		downloads []string
		wantCalls map[string]int
		wantErr   error
	}{
		{
			name:      "licensed",
			wantCalls: map[string]int{"lookup": 1, "volumeStoreDownloadProduct": 1},
		},
		{
			name:      "license acquired",
			downloads: []string{"9610"},
			wantCalls: map[string]int{"lookup": 1, "volumeStoreDownloadProduct": 2, "buyProduct": 1},
		},
		{
			name:      "token rotated",
			downloads: []string{"2034"},
			wantCalls: map[string]int{"lookup": 1, "volumeStoreDownloadProduct": 2, "authenticate": 1},
		},
		{
			name:      "license still missing",
			downloads: []string{"9610", "9610"},
			wantCalls: map[string]int{"lookup": 1, "volumeStoreDownloadProduct": 2, "buyProduct": 1},
			wantErr:   storefront.ErrLicenseNotFound,
		},
		{
			name:      "token expired twice",
			downloads: []string{"2034", "2034"},
			wantCalls: map[string]int{"lookup": 1, "volumeStoreDownloadProduct": 2, "authenticate": 1},
			wantErr:   storefront.ErrTokenExpired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeStore{downloads: tt.downloads}
			svc, manager := newService(t, fake)

			req, err := svc.Acquire(context.Background(), &Config{Email: "User@Example.com", BundleID: "com.example.app"})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Acquire() error = %v, want %v", err, tt.wantErr)
				}
				if n := len(manager.List()); n != 0 {
					t.Errorf("failed acquisition registered %d requests", n)
				}
			} else if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}

			fake.mu.Lock()
			defer fake.mu.Unlock()
			for endpoint, want := range tt.wantCalls {
				if got := fake.calls[endpoint]; got != want {
					t.Errorf("%s called %d times, want %d", endpoint, got, want)
				}
			}
			if tt.wantErr != nil {
				return
			}

			if req.URL != "https://cdn.example.com/app.ipa" || req.MD5 != "0123456789abcdef" {
				t.Errorf("request = %+v", req)
			}
			if req.Account != "user@example.com" || req.Runtime.Status != model.StatusStopped {
				t.Errorf("request = %+v", req)
			}
			if len(req.Signatures) != 1 || string(req.Signatures[0].Data) != "sinf" {
				t.Errorf("signatures = %+v", req.Signatures)
			}
			if req.Metadata.BundleDisplayName != "Example" {
				t.Errorf("metadata = %+v", req.Metadata)
			}
			if req.Archive.Version != "2.0" {
				t.Errorf("latest download should keep the catalog version, got %s", req.Archive.Version)
			}
			if tt.name == "token rotated" {
				if len(fake.tokens) != 2 || fake.tokens[0] != "stale" || fake.tokens[1] != "fresh" {
					t.Errorf("tokens sent = %v", fake.tokens)
				}
			}
		})
	}
}

func TestAcquireVersion(t *testing.T) {
	fake := &fakeStore{}
	svc, _ := newService(t, fake)

	conf := &Config{Email: "user@example.com", AppID: 1, ExternalVersionID: "8001"}
	req, err := svc.Acquire(context.Background(), conf)
	if err != nil {
		t.Fatal(err)
	}
	if req.Archive.Version != "1.5" {
		t.Errorf("version = %s, want the version from the item metadata", req.Archive.Version)
	}

	// the second lookup is served from the cache
	if _, err := svc.Acquire(context.Background(), conf); err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.calls["lookup"] != 1 {
		t.Errorf("lookup called %d times, want 1", fake.calls["lookup"])
	}
}

func TestVersions(t *testing.T) {
	fake := &fakeStore{downloads: []string{"9610"}}
	svc, manager := newService(t, fake)

	ids, err := svc.Versions(context.Background(), &Config{Email: "user@example.com", BundleID: "com.example.app"})
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if want := []string{"7990", "8000", "8001"}; strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Versions() = %v, want %v", ids, want)
	}
	if n := len(manager.List()); n != 0 {
		t.Errorf("Versions() registered %d requests", n)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.calls["buyProduct"] != 1 {
		t.Errorf("buyProduct called %d times, want 1", fake.calls["buyProduct"])
	}
}

func TestAcquireValidates(t *testing.T) {
	svc, _ := newService(t, &fakeStore{})
	for _, conf := range []*Config{
		{BundleID: "com.example.app"},
		{Email: "user@example.com"},
	} {
		if _, err := svc.Acquire(context.Background(), conf); err == nil {
			t.Errorf("Acquire(%+v) should fail", conf)
		}
	}
	if _, err := svc.Acquire(context.Background(), &Config{Email: "nobody@example.com", BundleID: "x"}); !errors.Is(err, auth.ErrAccountNotFound) {
		t.Errorf("Acquire() error = %v, want ErrAccountNotFound", err)
	}
}
