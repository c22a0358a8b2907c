package storefront

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blacktop/go-plist"
)

// rewriteTransport sends every request to the test server, remembering the
// host the client meant to reach.
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("X-Original-Host", r.URL.Host)
	r.URL.Scheme = t.target.Scheme
	r.URL.Host = t.target.Host
	return t.base.RoundTrip(r)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	target, _ := url.Parse(srv.URL)
	codec := NewCodec(&CodecConfig{
		Timeout:   5 * time.Second,
		Retries:   1,
		Transport: rewriteTransport{target: target, base: srv.Client().Transport},
	})
	return NewClient(codec, DefaultEndpoints)
}

func writePlist(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	data, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		t.Fatalf("failed to marshal plist: %v", err)
	}
	w.Header().Set("Content-Type", "text/xml")
	w.Write(data)
}

func readPlist(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	m := map[string]any{}
	if _, err := plist.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to decode request plist: %v", err)
	}
	return m
}

func TestAuthenticate(t *testing.T) {
	var got map[string]any
	var host, guid string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		host = r.Header.Get("X-Original-Host")
		guid = r.URL.Query().Get("guid")
		got = readPlist(t, r)
		w.Header().Set("pod", "42")
		w.Header().Set("x-set-apple-store-front", "143441-1,29")
		writePlist(t, w, map[string]any{
			"dsPersonId":    "123456",
			"passwordToken": "token-1",
			"accountInfo": map[string]any{
				"appleId": "user@example.com",
				"address": map[string]any{"firstName": "Jane", "lastName": "Doe"},
			},
		})
	})

	sess, err := c.Authenticate(context.Background(), "AABBCCDDEEFF", Credentials{
		Email:    "user@example.com",
		Password: "secret",
		Code:     "123456",
	}, Region{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	want := &Session{
		DSID:          "123456",
		PasswordToken: "token-1",
		AppleID:       "user@example.com",
		FirstName:     "Jane",
		LastName:      "Doe",
		StoreFront:    "143441-1,29",
		Pod:           "42",
	}
	if !reflect.DeepEqual(sess, want) {
		t.Errorf("Authenticate() = %+v, want %+v", sess, want)
	}
	if host != "p25-buy.itunes.apple.com" {
		t.Errorf("host = %s, want p25-buy.itunes.apple.com", host)
	}
	if guid != "AABBCCDDEEFF" {
		t.Errorf("guid query = %s", guid)
	}
	if got["password"] != "secret123456" || got["appleId"] != "user@example.com" || got["guid"] != "AABBCCDDEEFF" {
		t.Errorf("unexpected login body: %v", got)
	}
}

func TestAuthenticateSecondFactor(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writePlist(t, w, map[string]any{
			"customerMessage": customerMessageBadLogin,
		})
	})

	_, err := c.Authenticate(context.Background(), "AABBCCDDEEFF", Credentials{Email: "a@b.c", Password: "pw"}, Region{})
	if !errors.Is(err, ErrSecondFactorRequired) {
		t.Fatalf("Authenticate() error = %v, want ErrSecondFactorRequired", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("storefront called %d times, want 1", n)
	}
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writePlist(t, w, map[string]any{
			"failureType":     "-5000",
			"customerMessage": "Your Apple ID or password was entered incorrectly.",
		})
	})

	_, err := c.Authenticate(context.Background(), "AABBCCDDEEFF", Credentials{Email: "a@b.c", Password: "pw"}, Region{})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate() error = %v, want ErrInvalidCredentials", err)
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != -5000 {
		t.Errorf("Authenticate() error = %#v, want ProtocolError with code -5000", err)
	}
}

func TestAuthenticateFollowsPodRedirect(t *testing.T) {
	var hosts []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hosts = append(hosts, r.Header.Get("X-Original-Host"))
		body := readPlist(t, r)
		if body["appleId"] != "a@b.c" {
			t.Errorf("redirected request lost its body: %v", body)
		}
		if len(hosts) == 1 {
			w.Header().Set("Location", "https://p71-buy.itunes.apple.com/WebObjects/MZFinance.woa/wa/authenticate")
			w.WriteHeader(http.StatusFound)
			return
		}
		writePlist(t, w, map[string]any{"dsPersonId": "1", "passwordToken": "t"})
	})

	sess, err := c.Authenticate(context.Background(), "G", Credentials{Email: "a@b.c", Password: "pw"}, Region{})
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	want := []string{"p25-buy.itunes.apple.com", "p71-buy.itunes.apple.com"}
	if !reflect.DeepEqual(hosts, want) {
		t.Errorf("hosts = %v, want %v", hosts, want)
	}
	if sess.DSID != "1" {
		t.Errorf("DSID = %s", sess.DSID)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		failureType string
		message     string
		want        error
	}{
		{"9610", "", ErrLicenseNotFound},
		{"2034", "", ErrTokenExpired},
		{"2042", "", ErrTokenExpired},
		{"2059", "", ErrTemporarilyUnavailable},
		{"-5000", "", ErrInvalidCredentials},
		{"", customerMessageBadLogin, ErrSecondFactorRequired},
		{"5002", "", ErrGeneric},
		{"1234", "", ErrGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.failureType+tt.message, func(t *testing.T) {
			if got := classify(tt.failureType, tt.message); got != tt.want {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPurchase(t *testing.T) {
	id := Identity{GUID: "G", DSID: "42", PasswordToken: "tok"}
	app := Archive{ID: 1234, Name: "Example"}

	t.Run("success", func(t *testing.T) {
		var body map[string]any
		var hdr http.Header
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			hdr = r.Header.Clone()
			body = readPlist(t, r)
			writePlist(t, w, map[string]any{"jingleDocType": "purchaseSuccess", "status": 0})
		})
		if err := c.Purchase(context.Background(), id, app, Region{CountryCode: "US"}); err != nil {
			t.Fatalf("Purchase() error = %v", err)
		}
		if hdr.Get("X-Dsid") != "42" || hdr.Get("X-Token") != "tok" || hdr.Get("X-Apple-Store-Front") != "143441-1,29" {
			t.Errorf("unexpected headers: %v", hdr)
		}
		if hdr.Get("X-Original-Host") != "buy.itunes.apple.com" {
			t.Errorf("host = %s", hdr.Get("X-Original-Host"))
		}
		if body["origPage"] != "Software-1234" || body["pricingParameters"] != "STDQ" {
			t.Errorf("unexpected purchase body: %v", body)
		}
	})

	t.Run("regional pod", func(t *testing.T) {
		var host string
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			host = r.Header.Get("X-Original-Host")
			writePlist(t, w, map[string]any{"jingleDocType": "purchaseSuccess", "status": 0})
		})
		if err := c.Purchase(context.Background(), id, app, Region{Pod: "31"}); err != nil {
			t.Fatal(err)
		}
		if host != "p31-buy.itunes.apple.com" {
			t.Errorf("host = %s, want p31-buy.itunes.apple.com", host)
		}
	})

	t.Run("already licensed", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		if err := c.Purchase(context.Background(), id, app, Region{}); !errors.Is(err, ErrAlreadyLicensed) {
			t.Errorf("Purchase() error = %v, want ErrAlreadyLicensed", err)
		}
	})

	t.Run("token expired", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writePlist(t, w, map[string]any{"failureType": "2034"})
		})
		if err := c.Purchase(context.Background(), id, app, Region{}); !errors.Is(err, ErrTokenExpired) {
			t.Errorf("Purchase() error = %v, want ErrTokenExpired", err)
		}
	})

	t.Run("paid app", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("paid app must not reach the storefront")
		})
		paid := app
		paid.Price = 0.99
		if err := c.Purchase(context.Background(), id, paid, Region{}); !errors.Is(err, ErrPaidApp) {
			t.Errorf("Purchase() error = %v, want ErrPaidApp", err)
		}
	})
}

func TestDownloadInfo(t *testing.T) {
	id := Identity{GUID: "G", DSID: "42", PasswordToken: "tok"}
	app := Archive{ID: 1234}

	t.Run("success", func(t *testing.T) {
		var body map[string]any
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			body = readPlist(t, r)
			writePlist(t, w, map[string]any{
				"songList": []any{
					map[string]any{
						"songId": 1234,
						"URL":    "https://iosapps.itunes.apple.com/app.ipa",
						"md5":    "ABCDEF",
						"sinfs":  []any{map[string]any{"id": 0, "sinf": []byte{1, 2, 3}}},
						"metadata": map[string]any{
							"bundleDisplayName":                 "Example",
							"softwareVersionExternalIdentifier":  8001,
							"softwareVersionExternalIdentifiers": []any{7990, 8000, 8001},
						},
					},
				},
			})
		})
		item, err := c.DownloadInfo(context.Background(), id, app, "8000", Region{})
		if err != nil {
			t.Fatalf("DownloadInfo() error = %v", err)
		}
		if item.URL != "https://iosapps.itunes.apple.com/app.ipa" || item.MD5 != "ABCDEF" {
			t.Errorf("unexpected item: %+v", item)
		}
		if len(item.Signatures) != 1 || !reflect.DeepEqual(item.Signatures[0].Data, []byte{1, 2, 3}) {
			t.Errorf("unexpected signatures: %+v", item.Signatures)
		}
		if item.ExternalVersionID() != "8001" {
			t.Errorf("ExternalVersionID() = %s, want 8001", item.ExternalVersionID())
		}
		if got := item.ExternalVersionIDs(); !reflect.DeepEqual(got, []string{"7990", "8000", "8001"}) {
			t.Errorf("ExternalVersionIDs() = %v", got)
		}
		if body["externalVersionId"] != "8000" {
			t.Errorf("externalVersionId = %v, want 8000", body["externalVersionId"])
		}
	})

	t.Run("license not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writePlist(t, w, map[string]any{"failureType": "9610", "customerMessage": "License not found"})
		})
		_, err := c.DownloadInfo(context.Background(), id, app, "", Region{})
		if !errors.Is(err, ErrLicenseNotFound) {
			t.Errorf("DownloadInfo() error = %v, want ErrLicenseNotFound", err)
		}
	})

	t.Run("empty song list", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writePlist(t, w, map[string]any{"songList": []any{}})
		})
		_, err := c.DownloadInfo(context.Background(), id, app, "", Region{})
		if !errors.Is(err, ErrGeneric) {
			t.Errorf("DownloadInfo() error = %v, want ErrGeneric", err)
		}
	})
}

func TestLookupAndSearch(t *testing.T) {
	var query url.Values
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		path = r.URL.Path
		if query.Get("term") == "nothing" {
			w.Write([]byte(`{"resultCount":0,"results":[]}`))
			return
		}
		w.Write([]byte(`{"resultCount":1,"results":[{"trackId":1234,"bundleId":"com.example.app","trackName":"Example","version":"1.2.3","fileSizeBytes":"2048","price":0}]}`))
	})

	app, err := c.Lookup(context.Background(), Query{BundleID: "com.example.app", Device: DeviceIPad, Region: Region{CountryCode: "gb"}})
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if app.ID != 1234 || app.Version != "1.2.3" || app.Size() != 2048 {
		t.Errorf("unexpected archive: %+v", app)
	}
	if path != "/lookup" || query.Get("bundleId") != "com.example.app" || query.Get("country") != "GB" || query.Get("entity") != "iPadSoftware" {
		t.Errorf("unexpected lookup request: %s %v", path, query)
	}

	apps, err := c.Search(context.Background(), Query{Term: "example", Limit: 5, Offset: 10})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(apps) != 1 {
		t.Errorf("Search() returned %d results", len(apps))
	}
	if path != "/search" || query.Get("limit") != "5" || query.Get("offset") != "10" || query.Get("entity") != "software,iPadSoftware" {
		t.Errorf("unexpected search request: %s %v", path, query)
	}

	res := <-c.SearchAsync(context.Background(), Query{Term: "nothing"})
	if !errors.Is(res.Err, ErrNoResults) {
		t.Errorf("SearchAsync() error = %v, want ErrNoResults", res.Err)
	}
}

type failingTransport struct {
	calls int32
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, errors.New("connection refused")
}

func TestCodecTransportFailure(t *testing.T) {
	ft := &failingTransport{}
	codec := NewCodec(&CodecConfig{Retries: 3, Backoff: time.Millisecond, Transport: ft})

	_, err := codec.Do(context.Background(), &Request{URL: "https://itunes.apple.com/search"})
	if !IsTransport(err) {
		t.Fatalf("Do() error = %v, want TransportError", err)
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		t.Errorf("transport failure must not be a ProtocolError")
	}
	if n := atomic.LoadInt32(&ft.calls); n != 3 {
		t.Errorf("transport called %d times, want 3", n)
	}

	res := <-codec.Go(context.Background(), &Request{URL: "https://itunes.apple.com/search"})
	if !IsTransport(res.Err) {
		t.Errorf("Go() error = %v, want TransportError", res.Err)
	}
}

func TestCodecProtocolFailureNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	codec := NewCodec(&CodecConfig{Retries: 3, Backoff: time.Millisecond, Transport: srv.Client().Transport})
	resp, err := codec.Do(context.Background(), &Request{URL: srv.URL})

	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("Do() error = %v, want ProtocolError", err)
	}
	if perr.Code != http.StatusServiceUnavailable || resp == nil || resp.Status != http.StatusServiceUnavailable {
		t.Errorf("unexpected protocol error %+v / response %+v", perr, resp)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
}

func TestGUID(t *testing.T) {
	seed, err := NewSeed()
	if err != nil {
		t.Fatal(err)
	}
	if len(seed) != 12 || GUID(seed) != seed {
		t.Errorf("NewSeed() = %q, want 12 upper-case hex digits", seed)
	}
	if got := GUID("aa:bb:cc:dd:ee:ff"); got != "AABBCCDDEEFF" {
		t.Errorf("GUID() = %s", got)
	}
}
