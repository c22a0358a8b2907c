package storefront

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/blacktop/ipastore/internal/utils"
	"golang.org/x/net/http/httpproxy"
)

const userAgent = "Configurator/2.15 (Macintosh; OperatingSystem X 11.0.0; 16G29) AppleWebKit/2603.3.8"

// PayloadKind selects how Request.Payload is serialized.
type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadForm
	PayloadPlist
)

// Format is the expected encoding of a response body.
type Format int

const (
	FormatRaw Format = iota
	FormatPlist
	FormatJSON
)

// Request describes exactly one storefront HTTP call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	Kind PayloadKind
	// Form is sent when Kind is PayloadForm.
	Form url.Values
	// Payload is encoded as an XML property list when Kind is PayloadPlist.
	Payload any

	// Expect enables failure envelope detection for FormatPlist bodies.
	Expect Format
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) DecodePlist(v any) error {
	if _, err := plist.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode plist response: %w", err)
	}
	return nil
}

func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to deserialize response body JSON: %w", err)
	}
	return nil
}

// Result is delivered by Codec.Go.
type Result struct {
	Response *Response
	Err      error
}

type CodecConfig struct {
	Proxy    string
	Insecure bool
	// Timeout bounds a single attempt, including reading the body.
	Timeout time.Duration
	// Retries is the number of attempts made for transport failures.
	Retries int
	Backoff time.Duration
	// Transport replaces the default transport (proxy and TLS settings are then ignored).
	Transport http.RoundTripper
}

// Codec turns Requests into HTTPS calls and classifies the outcome.
type Codec struct {
	client  *http.Client
	retries int
	backoff time.Duration
}

func NewCodec(conf *CodecConfig) *Codec {
	if conf == nil {
		conf = &CodecConfig{}
	}
	jar, _ := cookiejar.New(nil)

	transport := conf.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: GetProxy(conf.Proxy),
			DialContext: (&net.Dialer{
				Timeout:   15 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: conf.Insecure},
		}
	}

	retries := conf.Retries
	if retries < 1 {
		retries = 1
	}

	return &Codec{
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   conf.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		retries: retries,
		backoff: conf.Backoff,
	}
}

// GetProxy returns the proxy func for the given proxy URL, falling back to the
// environment.
func GetProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
			return http.ProxyFromEnvironment
		}
		log.Debugf("proxy set to: %s", proxyURL)
		return http.ProxyURL(proxyURL)
	}

	conf := httpproxy.FromEnvironment()
	if len(conf.HTTPProxy) > 0 || len(conf.HTTPSProxy) > 0 {
		log.WithFields(log.Fields{
			"http_proxy":  conf.HTTPProxy,
			"https_proxy": conf.HTTPSProxy,
			"no_proxy":    conf.NoProxy,
		}).Debugf("proxy info from environment")
	}
	proxyFunc := conf.ProxyFunc()
	return func(req *http.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}

// Do performs the call. Transport failures are retried with backoff and come
// back as *TransportError. A non-200 status or a failure envelope comes back as
// *ProtocolError together with the Response so callers can inspect it.
func (c *Codec) Do(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	err := utils.RetryContext(ctx, c.retries, c.backoff, func() error {
		r, err := c.once(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return utils.Stop(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp.Status != http.StatusOK {
		perr := &ProtocolError{Status: resp.Status, Code: resp.Status, Err: ErrGeneric}
		if req.Expect == FormatPlist {
			var env envelope
			if _, err := plist.Unmarshal(resp.Body, &env); err == nil && env.failed() {
				perr = env.err(resp.Status)
			}
		}
		return resp, perr
	}

	if req.Expect == FormatPlist {
		var env envelope
		if err := resp.DecodePlist(&env); err != nil {
			return resp, &ProtocolError{Status: resp.Status, Code: resp.Status, Message: err.Error(), Err: ErrGeneric}
		}
		if env.failed() {
			return resp, env.err(resp.Status)
		}
	}

	return resp, nil
}

// Go runs Do on its own goroutine. The channel receives exactly one Result.
func (c *Codec) Go(ctx context.Context, req *Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		resp, err := c.Do(ctx, req)
		out <- Result{Response: resp, Err: err}
	}()
	return out
}

func (c *Codec) once(ctx context.Context, req *Request) (*Response, error) {
	body, contentType, err := encodePayload(req)
	if err != nil {
		return nil, utils.Stop(err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, reader)
	if err != nil {
		return nil, utils.Stop(fmt.Errorf("failed to create http %s request: %w", method, err))
	}
	if len(req.Query) > 0 {
		hreq.URL.RawQuery = req.Query.Encode()
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", userAgent)
	}
	if contentType != "" && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", contentType)
	}

	hresp, err := c.client.Do(hreq)
	if err != nil {
		return nil, &TransportError{Method: method, URL: redact(hreq.URL), Err: err}
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, URL: redact(hreq.URL), Err: err}
	}

	log.Debugf("%s %s (%d):\n%s\n", method, redact(hreq.URL), hresp.StatusCode, string(data))

	return &Response{
		Status: hresp.StatusCode,
		Header: hresp.Header,
		Body:   data,
	}, nil
}

func encodePayload(req *Request) ([]byte, string, error) {
	switch req.Kind {
	case PayloadForm:
		return []byte(req.Form.Encode()), "application/x-www-form-urlencoded", nil
	case PayloadPlist:
		buf := new(bytes.Buffer)
		if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(req.Payload); err != nil {
			return nil, "", fmt.Errorf("failed to encode plist payload: %w", err)
		}
		return buf.Bytes(), "application/x-apple-plist", nil
	default:
		return nil, "", nil
	}
}

func redact(u *url.URL) string {
	return strings.SplitN(u.String(), "?", 2)[0]
}
