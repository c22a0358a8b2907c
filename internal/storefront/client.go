// Package storefront implements the App Store protocol: authentication, license
// acquisition, download resolution and catalog queries.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/apex/log"
)

// CREDIT - https://github.com/majd/ipatool

const maxRedirects = 3

type Client struct {
	codec     *Codec
	endpoints Endpoints
}

func NewClient(codec *Codec, endpoints Endpoints) *Client {
	if endpoints.Buy == "" {
		endpoints.Buy = DefaultEndpoints.Buy
	}
	if endpoints.Catalog == "" {
		endpoints.Catalog = DefaultEndpoints.Catalog
	}
	return &Client{codec: codec, endpoints: endpoints}
}

// Codec returns the codec the client sends requests through.
func (c *Client) Codec() *Codec { return c.codec }

// Credentials are submitted to authenticate. Code is the optional second factor.
type Credentials struct {
	Email    string
	Password string
	Code     string
}

type loginRequest struct {
	AppleID       string `plist:"appleId,omitempty"`
	Attempt       string `plist:"attempt,omitempty"`
	CreateSession string `plist:"createSession,omitempty"`
	GuID          string `plist:"guid,omitempty"`
	Password      string `plist:"password,omitempty"`
	Rmp           string `plist:"rmp,omitempty"`
	Why           string `plist:"why,omitempty"`
}

type loginResponse struct {
	FailureType     string `plist:"failureType,omitempty"`
	CustomerMessage string `plist:"customerMessage,omitempty"`
	AccountInfo     struct {
		AppleID string `plist:"appleId,omitempty"`
		Address struct {
			FirstName string `plist:"firstName,omitempty"`
			LastName  string `plist:"lastName,omitempty"`
		} `plist:"address,omitempty"`
	} `plist:"accountInfo,omitempty"`
	PasswordToken string `plist:"passwordToken,omitempty"`
	DsPersonID    string `plist:"dsPersonId,omitempty"`
	Status        int    `plist:"status,omitempty"`
}

type purchaseRequest struct {
	AppExtVrsID               string `plist:"appExtVrsId,omitempty"`
	HasAskedToFulfillPreorder string `plist:"hasAskedToFulfillPreorder,omitempty"`
	BuyWithoutAuthorization   string `plist:"buyWithoutAuthorization,omitempty"`
	HasDoneAgeCheck           string `plist:"hasDoneAgeCheck,omitempty"`
	GuID                      string `plist:"guid,omitempty"`
	NeedDiv                   string `plist:"needDiv,omitempty"`
	OrigPage                  string `plist:"origPage,omitempty"`
	OrigPageLocation          string `plist:"origPageLocation,omitempty"`
	Price                     string `plist:"price,omitempty"`
	PricingParameters         string `plist:"pricingParameters,omitempty"`
	ProductType               string `plist:"productType,omitempty"`
	SalableAdamID             int64  `plist:"salableAdamId,omitempty"`
}

type purchaseResponse struct {
	FailureType     string `plist:"failureType,omitempty"`
	CustomerMessage string `plist:"customerMessage,omitempty"`
	JingleDocType   string `plist:"jingleDocType,omitempty"`
	Status          int    `plist:"status,omitempty"`
}

type downloadRequest struct {
	CreditDisplay     string `plist:"creditDisplay,omitempty"`
	GuID              string `plist:"guid,omitempty"`
	SalableAdamID     int64  `plist:"salableAdamId,omitempty"`
	ExternalVersionID string `plist:"externalVersionId,omitempty"`
}

type downloadResponse struct {
	FailureType     string `plist:"failureType,omitempty"`
	CustomerMessage string `plist:"customerMessage,omitempty"`
	Items           []Item `plist:"songList,omitempty"`
}

// Authenticate signs in with the given credentials. A storefront demand for a
// second factor comes back as ErrSecondFactorRequired; the caller decides
// whether to submit again with a code.
func (c *Client) Authenticate(ctx context.Context, guid string, creds Credentials, region Region) (*Session, error) {
	target := c.endpoints.authenticateURL(region.Pod)

	req := &Request{
		Method: http.MethodPost,
		Query:  url.Values{"guid": {guid}},
		// the storefront expects a plist body under a form content type
		Header: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Kind:   PayloadPlist,
		Payload: &loginRequest{
			AppleID:       creds.Email,
			Attempt:       "4",
			CreateSession: "true",
			GuID:          guid,
			Password:      creds.Password + creds.Code,
			Rmp:           "0",
			Why:           "signIn",
		},
		Expect: FormatPlist,
	}

	for hop := 0; ; hop++ {
		req.URL = target
		resp, err := c.codec.Do(ctx, req)
		if resp != nil && isRedirect(resp.Status) {
			loc := resp.Header.Get("Location")
			if loc == "" || hop >= maxRedirects {
				return nil, &ProtocolError{Status: resp.Status, Code: resp.Status, Message: "too many redirects", Err: ErrGeneric}
			}
			log.WithField("location", loc).Debug("authenticate redirected")
			target = loc
			continue
		}
		if err != nil {
			return nil, err
		}

		var login loginResponse
		if err := resp.DecodePlist(&login); err != nil {
			return nil, err
		}
		if login.DsPersonID == "" || login.PasswordToken == "" {
			return nil, &ProtocolError{Status: resp.Status, Code: resp.Status, Message: "response is missing account credentials", Err: ErrGeneric}
		}

		sess := &Session{
			DSID:          login.DsPersonID,
			PasswordToken: login.PasswordToken,
			AppleID:       login.AccountInfo.AppleID,
			FirstName:     login.AccountInfo.Address.FirstName,
			LastName:      login.AccountInfo.Address.LastName,
			StoreFront:    resp.Header.Get("x-set-apple-store-front"),
			Pod:           resp.Header.Get("pod"),
		}
		if sess.Pod == "" {
			sess.Pod = region.Pod
		}
		return sess, nil
	}
}

// Purchase acquires a license for a free catalog entry.
func (c *Client) Purchase(ctx context.Context, id Identity, app Archive, region Region) error {
	if app.Price > 0 {
		return ErrPaidApp
	}

	req := &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.purchaseURL(region.Pod),
		Query:  url.Values{"guid": {id.GUID}},
		Header: c.authHeaders(id),
		Kind:   PayloadPlist,
		Payload: &purchaseRequest{
			AppExtVrsID:               "0",
			HasAskedToFulfillPreorder: "true",
			BuyWithoutAuthorization:   "true",
			HasDoneAgeCheck:           "true",
			GuID:                      id.GUID,
			NeedDiv:                   "0",
			OrigPage:                  fmt.Sprintf("Software-%d", app.ID),
			OrigPageLocation:          "Buy",
			Price:                     "0",
			PricingParameters:         "STDQ",
			ProductType:               "C",
			SalableAdamID:             app.ID,
		},
		Expect: FormatPlist,
	}
	if sf := region.StoreFrontHeader(); sf != "" {
		req.Header.Set("X-Apple-Store-Front", sf)
	}

	resp, err := c.codec.Do(ctx, req)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) && perr.Status == http.StatusInternalServerError && errors.Is(perr, ErrGeneric) {
			return ErrAlreadyLicensed
		}
		return err
	}

	var purc purchaseResponse
	if err := resp.DecodePlist(&purc); err != nil {
		return err
	}
	if purc.JingleDocType != "purchaseSuccess" || purc.Status != 0 {
		return &ProtocolError{
			Status:  resp.Status,
			Code:    purc.Status,
			Message: fmt.Sprintf("failed to purchase app %s", app.Name),
			Err:     ErrGeneric,
		}
	}

	return nil
}

// DownloadInfo resolves the signed source URL, checksum and signatures of a
// licensed catalog entry. An empty externalVersionID selects the latest version.
func (c *Client) DownloadInfo(ctx context.Context, id Identity, app Archive, externalVersionID string, region Region) (*Item, error) {
	req := &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.downloadURL(region.Pod),
		Query:  url.Values{"guid": {id.GUID}},
		Header: c.authHeaders(id),
		Kind:   PayloadPlist,
		Payload: &downloadRequest{
			GuID:              id.GUID,
			SalableAdamID:     app.ID,
			ExternalVersionID: externalVersionID,
		},
		Expect: FormatPlist,
	}

	resp, err := c.codec.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	var dl downloadResponse
	if err := resp.DecodePlist(&dl); err != nil {
		return nil, err
	}
	if len(dl.Items) == 0 {
		return nil, &ProtocolError{Status: resp.Status, Code: resp.Status, Message: "no items found in download response", Err: ErrGeneric}
	}

	return &dl.Items[0], nil
}

func (c *Client) authHeaders(id Identity) http.Header {
	h := http.Header{}
	h.Set("iCloud-DSID", id.DSID)
	h.Set("X-Dsid", id.DSID)
	if id.PasswordToken != "" {
		h.Set("X-Token", id.PasswordToken)
	}
	return h
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// ExternalVersionID reads the external version identifier from item metadata.
func (i *Item) ExternalVersionID() string {
	return versionID(i.Metadata["softwareVersionExternalIdentifier"])
}

// ExternalVersionIDs lists every version identifier the storefront still
// serves for the item, in the order it sends them (oldest first).
func (i *Item) ExternalVersionIDs() []string {
	list, ok := i.Metadata["softwareVersionExternalIdentifiers"].([]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if id := versionID(v); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func versionID(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}
