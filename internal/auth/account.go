// Package auth manages App Store accounts: the sign-in handshake, token
// rotation and the credential vault.
package auth

import (
	"strings"
	"time"

	"github.com/blacktop/ipastore/internal/storefront"
)

// Account is one signed-in App Store identity.
type Account struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	// CountryCode is the catalog region of the account (e.g. US).
	CountryCode string `json:"country_code"`
	StoreFront  string `json:"store_front,omitempty"`
	Pod         string `json:"pod,omitempty"`

	DSID          string `json:"dsid"`
	PasswordToken string `json:"password_token"`

	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AccountID normalizes an email into the key accounts are unique by.
func AccountID(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *Account) ID() string { return AccountID(a.Email) }

func (a *Account) Name() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

func (a *Account) Region() storefront.Region {
	return storefront.Region{
		CountryCode: a.CountryCode,
		StoreFront:  a.StoreFront,
		Pod:         a.Pod,
	}
}

func (a *Account) Identity(guid string) storefront.Identity {
	return storefront.Identity{
		GUID:          guid,
		DSID:          a.DSID,
		PasswordToken: a.PasswordToken,
	}
}

// apply copies the result of a successful handshake onto the account.
func (a *Account) apply(sess *storefront.Session) {
	a.DSID = sess.DSID
	a.PasswordToken = sess.PasswordToken
	if sess.StoreFront != "" {
		a.StoreFront = sess.StoreFront
	}
	if sess.Pod != "" {
		a.Pod = sess.Pod
	}
	if sess.FirstName != "" || sess.LastName != "" {
		a.FirstName = sess.FirstName
		a.LastName = sess.LastName
	}
}
