package storefront

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	failureTypeInvalidCredentials     = "-5000"
	failureTypeUnknownError           = "5002"
	failureTypePasswordTokenExpired   = "2034"
	failureTypePasswordChanged        = "2042"
	failureTypeLicenseNotFound        = "9610"
	failureTypeTemporarilyUnavailable = "2059"

	customerMessageBadLogin = "MZFinance.BadLogin.Configurator_message"
)

var (
	ErrLicenseNotFound        = errors.New("license not found")
	ErrTokenExpired           = errors.New("password token expired")
	ErrTemporarilyUnavailable = errors.New("item temporarily unavailable")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrSecondFactorRequired   = errors.New("second factor code required")
	ErrGeneric                = errors.New("storefront request failed")

	// ErrAlreadyLicensed is returned by Purchase when the account already owns the item.
	ErrAlreadyLicensed = errors.New("account already has a license for this app")
	// ErrPaidApp is returned by Purchase for items with a non-zero price.
	ErrPaidApp   = errors.New("paid apps cannot be purchased")
	ErrNoResults = errors.New("no results found")
)

// ProtocolError is a well-formed response that reports failure, either through a
// non-200 status or a failure envelope inside a 200.
type ProtocolError struct {
	// Status is the HTTP status code of the response.
	Status int
	// Code is the numeric storefront failure type, or the HTTP status when the
	// body carried none.
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%v (code %d", e.Err, e.Code)
	if e.Status != 0 && e.Status != e.Code {
		msg += fmt.Sprintf(", status %d", e.Status)
	}
	msg += ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a failure to complete the HTTP exchange at all.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err was caused by the network rather than by the
// storefront.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// classify maps a storefront failure type and customer message to a category.
func classify(failureType, customerMessage string) error {
	switch failureType {
	case failureTypeLicenseNotFound:
		return ErrLicenseNotFound
	case failureTypePasswordTokenExpired, failureTypePasswordChanged:
		return ErrTokenExpired
	case failureTypeTemporarilyUnavailable:
		return ErrTemporarilyUnavailable
	case failureTypeInvalidCredentials:
		return ErrInvalidCredentials
	case failureTypeUnknownError:
		return ErrGeneric
	case "":
		if customerMessage == customerMessageBadLogin {
			return ErrSecondFactorRequired
		}
	}
	return ErrGeneric
}

// envelope is the subset of fields every storefront plist response may carry.
type envelope struct {
	FailureType     string `plist:"failureType,omitempty"`
	CustomerMessage string `plist:"customerMessage,omitempty"`
}

func (e envelope) failed() bool {
	return e.FailureType != "" || e.CustomerMessage == customerMessageBadLogin
}

func (e envelope) err(status int) *ProtocolError {
	code, convErr := strconv.Atoi(e.FailureType)
	if convErr != nil {
		code = status
	}
	return &ProtocolError{
		Status:  status,
		Code:    code,
		Message: e.CustomerMessage,
		Err:     classify(e.FailureType, e.CustomerMessage),
	}
}
