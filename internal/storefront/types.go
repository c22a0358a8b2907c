package storefront

import (
	"fmt"
	"strconv"
)

// DeviceClass is the catalog entity type a query is restricted to.
type DeviceClass string

const (
	DeviceIPhone DeviceClass = "iPhone"
	DeviceIPad   DeviceClass = "iPad"
)

func (d DeviceClass) entity() string {
	switch d {
	case DeviceIPad:
		return "iPadSoftware"
	case DeviceIPhone:
		return "software"
	default:
		return "software,iPadSoftware"
	}
}

// Archive is a catalog entry as returned by lookup and search.
type Archive struct {
	ID               int64    `json:"trackId,omitempty"`
	BundleID         string   `json:"bundleId,omitempty"`
	Name             string   `json:"trackName,omitempty"`
	Version          string   `json:"version,omitempty"`
	ByteSize         string   `json:"fileSizeBytes,omitempty"`
	Price            float64  `json:"price,omitempty"`
	FormattedPrice   string   `json:"formattedPrice,omitempty"`
	SellerName       string   `json:"sellerName,omitempty"`
	ReleaseDate      string   `json:"currentVersionReleaseDate,omitempty"`
	ArtworkURL60     string   `json:"artworkUrl60,omitempty"`
	ArtworkURL512    string   `json:"artworkUrl512,omitempty"`
	SupportedDevices []string `json:"supportedDevices,omitempty"`
	MinimumOSVersion string   `json:"minimumOsVersion,omitempty"`
}

// Size returns the package size in bytes, or 0 if unknown.
func (a Archive) Size() uint64 {
	n, _ := strconv.ParseUint(a.ByteSize, 10, 64)
	return n
}

func (a Archive) String() string {
	return fmt.Sprintf("%s (%s) v%s", a.Name, a.BundleID, a.Version)
}

type queryResults struct {
	ResultCount int       `json:"resultCount"`
	Results     []Archive `json:"results"`
}

// Signature is one sinf blob from a license grant.
type Signature struct {
	ID   int64  `plist:"id,omitempty" json:"id"`
	Data []byte `plist:"sinf,omitempty" json:"sinf"`
}

// Item is the resolved download information for a licensed catalog entry.
type Item struct {
	ID               int64          `plist:"songId,omitempty"`
	URL              string         `plist:"URL,omitempty"`
	ArtworkURL       string         `plist:"artworkURL,omitempty"`
	MD5              string         `plist:"md5,omitempty"`
	UncompressedSize string         `plist:"uncompressedSize,omitempty"`
	Signatures       []Signature    `plist:"sinfs,omitempty"`
	Metadata         map[string]any `plist:"metadata,omitempty"`
}

// Identity is the authenticated state sent with buy and download calls.
type Identity struct {
	GUID          string
	DSID          string
	PasswordToken string
}

// Session is the successful result of authenticate.
type Session struct {
	DSID          string
	PasswordToken string
	AppleID       string
	FirstName     string
	LastName      string
	// StoreFront is the storefront the account belongs to.
	StoreFront string
	// Pod is the buy host pod assigned to the account.
	Pod string
}
