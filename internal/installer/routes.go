package installer

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"image/color"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/blacktop/go-plist"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
)

const (
	smallIconPath = "/app57x57.png"
	largeIconPath = "/app512x512.png"
	smallIconSize = 57
	largeIconSize = 512
)

type manifestDoc struct {
	Items []manifestItem `plist:"items"`
}

type manifestItem struct {
	Assets   []manifestAsset  `plist:"assets"`
	Metadata manifestMetadata `plist:"metadata"`
}

type manifestAsset struct {
	Kind string `plist:"kind"`
	URL  string `plist:"url"`
}

type manifestMetadata struct {
	BundleIdentifier string `plist:"bundle-identifier"`
	BundleVersion    string `plist:"bundle-version"`
	Kind             string `plist:"kind"`
	Title            string `plist:"title"`
}

func (s *Session) path(ext string) string {
	return "/" + s.ID + ext
}

func (s *Session) endpoint(path string) string {
	u := url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(s.conf.Hostname, strconv.Itoa(s.Port())),
		Path:   path,
	}
	return u.String()
}

func (s *Session) IndexURL() string    { return s.endpoint("/") }
func (s *Session) ManifestURL() string { return s.endpoint(s.path(".plist")) }
func (s *Session) PayloadURL() string  { return s.endpoint(s.path(".ipa")) }

// DeepLink is the itms-services URL that makes the device fetch the manifest.
func (s *Session) DeepLink() string {
	q := url.Values{}
	q.Set("action", "download-manifest")
	q.Set("url", s.ManifestURL())
	return "itms-services://?" + q.Encode()
}

// Manifest renders the install manifest as an XML property list.
func (s *Session) Manifest() ([]byte, error) {
	doc := manifestDoc{
		Items: []manifestItem{{
			Assets: []manifestAsset{
				{Kind: "software-package", URL: s.PayloadURL()},
				{Kind: "display-image", URL: s.endpoint(smallIconPath)},
				{Kind: "full-size-image", URL: s.endpoint(largeIconPath)},
			},
			Metadata: manifestMetadata{
				BundleIdentifier: s.Archive.BundleID,
				BundleVersion:    s.Archive.Version,
				Kind:             "software",
				Title:            s.Archive.Name,
			},
		}},
	}
	buf := new(bytes.Buffer)
	if err := plist.NewEncoderForFormat(buf, plist.XMLFormat).Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode install manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func placeholderIcons() (map[int][]byte, error) {
	icons := make(map[int][]byte)
	for _, size := range []int{smallIconSize, largeIconSize} {
		buf := new(bytes.Buffer)
		if err := imaging.Encode(buf, imaging.New(size, size, color.White), imaging.PNG); err != nil {
			return nil, fmt.Errorf("failed to encode %dpx icon: %w", size, err)
		}
		icons[size] = buf.Bytes()
	}
	return icons, nil
}

func (s *Session) index(c *gin.Context) {
	page := fmt.Sprintf(`<html> <head> <meta http-equiv="refresh" content="0;url=%s"> </head> </html>`, html.EscapeString(s.DeepLink()))
	c.Data(http.StatusOK, "text/html", []byte(page))
}

func (s *Session) manifest(c *gin.Context) {
	data, err := s.Manifest()
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	s.setStatus(Status{Phase: PhaseManifestSent})
	c.Data(http.StatusOK, "text/xml", data)
}

func (s *Session) icon(size int) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.setStatus(Status{Phase: PhaseManifestSent})
		c.Data(http.StatusOK, "image/png", s.icons[size])
	}
}

// streamPayload copies the package from disk. The copy stops as soon as the
// request or the session is cancelled.
func (s *Session) streamPayload(c *gin.Context) {
	f, err := os.Open(s.payload)
	if err != nil {
		s.setStatus(Status{Phase: PhaseCompleted, Err: err})
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		s.setStatus(Status{Phase: PhaseCompleted, Err: err})
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	s.streams.Add(1)
	defer s.streams.Add(-1)
	s.setStatus(Status{Phase: PhasePayloadSent})

	c.Header("Content-Type", "application/octet-stream")
	c.Header("Content-Length", strconv.FormatInt(fi.Size(), 10))
	c.Status(http.StatusOK)

	n, err := io.Copy(c.Writer, &ctxReader{ctx: c.Request.Context(), r: f})
	if err == nil && n != fi.Size() {
		err = io.ErrShortWrite
	}
	s.setStatus(Status{Phase: PhaseCompleted, Err: err})
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
