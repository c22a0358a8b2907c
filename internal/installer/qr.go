package installer

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// QRCode renders the deep link as a size x size PNG.
func (s *Session) QRCode(size int) ([]byte, error) {
	code, err := qr.Encode(s.DeepLink(), qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deep link as QR code: %w", err)
	}
	code, err = barcode.Scale(code, size, size)
	if err != nil {
		return nil, fmt.Errorf("failed to scale QR code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return buf.Bytes(), nil
}
