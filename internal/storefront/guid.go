package storefront

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// NewSeed returns a random MAC-style device seed (12 upper-case hex digits).
func NewSeed() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device seed: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// GUID derives the per-device identifier sent with every storefront call.
func GUID(seed string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(seed))
}
