package call

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// newMediaToken mints the single-use secret that authorizes one media-stream
// upgrade. 32 random bytes, URL-safe so it can ride in a query string.
func newMediaToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate media token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
