package id

import (
	"github.com/google/uuid"
)

// Nonce8 returns an 8-hex-character nonce suitable for message
// fingerprints (<from>::<to>::<nonce8hex>) and key ids.
func Nonce8() string {
	return uuid.New().String()[:8]
}

// Secret returns an opaque, URL-safe API key secret.
func Secret() string {
	return Generate()
}
