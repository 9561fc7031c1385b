// Package apikey generates box API keys and derives the one-way hashes stored
// in place of the secret.
//
// A key looks like "bx_<prefix>_<secret>". The prefix is public and is used to
// find the stored record; the full key is hashed with BLAKE2b-256 and compared in
// constant time.
package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	keyScheme    = "bx"
	prefixBytes  = 4  // 8 hex chars
	secretBytes  = 32 // 64 hex chars
	hashHexChars = blake2b.Size256 * 2
)

// ErrMalformedKey is returned when a presented key does not follow the bx_<prefix>_<secret> layout.
var ErrMalformedKey = errors.New("malformed api key")

// Generated holds a freshly minted key. Only Hash and Prefix may be persisted.
type Generated struct {
	Secret string // full key handed to the box operator once
	Prefix string // lookup / display
	Hash   string // hex BLAKE2b-256 of Secret
}

// Generate returns a new high-entropy key with its prefix and hash.
func Generate() (Generated, error) {
	prefix := make([]byte, prefixBytes)
	if _, err := rand.Read(prefix); err != nil {
		return Generated{}, fmt.Errorf("failed to read random prefix: %w", err)
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return Generated{}, fmt.Errorf("failed to read random secret: %w", err)
	}

	p := hex.EncodeToString(prefix)
	full := fmt.Sprintf("%s_%s_%s", keyScheme, p, hex.EncodeToString(secret))
	return Generated{Secret: full, Prefix: p, Hash: Hash(full)}, nil
}

// Hash is the deterministic one-way hash of a key.
func Hash(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Prefix extracts the lookup prefix from a presented key.
func Prefix(secret string) (string, error) {
	parts := strings.Split(secret, "_")
	if len(parts) != 3 || parts[0] != keyScheme {
		return "", ErrMalformedKey
	}
	if len(parts[1]) != prefixBytes*2 || len(parts[2]) != secretBytes*2 {
		return "", ErrMalformedKey
	}
	if _, err := hex.DecodeString(parts[1] + parts[2]); err != nil {
		return "", ErrMalformedKey
	}
	return parts[1], nil
}

// Verify hashes secret and compares it to storedHash in constant time.
func Verify(secret, storedHash string) bool {
	if len(storedHash) != hashHexChars {
		return false
	}
	computed := Hash(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}
