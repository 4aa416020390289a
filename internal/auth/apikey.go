// Package auth guards the local HTTP server with static API keys. Keys
// are held as SHA-256 hashes and compared in constant time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix marks local API keys so they are not confused with
	// the orders API bearer token.
	APIKeyPrefix = "os_"

	apiKeyRandomBytes = 24

	// APIKeyMinLen is the prefix plus at least 32 hex characters.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Keys is a set of accepted API keys. The zero value and nil accept
// nothing and are treated by Middleware as "auth disabled".
type Keys struct {
	hashes [][sha256.Size]byte
}

// NewKeys validates and stores keys. Empty entries are skipped.
func NewKeys(keys []string) (*Keys, error) {
	k := &Keys{}

	for i, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}

		if err := checkFormat(key); err != nil {
			return nil, fmt.Errorf("API key %d: %w", i+1, err)
		}

		k.hashes = append(k.hashes, sha256.Sum256([]byte(key)))
	}

	return k, nil
}

func checkFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// Enabled reports whether any key is configured.
func (k *Keys) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

// Valid reports whether token is one of the keys.
func (k *Keys) Valid(token string) bool {
	if !k.Enabled() {
		return false
	}

	h := sha256.Sum256([]byte(token))
	ok := 0

	for _, want := range k.hashes {
		ok |= subtle.ConstantTimeCompare(h[:], want[:])
	}

	return ok == 1
}

// GenerateKey returns a fresh random API key.
func GenerateKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
