// Package auth implements the admin token scheme: the operator mints a
// random token once, stores only its peppered digest in configuration, and
// the status endpoint guard compares digests in constant time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// 256 bits of entropy, ~43 chars after URL-safe base64.
const tokenBytes = 32

// GenerateToken returns a cryptographically random, URL-safe token string.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the hex HMAC-SHA256 digest of token keyed by pepper.
// The pepper keeps a leaked config file from being a usable credential on
// its own.
func HashToken(token, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeHashEquals compares two hex digest strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MintAdminToken generates a fresh token together with the peppered digest
// the server configuration expects.
func MintAdminToken(pepper string) (token, hash string, err error) {
	token, err = GenerateToken()
	if err != nil {
		return "", "", err
	}
	return token, HashToken(token, pepper), nil
}
