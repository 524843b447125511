// Package auth provides node credential generation, hashing, and comparison
// utilities used by both the server and CLI admin commands.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
)

// ErrMalformedCredential is returned by [ParseCredential].
var ErrMalformedCredential = errors.New("malformed credential")

// GenerateSecret returns a cryptographically random, URL-safe secret string.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GeneratePepper returns a random hex pepper for credential hashing.
func GeneratePepper() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashSecret returns a deterministic SHA-256 hex digest of secret + pepper.
func HashSecret(secret, pepper string) string {
	sum := sha256.Sum256([]byte(secret + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ConstantTimeEquals compares two secrets of any length. Both sides are
// hashed first so timing does not depend on where they differ or on their
// lengths.
func ConstantTimeEquals(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// FormatCredential joins a node id and secret into a bearer credential.
func FormatCredential(nodeID int64, secret string) string {
	return strconv.FormatInt(nodeID, 10) + "." + secret
}

// ParseCredential splits a "<node_id>.<secret>" bearer credential.
func ParseCredential(cred string) (int64, string, error) {
	idPart, secret, ok := strings.Cut(strings.TrimSpace(cred), ".")
	if !ok || secret == "" {
		return 0, "", ErrMalformedCredential
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", ErrMalformedCredential
	}
	return id, secret, nil
}
