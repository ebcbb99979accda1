package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// generateOpaqueToken creates a random opaque bearer token with the given
// prefix, its SHA-256 hash for storage, and a short display prefix.
func generateOpaqueToken(prefix string) (raw, hash, displayPrefix string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = fmt.Sprintf("%s_%x", prefix, b)
	h := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(h[:])
	displayPrefix = raw[:len(prefix)+7]
	return
}

// hashToken returns the SHA-256 hash of a raw bearer token, for lookup
// against stored hashes.
func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
