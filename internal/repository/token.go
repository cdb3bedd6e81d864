package repository

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// GenerateRegistrationSecret mints a new node registration secret:
// 32 random bytes, base64url-encoded.
func GenerateRegistrationSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate registration secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a secret. Only this
// digest is ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MatchesToken verifies a presented secret against a stored hash. The
// comparison runs over the raw digests in constant time, so timing does not
// leak the position of the first differing byte.
func MatchesToken(tokenHash, token string) bool {
	stored, err := hex.DecodeString(tokenHash)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	presented := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(stored, presented[:]) == 1
}
