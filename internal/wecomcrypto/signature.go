package wecomcrypto

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes msg_signature: SHA-1 over the lexicographically sorted
// concatenation of token, timestamp, nonce and the encrypted payload.
func Sign(token, timestamp, nonce, encrypt string) string {
	parts := []string{token, timestamp, nonce, encrypt}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether signature matches the inputs.
func Verify(token, timestamp, nonce, encrypt, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(token, timestamp, nonce, encrypt)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(signature))) == 1
}
