package keyregistry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Fingerprint returns the hex-encoded SHA-256 of key. It is stored next to the
// key and checked on every read so a damaged artifact is never served.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

func matches(key []byte, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Fingerprint(key)), []byte(digest)) == 1
}
