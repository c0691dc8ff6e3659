package utils

import (
	"crypto/sha1"
	"encoding/hex"
)

// ContentHash digests a parameter/property payload. Cached generated scene
// content is considered stale when the hash of its inputs changes.
func ContentHash(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// ContentHashString is ContentHash for string payloads.
func ContentHashString(payload string) string {
	return ContentHash([]byte(payload))
}
