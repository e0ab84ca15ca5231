package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-hex-char id, optionally tagged with a type
// prefix ("chat", "msg", "att", "jti", "rft"). An empty prefix yields the
// bare hex form used as the account hash.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
