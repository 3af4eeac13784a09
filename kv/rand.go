package kv

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// RandHex returns byteLen cryptographically random bytes, hex-encoded.
// The resulting string is twice byteLen characters long.
func RandHex(byteLen int) (string, error) {
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
