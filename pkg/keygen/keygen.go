// Package keygen generates and parses hex-encoded AES keys for the
// bootloader build and firmware encryption flow.
package keygen

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// DefaultBits is the key size the bootloader uses (AES-128-CBC).
const DefaultBits = 128

var debugPrefix = []byte{0xde, 0xad, 0xbe, 0xef}

// Generate returns a new random key of the given size in bits (128, 192 or
// 256) as a lower-case hex string. Keys the bootloader assigns special
// meaning to are never returned: an all-zero key marks the device as
// unprovisioned, and a key starting with deadbeef leaves the chip unlocked
// and debuggable.
func Generate(bits int) (string, error) {
	switch bits {
	case 128, 192, 256:
	default:
		return "", fmt.Errorf("unsupported key size %d: want 128, 192 or 256", bits)
	}

	buf := make([]byte, bits/8)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		if Reserved(buf) {
			continue
		}
		return hex.EncodeToString(buf), nil
	}
}

// MustGenerate is like Generate but panics on error. Intended for tests and
// examples where the platform random source is assumed to work.
func MustGenerate(bits int) string {
	key, err := Generate(bits)
	if err != nil {
		panic(err)
	}
	return key
}

// Reserved reports whether the raw key has a meaning of its own to the
// bootloader and must not be used as a production key.
func Reserved(key []byte) bool {
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	return allZero || bytes.HasPrefix(key, debugPrefix)
}

// Decode parses a hex key string into raw bytes and checks it has a valid
// AES key length.
func Decode(keyHex string) ([]byte, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("key is %d bytes: want 16, 24 or 32", len(key))
	}
	return key, nil
}
