// Package escape formats hex-encoded AES keys for embedding into the
// bootloader build command.
package escape

import (
	"fmt"
	"strings"
)

// The fragment is consumed by a shell before the preprocessor sees it, so
// both the quotes and the \x escapes carry one extra level of backslashes.
const (
	prefix = `AES_KEY=\"`
	suffix = `\" make`
	token  = `\\x`
)

// Key returns the make command fragment that passes key to the bootloader
// build as an AES_KEY macro definition. The key is consumed in 2-character
// chunks; when the input has odd length the final chunk is the single
// trailing character. No validation is performed, any string input yields a
// fragment (the empty string yields the degenerate AES_KEY=\"\" make).
func Key(key string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i < len(key); i += 2 {
		end := i + 2
		if end > len(key) {
			end = len(key)
		}
		b.WriteString(token)
		b.WriteString(key[i:end])
	}
	b.WriteString(suffix)
	return b.String()
}

// ValidateKey reports whether key is a well-formed hex key: even length,
// hexadecimal digits only. Key itself accepts anything; callers that want the
// stricter contract run this first.
func ValidateKey(key string) error {
	if len(key)%2 != 0 {
		return fmt.Errorf("key has odd length %d: want full hex byte pairs", len(key))
	}
	for i := 0; i < len(key); i++ {
		if !isHexDigit(key[i]) {
			return fmt.Errorf("key has invalid hex character %q at index %d", key[i], i)
		}
	}
	return nil
}

// Unescape parses a fragment produced by Key back into the flat key string.
func Unescape(fragment string) (string, error) {
	body, ok := strings.CutPrefix(fragment, prefix)
	if !ok {
		return "", fmt.Errorf("fragment does not start with %s", prefix)
	}
	body, ok = strings.CutSuffix(body, suffix)
	if !ok {
		return "", fmt.Errorf("fragment does not end with %s", suffix)
	}
	if body == "" {
		return "", nil
	}
	rest, ok := strings.CutPrefix(body, token)
	if !ok {
		return "", fmt.Errorf("fragment body does not start with a %s token", token)
	}
	chunks := strings.Split(rest, token)
	var b strings.Builder
	for i, chunk := range chunks {
		// Only the last chunk may be a lone character (odd-length key).
		if len(chunk) != 2 && !(i == len(chunks)-1 && len(chunk) == 1) {
			return "", fmt.Errorf("fragment token %d has %d characters: want 2", i, len(chunk))
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

func isHexDigit(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}
