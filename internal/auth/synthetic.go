package auth

import (
	"crypto/rand"
	"fmt"
)

// SyntheticKeyPrefix marks keys minted by the proxy. Callers hold these
// instead of real upstream keys.
const SyntheticKeyPrefix = "sk-proxy-"

const syntheticKeyLength = 48

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSyntheticKey mints a new synthetic credential key. The random
// part comes from crypto/rand; modulo bias over a 62-char alphabet is
// negligible for this purpose.
func GenerateSyntheticKey() (string, error) {
	buf := make([]byte, syntheticKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate synthetic key: %w", err)
	}

	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}

	return SyntheticKeyPrefix + string(buf), nil
}
