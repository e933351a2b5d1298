package domain

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// accessCodeAlphabet leaves out 0/O, 1/I/L and other look-alikes.
const accessCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// DefaultAccessCodeLength is used when no length is configured.
const DefaultAccessCodeLength = 6

// NewAccessCode returns a random access code of the given length.
func NewAccessCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultAccessCodeLength
	}
	max := big.NewInt(int64(len(accessCodeAlphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(accessCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeAccessCode upper-cases and trims a user-typed code.
func NormalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
