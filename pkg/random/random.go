package random

import (
	"crypto/rand"
	"math/big"
)

const (
	alphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerNumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// String returns n characters drawn uniformly from [a-zA-Z0-9].
func String(n int) string {
	return fromAlphabet(n, alphaNumeric)
}

// Label returns n characters that are safe inside a DNS label.
func Label(n int) string {
	return fromAlphabet(n, lowerNumeric)
}

func fromAlphabet(n int, alphabet string) string {
	buf := make([]byte, n)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf)
}
