// Package rendezvous produces the 6-digit codes endpoints use to meet at the relay.
package rendezvous

import (
	"crypto/rand"
	"errors"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

const (
	CodeLength = 6

	minCode = 100000
	maxCode = 999999

	separator = "|"
)

var ErrInvalidCode = errors.New("rendezvous code must be exactly 6 digits")

// Random returns a uniformly sampled code in [100000, 999999].
func Random() string {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		// crypto/rand does not fail on supported platforms
		panic("rendezvous: reading random source: " + err.Error())
	}
	return strconv.FormatInt(n.Int64()+minCode, 10)
}

// Derive returns the code two endpoints compute independently from their
// display names. The result does not depend on argument order.
func Derive(a, b string) string {
	if compareUTF16(a, b) > 0 {
		a, b = b, a
	}

	h := hash32(a + separator + b)

	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}

	code := strconv.FormatInt(abs, 10)
	if len(code) < CodeLength {
		code = strings.Repeat("0", CodeLength-len(code)) + code
	}
	return code[:CodeLength]
}

// hash32 is the multiply-by-31 rolling hash over UTF-16 code units, wrapped
// to a signed 32-bit integer. Browser peers compute the same value.
func hash32(s string) int32 {
	var h int32
	for _, unit := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(unit)
	}
	return h
}

// compareUTF16 orders strings by UTF-16 code units, the way browser peers
// sort names. It differs from byte order once names mix characters above
// U+FFFF with ones in U+E000 to U+FFFF.
func compareUTF16(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

func IsValid(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Normalize trims s and validates it.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !IsValid(s) {
		return "", ErrInvalidCode
	}
	return s, nil
}
