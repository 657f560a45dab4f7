// Package room resolves the human-shareable code that scopes a signaling
// namespace, e.g. "abc-defg-hij".
package room

import (
	"crypto/rand"
	"math/big"
	"net/url"
	"regexp"
	"strings"
)

// Code is a room identifier in the form xxx-xxxx-xxx (lowercase letters).
type Code string

const (
	alphabet  = "abcdefghijklmnopqrstuvwxyz"
	separator = "-"
)

// groups are the letter counts of each dash-separated group.
var groups = []int{3, 4, 3}

var pattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

// Valid reports whether s is a well-formed room code.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// Resolve returns raw (minus a leading '#') when it is a well-formed code,
// otherwise a freshly generated one. When a code is generated and publish is
// non-nil, publish receives it so the caller can make it shareable.
func Resolve(raw string, publish func(Code)) Code {
	ns := strings.TrimPrefix(raw, "#")
	if Valid(ns) {
		return Code(ns)
	}

	code := Generate()
	if publish != nil {
		publish(code)
	}
	return code
}

// Generate draws every letter independently and uniformly from a-z.
func Generate() Code {
	return Code(randomAlphaString(separator, groups...))
}

// FromURL extracts the room code from a pasted share link such as
// "https://host/#abc-defg-hij". Inputs that do not parse as a URL with a
// fragment are returned unchanged, so bare codes pass through.
func FromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Fragment == "" {
		return raw
	}
	return u.Fragment
}

// ShareURL appends the code as the fragment of base.
func ShareURL(base string, code Code) string {
	return strings.TrimSuffix(base, "/") + "/#" + string(code)
}

func (c Code) String() string { return string(c) }

func randomAlphaString(sep string, sizes ...int) string {
	parts := make([]string, 0, len(sizes))
	for _, size := range sizes {
		letters := make([]byte, size)
		for i := range letters {
			n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
			letters[i] = alphabet[n.Int64()]
		}
		parts = append(parts, string(letters))
	}
	return strings.Join(parts, sep)
}
