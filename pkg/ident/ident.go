// Package ident generates the short identifiers used to key entity records.
//
// IDs are random URL-safe base64 strings. At the default length of 5 the
// space is 64^5 (~1.07e9), which keeps collisions astronomically unlikely at
// the scale of a single project inventory (thousands of entities) while
// staying short enough to embed in calculation directory names.
package ident

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
)

// DefaultLength is the length of identifiers produced by New.
const DefaultLength = 5

// New returns a fresh identifier of DefaultLength.
func New() string {
	return NewN(DefaultLength)
}

// NewN returns a fresh identifier of length n.
//
// The alphabet is URL-safe base64 with padding stripped, so IDs are safe in
// file names, CSV cells, and URLs. n must be positive; NewN panics otherwise
// because a zero-length ID can never satisfy the uniqueness contract.
func NewN(n int) string {
	if n <= 0 {
		panic("ident: length must be positive")
	}

	var b strings.Builder
	for b.Len() < n {
		raw := make([]byte, 64)
		// crypto/rand.Read never fails on supported platforms; a failure here
		// means the OS entropy source is broken and there is nothing to retry.
		if _, err := rand.Read(raw); err != nil {
			panic("ident: entropy source unavailable: " + err.Error())
		}
		enc := base64.RawURLEncoding.EncodeToString(raw)
		// Strip the non-alphanumeric characters so the ID stays plain.
		enc = strings.ReplaceAll(enc, "-", "")
		enc = strings.ReplaceAll(enc, "_", "")
		b.WriteString(enc)
	}
	return b.String()[:n]
}
