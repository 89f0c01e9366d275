// Package digest computes cheap, deterministic, non-cryptographic digests of
// entity values and argument objects. Digests are equality oracles only and
// must never be used for identity or security.
package digest

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// Canonical returns the canonical text form of v: JSON with object keys in
// sorted order and no insignificant whitespace.
func Canonical(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return b, nil
}

// HashEntityState returns the digest of an entity's current value as 16
// lowercase hex characters.
func HashEntityState(data any) (string, error) {
	b, err := Canonical(data)
	if err != nil {
		return "", err
	}
	return format(xxhash.Sum64(b)), nil
}

// InputHash returns the digest of an argument object, or "" when input is
// empty so that unparameterized endpoints carry no suffix.
func InputHash(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	b, err := Canonical(input)
	if err != nil {
		// Arguments that cannot be encoded still need a stable key.
		return format(xxhash.Sum64String(fmt.Sprintf("%v", input)))
	}
	return format(xxhash.Sum64(b))
}

func format(sum uint64) string {
	s := strconv.FormatUint(sum, 16)
	for len(s) < 16 {
		s = "0" + s
	}
	return s
}
