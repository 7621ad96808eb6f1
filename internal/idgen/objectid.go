// Package idgen generates the opaque, content-address-shaped ids used for
// objects: a single letter prefix followed by 62 lowercase hex digits
// (248 bits of randomness). Unlike a content-derived digest scheme that
// ties an id to a short human-traceable hash, object ids here carry no
// embedded meaning — they exist only to be globally unique and safe as
// storage-engine identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// objectIDHexDigits is 248 bits rendered as hex (4 bits/digit).
const objectIDHexDigits = 62

// objectIDBytes is the number of random bytes needed to produce
// objectIDHexDigits hex digits (62 is even, so no truncation is needed).
const objectIDBytes = objectIDHexDigits / 2

// NewObjectID returns a fresh object id with the given single-letter
// prefix, e.g. NewObjectID('o') -> "o" + 62 lowercase hex digits.
//
// The prefix distinguishes id namespaces at a glance (e.g. 'o' for
// DIFF fragments minted by the write path's Commit, 's' for snapshots
// minted by CreateSnapshot or by promotion) without embedding any other
// meaning.
func NewObjectID(prefix byte) (string, error) {
	if err := validatePrefix(prefix); err != nil {
		return "", err
	}
	buf := make([]byte, objectIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: reading random bytes: %w", err)
	}
	return string(prefix) + hex.EncodeToString(buf), nil
}

// MustNewObjectID is NewObjectID for call sites that have already
// validated the prefix at startup (e.g. a package-level constant) and
// would rather panic on an exhausted entropy source than propagate an
// error through every call site.
func MustNewObjectID(prefix byte) string {
	id, err := NewObjectID(prefix)
	if err != nil {
		panic(err)
	}
	return id
}

func validatePrefix(prefix byte) error {
	if prefix < 'a' || prefix > 'z' {
		return fmt.Errorf("idgen: prefix must be a lowercase ASCII letter, got %q", prefix)
	}
	return nil
}

// Valid reports whether id has the shape of an object id: one lowercase
// letter followed by exactly 62 lowercase hex digits. It does not check
// whether the id is actually registered anywhere.
func Valid(id string) bool {
	if len(id) != 1+objectIDHexDigits {
		return false
	}
	if id[0] < 'a' || id[0] > 'z' {
		return false
	}
	for i := 1; i < len(id); i++ {
		c := id[i]
		isDigit := c >= '0' && c <= '9'
		isLowerHex := c >= 'a' && c <= 'f'
		if !isDigit && !isLowerHex {
			return false
		}
	}
	return true
}
