// Package digest computes the content digests stored in place of record values.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Size is the width of an encoded digest in bytes.
const Size = sha256.Size * 2

// ErrInvalidLength is returned by Parse for input that is not Size bytes long.
var ErrInvalidLength = errors.New("invalid digest length")

// Value is a lowercase hex-encoded SHA-256. It is comparable and fixed width.
type Value [Size]byte

// Func computes the digest for one record. Implementations must be pure.
type Func func(key, value []byte) (Value, error)

// SHA256 hashes key followed by value.
func SHA256(key, value []byte) (Value, error) {
	h := sha256.New()
	h.Write(key)
	h.Write(value)

	var sum [sha256.Size]byte
	h.Sum(sum[:0])

	var v Value
	hex.Encode(v[:], sum[:])
	return v, nil
}

// Parse converts stored bytes back into a Value.
func Parse(b []byte) (Value, error) {
	var v Value
	if len(b) != Size {
		return v, ErrInvalidLength
	}
	copy(v[:], b)
	return v, nil
}

// Bytes returns a copy of the encoded digest, ready to store.
func (v Value) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, v[:])
	return out
}

func (v Value) String() string {
	return string(v[:])
}

// IsZero reports whether v was never set.
func (v Value) IsZero() bool {
	return v == Value{}
}
