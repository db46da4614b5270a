// Package key holds the identifier of a build cache entry.
package key

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// MinLength is the shortest accepted key in bytes.
	MinLength = 2
	// MaxLength is the longest accepted key in bytes.
	MaxLength = 64
	// DefaultLength is the length of keys produced by Sum.
	DefaultLength = 32
)

var ErrInvalidKey = errors.New("invalid cache key")

// Key is an opaque, immutable cache entry identifier. Two keys are equal
// iff their bytes are equal. The zero value is not a valid key.
type Key struct {
	// raw bytes kept in a string so Key is comparable and usable as a map key
	raw string
}

// FromBytes copies b into a new Key.
func FromBytes(b []byte) (Key, error) {
	if len(b) < MinLength || len(b) > MaxLength {
		return Key{}, fmt.Errorf("%w: length %d not in [%d, %d]", ErrInvalidKey, len(b), MinLength, MaxLength)
	}

	return Key{raw: string(b)}, nil
}

// Parse decodes a lowercase or uppercase hex key.
func Parse(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidKey, err)
	}

	return FromBytes(b)
}

// MustParse is Parse for constants, it panics on invalid input.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return k
}

// Sum derives a DefaultLength key from the BLAKE3 hash of the given parts.
// Parts are length-prefixed so ("ab", "c") and ("a", "bc") differ.
func Sum(parts ...[]byte) Key {
	h := blake3.New()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(p)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(p)
	}

	return Key{raw: string(h.Sum(nil)[:DefaultLength])}
}

func (k Key) Bytes() []byte {
	return []byte(k.raw)
}

// String returns the lowercase hex form, used as file name and URL path segment.
func (k Key) String() string {
	return hex.EncodeToString([]byte(k.raw))
}

func (k Key) IsZero() bool {
	return k.raw == ""
}

func (k Key) Equal(other Key) bool {
	return k.raw == other.raw
}

func (k Key) Compare(other Key) int {
	return bytes.Compare([]byte(k.raw), []byte(other.raw))
}
