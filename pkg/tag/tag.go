// Package tag defines the replay tag, the fixed-size opaque identifier a
// relay derives from each unwrapped packet.
package tag

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// DefaultSize is the replay tag size of the sphinx packet format.
const DefaultSize = 32

// MaxSize bounds the configurable tag length.
const MaxSize = 255

var ErrMalformed = errors.New("malformed tag")

// Tag is an immutable byte string. It is comparable and can be used as a
// map key. The zero Tag has length 0 and is never produced by New.
type Tag struct {
	b string
}

// New copies b into a Tag. b must be exactly size bytes.
func New(b []byte, size int) (Tag, error) {
	if len(b) != size || size <= 0 {
		return Tag{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformed, len(b), size)
	}
	return Tag{b: string(b)}, nil
}

// Parse decodes a hex encoded tag of size bytes.
func Parse(s string, size int) (Tag, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Tag{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return New(b, size)
}

// Bytes returns a copy of the tag bytes.
func (t Tag) Bytes() []byte {
	return []byte(t.b)
}

func (t Tag) Len() int {
	return len(t.b)
}

// Key returns the raw tag bytes as a string, suitable for hashing.
func (t Tag) Key() string {
	return t.b
}

func (t Tag) String() string {
	return hex.EncodeToString([]byte(t.b))
}
