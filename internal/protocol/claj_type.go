package protocol

import (
	"errors"
	"strings"
)

// ClajTypeSize is the maximum size of a type tag, in bytes.
const ClajTypeSize = 16

// ErrEmptyType is returned when a type tag would be empty.
var ErrEmptyType = errors.New("protocol: no type specified")

// ClajType identifies the implementation and protocol version of a client.
// Two tags are equal when their raw bytes are equal; the value is comparable
// and can be used directly as a map key.
type ClajType struct {
	raw string
}

// NewClajType builds a tag from s. Surrounding whitespace is ignored and the
// UTF-8 form is cut to ClajTypeSize bytes.
func NewClajType(s string) (ClajType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ClajType{}, ErrEmptyType
	}
	return ClajTypeFromBytes([]byte(s))
}

// ClajTypeFromBytes builds a tag from raw bytes, truncated to ClajTypeSize.
func ClajTypeFromBytes(b []byte) (ClajType, error) {
	if len(b) == 0 {
		return ClajType{}, ErrEmptyType
	}
	if len(b) > ClajTypeSize {
		b = b[:ClajTypeSize]
	}
	return ClajType{raw: string(b)}, nil
}

// MustClajType is like NewClajType but panics on an empty string.
func MustClajType(s string) ClajType {
	t, err := NewClajType(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String decodes the tag as text, for display only.
func (t ClajType) String() string { return strings.ToValidUTF8(t.raw, "�") }

// Bytes returns a copy of the raw tag.
func (t ClajType) Bytes() []byte { return []byte(t.raw) }

func (t ClajType) Size() int    { return len(t.raw) }
func (t ClajType) IsZero() bool { return t.raw == "" }

func (t ClajType) write(w *Writer) {
	w.Byte(byte(len(t.raw)))
	w.Raw([]byte(t.raw))
}

func readClajType(r *Reader) ClajType {
	n := int(r.Byte())
	if r.Err() != nil {
		return ClajType{}
	}
	if n == 0 {
		r.Fail(ErrEmptyType)
		return ClajType{}
	}
	t, err := ClajTypeFromBytes(r.Raw(n))
	if err != nil {
		r.Fail(err)
	}
	return t
}
