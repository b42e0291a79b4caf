package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is reported when a frame ends before all declared fields
// could be read.
var ErrShortBuffer = errors.New("protocol: short buffer")

// MaxBlobSize is the largest byte blob (and string) that fits a 16-bit
// length prefix.
const MaxBlobSize = math.MaxUint16

// Writer appends big-endian encoded fields to a growing byte slice. Like
// Reader, it keeps the first failure reported through Fail.
type Writer struct {
	buf []byte
	err error
}

// NewWriter creates a Writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

// Err returns the first error recorded while writing.
func (w *Writer) Err() error { return w.err }

// Fail records err unless an earlier error is already recorded.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

func (w *Writer) Byte(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Int16(v int16)   { w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(v)) }
func (w *Writer) Uint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) Int32(v int32)   { w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v)) }
func (w *Writer) Int64(v int64)   { w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v)) }

// Raw appends b without any length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Blob writes b prefixed by its 16-bit length. Anything past MaxBlobSize is
// silently cut off.
func (w *Writer) Blob(b []byte) {
	if len(b) > MaxBlobSize {
		b = b[:MaxBlobSize]
	}
	w.Uint16(uint16(len(b)))
	w.Raw(b)
}

// UTF writes s as a length-prefixed UTF-8 blob.
func (w *Writer) UTF(s string) { w.Blob([]byte(s)) }

// Reader consumes big-endian encoded fields from a frame. The first failure
// is sticky: later reads return zero values and Err reports the failure.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader creates a Reader over b. The slice is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first error encountered while reading.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Fail records err unless an earlier error is already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, r.Remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Byte() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

func (r *Reader) Int32() int32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Reader) Int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Raw reads exactly n bytes and returns a copy of them.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Rest returns a copy of every unread byte.
func (r *Reader) Rest() []byte {
	return r.Raw(r.Remaining())
}

// Blob reads a 16-bit length-prefixed blob. A zero length yields nil.
func (r *Reader) Blob() []byte {
	n := int(r.Uint16())
	if n == 0 {
		return nil
	}
	return r.Raw(n)
}

func (r *Reader) UTF() string { return string(r.Blob()) }
