package protocol

import (
	"errors"
	"fmt"
)

// Frame categories, selected by the first byte of every frame. On the wire
// they are the signed bytes -2, -3 and -4.
const (
	CategoryFramework  byte = 0xfe
	CategoryLegacyText byte = 0xfd
	CategoryTyped      byte = 0xfc
)

var (
	// ErrNoWrapSerializer means a tunnel packet was processed by a codec
	// without wrap serializer. This is a broken integration, not bad input.
	ErrNoWrapSerializer = errors.New("protocol: ConnectionPacketWrap serializer is not set")

	// ErrLegacyDisabled is returned when encoding legacy text while
	// deprecation warnings are turned off.
	ErrLegacyDisabled = errors.New("protocol: legacy text frames are disabled")

	// ErrEmptyFrame is returned when decoding an empty frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")
)

// WrapSerializer reads and writes the payload of a ConnectionPacketWrap,
// after its connection id and channel flag.
type WrapSerializer interface {
	ReadWrap(p *ConnectionPacketWrap, r *Reader) error
	WriteWrap(p *ConnectionPacketWrap, w *Writer) error
}

// RawWrapSerializer keeps the tunneled payload as opaque bytes. It is the
// relay's serializer: the relay never interprets game traffic.
type RawWrapSerializer struct{}

func (RawWrapSerializer) ReadWrap(p *ConnectionPacketWrap, r *Reader) error {
	p.Raw = r.Rest()
	return r.Err()
}

func (RawWrapSerializer) WriteWrap(p *ConnectionPacketWrap, w *Writer) error {
	w.Raw(p.Raw)
	return nil
}

// ObjectWrapSerializer decodes tunneled payloads into application objects,
// the way a game client would.
type ObjectWrapSerializer struct {
	Decode func([]byte) (any, error)
	Encode func(any) ([]byte, error)
}

func (s ObjectWrapSerializer) ReadWrap(p *ConnectionPacketWrap, r *Reader) error {
	raw := r.Rest()
	if err := r.Err(); err != nil {
		return err
	}
	obj, err := s.Decode(raw)
	if err != nil {
		return fmt.Errorf("decode wrapped object: %w", err)
	}
	p.Object = obj
	return nil
}

func (s ObjectWrapSerializer) WriteWrap(p *ConnectionPacketWrap, w *Writer) error {
	if p.Object == nil {
		w.Raw(p.Raw)
		return nil
	}
	raw, err := s.Encode(p.Object)
	if err != nil {
		return fmt.Errorf("encode wrapped object: %w", err)
	}
	w.Raw(raw)
	return nil
}

// Codec turns packets into frames and back. The zero value has no wrap
// serializer and panics on tunnel packets.
type Codec struct {
	Wrap WrapSerializer
	// WarnDeprecated enables writing legacy text frames, used to warn
	// outdated clients.
	WarnDeprecated bool
}

// NewCodec returns a codec using the given wrap serializer.
func NewCodec(wrap WrapSerializer, warnDeprecated bool) *Codec {
	return &Codec{Wrap: wrap, WarnDeprecated: warnDeprecated}
}

func (c *Codec) wrapSerializer() WrapSerializer {
	if c == nil || c.Wrap == nil {
		panic(ErrNoWrapSerializer)
	}
	return c.Wrap
}

// Encode serializes p into a complete frame.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	switch p := p.(type) {
	case *Raw:
		out := make([]byte, len(p.Data))
		copy(out, p.Data)
		return out, nil

	case Framework:
		w := NewWriter(8)
		w.Byte(CategoryFramework)
		writeFramework(w, p)
		return w.Bytes(), nil

	case *LegacyText:
		if !c.WarnDeprecated {
			return nil, ErrLegacyDisabled
		}
		w := NewWriter(3 + len(p.Text))
		w.Byte(CategoryLegacyText)
		w.UTF(p.Text)
		return w.Bytes(), nil

	case fieldPacket:
		w := NewWriter(32)
		w.Byte(CategoryTyped)
		w.Byte(byte(p.Kind()))
		p.writeFields(w, c)
		if err := w.Err(); err != nil {
			return nil, fmt.Errorf("write %v: %w", p.Kind(), err)
		}
		return w.Bytes(), nil
	}
	return nil, fmt.Errorf("protocol: cannot encode %v", p.Kind())
}

// EncodeBody serializes only the fields of a typed packet, without category
// and registry index. It is what stream transfers carry.
func (c *Codec) EncodeBody(p Packet) ([]byte, error) {
	fp, ok := p.(fieldPacket)
	if !ok {
		return nil, fmt.Errorf("protocol: %v has no field body", p.Kind())
	}
	w := NewWriter(32)
	fp.writeFields(w, c)
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("write %v: %w", p.Kind(), err)
	}
	return w.Bytes(), nil
}

// Decode parses a frame. Frames of an unknown category are returned as Raw
// and never fail.
func (c *Codec) Decode(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	r := NewReader(frame[1:])
	switch frame[0] {
	case CategoryFramework:
		return readFramework(r)

	case CategoryLegacyText:
		text := r.UTF()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("read legacy text: %w", err)
		}
		return &LegacyText{Text: text}, nil

	case CategoryTyped:
		k, err := KindOf(r.Byte())
		if r.Err() != nil {
			return nil, fmt.Errorf("read packet kind: %w", r.Err())
		}
		if err != nil {
			return nil, err
		}
		return c.decodeFields(k, r)
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	return &Raw{Data: out}, nil
}

// DecodeBody parses the fields of a typed packet of kind k.
func (c *Codec) DecodeBody(k Kind, body []byte) (Packet, error) {
	return c.decodeFields(k, NewReader(body))
}

func (c *Codec) decodeFields(k Kind, r *Reader) (Packet, error) {
	p, err := NewPacket(k)
	if err != nil {
		return nil, err
	}
	p.(fieldPacket).readFields(r, c)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read %v: %w", k, err)
	}
	return p, nil
}
