package protocol

import "fmt"

// Framework messages are transport control frames. They share one kind,
// KindFramework, and are told apart by a sub-id.
type Framework interface {
	Packet
	frameworkID() byte
}

type (
	// Ping measures round trip time; the peer echoes it with IsReply set.
	Ping struct {
		ID      int32
		IsReply bool
	}
	// DiscoverHost is a LAN discovery probe.
	DiscoverHost struct{}
	// KeepAlive keeps an otherwise silent connection from timing out.
	KeepAlive struct{}
	// RegisterUDP binds a UDP channel to a connection id.
	RegisterUDP struct{ ConnID int32 }
	// RegisterTCP tells a client its connection id.
	RegisterTCP struct{ ConnID int32 }
)

const (
	frameworkPing byte = iota
	frameworkDiscoverHost
	frameworkKeepAlive
	frameworkRegisterUDP
	frameworkRegisterTCP
)

func (*Ping) Kind() Kind         { return KindFramework }
func (*DiscoverHost) Kind() Kind { return KindFramework }
func (*KeepAlive) Kind() Kind    { return KindFramework }
func (*RegisterUDP) Kind() Kind  { return KindFramework }
func (*RegisterTCP) Kind() Kind  { return KindFramework }

func (*Ping) frameworkID() byte         { return frameworkPing }
func (*DiscoverHost) frameworkID() byte { return frameworkDiscoverHost }
func (*KeepAlive) frameworkID() byte    { return frameworkKeepAlive }
func (*RegisterUDP) frameworkID() byte  { return frameworkRegisterUDP }
func (*RegisterTCP) frameworkID() byte  { return frameworkRegisterTCP }

func writeFramework(w *Writer, m Framework) {
	w.Byte(m.frameworkID())
	switch m := m.(type) {
	case *Ping:
		w.Int32(m.ID)
		w.Bool(m.IsReply)
	case *RegisterUDP:
		w.Int32(m.ConnID)
	case *RegisterTCP:
		w.Int32(m.ConnID)
	}
}

func readFramework(r *Reader) (Framework, error) {
	var m Framework
	switch id := r.Byte(); id {
	case frameworkPing:
		m = &Ping{ID: r.Int32(), IsReply: r.Bool()}
	case frameworkDiscoverHost:
		m = &DiscoverHost{}
	case frameworkKeepAlive:
		m = &KeepAlive{}
	case frameworkRegisterUDP:
		m = &RegisterUDP{ConnID: r.Int32()}
	case frameworkRegisterTCP:
		m = &RegisterTCP{ConnID: r.Int32()}
	default:
		if r.Err() == nil {
			return nil, fmt.Errorf("protocol: unknown framework message %d", id)
		}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read framework message: %w", err)
	}
	return m, nil
}
