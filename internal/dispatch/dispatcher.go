// Package dispatch turns transport events into packets and routes them to
// handlers registered per packet kind.
package dispatch

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/stream"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// HandlerFunc handles one packet received on c.
type HandlerFunc func(c transport.Conn, p protocol.Packet)

// Filter gates transport events before they become packets. Returning false
// drops the event.
type Filter interface {
	Connected(c transport.Conn) bool
	Disconnected(c transport.Conn, reason protocol.DcReason) bool
	Received(c transport.Conn, p protocol.Packet) bool
	Idle(c transport.Conn) bool
}

// DefaultFilter lets everything through except idle events.
type DefaultFilter struct{}

func (DefaultFilter) Connected(transport.Conn) bool                       { return true }
func (DefaultFilter) Disconnected(transport.Conn, protocol.DcReason) bool { return true }
func (DefaultFilter) Received(transport.Conn, protocol.Packet) bool       { return true }
func (DefaultFilter) Idle(transport.Conn) bool                            { return false }

// Dispatcher implements transport.Handler. Events pass the filter, are
// turned into packets and, when a delegate is set, handed to it so that all
// handling happens on the delegate's goroutine. Stream packets are
// reassembled there and the completed packet is dispatched in turn.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind]HandlerFunc
	fallback HandlerFunc
	filter   Filter
	admit    func(c transport.Conn, p protocol.Packet) bool

	delegate func(func())
	streams  *stream.Receiver
}

// New creates a dispatcher. A nil delegate handles packets on the transport
// goroutine that produced them.
func New(codec *protocol.Codec, delegate func(func())) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[protocol.Kind]HandlerFunc),
		fallback: func(transport.Conn, protocol.Packet) {},
		filter:   DefaultFilter{},
		delegate: delegate,
		streams:  stream.NewReceiver(codec),
	}
}

// Handle registers fn for packets of kind k, replacing any previous one.
func (d *Dispatcher) Handle(k protocol.Kind, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[k] = fn
}

// On registers a typed handler for the packet type T.
func On[T protocol.Packet](d *Dispatcher, fn func(c transport.Conn, p T)) {
	var zero T
	d.Handle(zero.Kind(), func(c transport.Conn, p protocol.Packet) {
		if t, ok := p.(T); ok {
			fn(c, t)
		}
	})
}

// SetFallback sets the handler of packets without a registered handler.
// The default fallback ignores them.
func (d *Dispatcher) SetFallback(fn HandlerFunc) {
	if fn == nil {
		panic("dispatch: nil fallback")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = fn
}

func (d *Dispatcher) SetFilter(f Filter) {
	if f == nil {
		panic("dispatch: nil filter")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = f
}

// SetStreamAdmission sets a check run on the handling goroutine for every
// StreamHead and StreamChunk before it reaches reassembly. Parts it rejects
// are dropped.
func (d *Dispatcher) SetStreamAdmission(fn func(c transport.Conn, p protocol.Packet) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.admit = fn
}

func (d *Dispatcher) currentFilter() Filter {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter
}

// ---------------------------------------------------------------------------
// transport.Handler
// ---------------------------------------------------------------------------

func (d *Dispatcher) OnConnect(c transport.Conn) {
	if !d.currentFilter().Connected(c) {
		return
	}
	p := &protocol.Connect{}
	if ip := c.RemoteIP(); ip != nil {
		p.Address = ip.String()
	}
	d.deliver(c, p)
}

func (d *Dispatcher) OnDisconnect(c transport.Conn, reason protocol.DcReason) {
	if !d.currentFilter().Disconnected(c, reason) {
		d.deliverFunc(func() { d.streams.Drop(c.ID()) })
		return
	}
	d.deliver(c, &protocol.Disconnect{Reason: reason})
}

func (d *Dispatcher) OnReceive(c transport.Conn, p protocol.Packet) {
	if !d.currentFilter().Received(c, p) {
		return
	}
	d.deliver(c, p)
}

func (d *Dispatcher) OnIdle(c transport.Conn) {
	if !d.currentFilter().Idle(c) {
		return
	}
	d.deliver(c, &protocol.Idle{})
}

func (d *Dispatcher) deliver(c transport.Conn, p protocol.Packet) {
	d.deliverFunc(func() { d.Dispatch(c, p) })
}

func (d *Dispatcher) deliverFunc(fn func()) {
	if d.delegate != nil {
		d.delegate(fn)
		return
	}
	fn()
}

// Dispatch handles p synchronously on the calling goroutine. A panicking
// handler is logged and the connection stays open.
func (d *Dispatcher) Dispatch(c transport.Conn, p protocol.Packet) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("[%s] handler for %v panicked: %v\n%s", util.ConnID(c.ID()), p.Kind(), r, debug.Stack())
		}
	}()

	switch p.Kind() {
	case protocol.KindStreamHead, protocol.KindStreamChunk:
		d.mu.RLock()
		admit := d.admit
		d.mu.RUnlock()
		if admit != nil && !admit(c, p) {
			return
		}
		done, err := d.streams.Feed(c.ID(), p)
		if err != nil {
			util.LogWarning("[%s] %v", util.ConnID(c.ID()), err)
			return
		}
		if done != nil {
			d.Dispatch(c, done)
		}
		return
	}

	d.mu.RLock()
	fn, ok := d.handlers[p.Kind()]
	if !ok {
		fn = d.fallback
	}
	d.mu.RUnlock()

	if p.Kind() == protocol.KindDisconnect {
		defer d.streams.Drop(c.ID())
	}
	fn(c, p)
}

// PendingStreams returns the number of incomplete stream transfers.
func (d *Dispatcher) PendingStreams() int { return d.streams.Pending() }

func (d *Dispatcher) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("dispatcher(%d handlers)", len(d.handlers))
}
