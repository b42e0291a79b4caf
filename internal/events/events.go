// Package events is the relay's typed event bus. Events are published after
// the state change they describe and delivered synchronously to every
// matching subscriber.
package events

import (
	"sync"

	"github.com/1ureka/claj/internal/util"
)

// Type is a bit set of event types.
type Type uint32

const (
	ServerLoaded Type = 1 << iota
	ServerStopping
	ClientConnected
	ClientDisconnected
	ClientKicked
	ConnectionPreJoin
	ConnectionJoined
	ConnectionLeft
	ConnectionJoinRejected
	RoomCreated
	RoomClosed
	RoomCreationRejected
	ActionDenied
	ConfigurationChanged
	StateChanged

	AllEvents Type = (1 << iota) - 1
)

var typeNames = map[Type]string{
	ServerLoaded:           "ServerLoaded",
	ServerStopping:         "ServerStopping",
	ClientConnected:        "ClientConnected",
	ClientDisconnected:     "ClientDisconnected",
	ClientKicked:           "ClientKicked",
	ConnectionPreJoin:      "ConnectionPreJoin",
	ConnectionJoined:       "ConnectionJoined",
	ConnectionLeft:         "ConnectionLeft",
	ConnectionJoinRejected: "ConnectionJoinRejected",
	RoomCreated:            "RoomCreated",
	RoomClosed:             "RoomClosed",
	RoomCreationRejected:   "RoomCreationRejected",
	ActionDenied:           "ActionDenied",
	ConfigurationChanged:   "ConfigurationChanged",
	StateChanged:           "StateChanged",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// Event is implemented by the payload types of this package only.
type Event interface {
	Type() Type
	sealed()
}

type subscriber struct {
	id   int
	mask Type
	fn   func(Event)
}

// Bus delivers events to subscribers. The zero value is not usable; use
// NewBus.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID int
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every event type in mask. The returned function
// removes the subscription.
func (b *Bus) Subscribe(mask Type, fn func(Event)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, mask: mask, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to matching subscribers on the calling goroutine, in
// subscription order. A panicking subscriber is logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	t := e.Type()
	for _, s := range subs {
		if s.mask&t != 0 {
			deliver(s.fn, e)
		}
	}
}

func deliver(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("event subscriber panicked on %v: %v", e.Type(), r)
		}
	}()
	fn(e)
}
