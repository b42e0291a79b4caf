// Package relay implements the CLaJ room relay: room lifecycle, the packet
// tunnel between hosts and members, state and listing caches, and abuse
// controls. All relay state is owned by one goroutine; transport events
// reach it through the dispatcher's delegate.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/claj/internal/abuse"
	"github.com/1ureka/claj/internal/config"
	"github.com/1ureka/claj/internal/dispatch"
	"github.com/1ureka/claj/internal/events"
	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/transport"
	"github.com/1ureka/claj/internal/util"
)

// Version is the major protocol version of this relay. Clients announce
// theirs when creating a room.
const Version = 2

const taskQueueSize = 4096

// DeprecationText is sent to clients speaking the pre-registry protocol.
const DeprecationText = "This CLaJ version is no longer supported by the server. Please update your client."

var ErrStopped = errors.New("relay: server stopped")

// Options holds the collaborators of a Server. Zero fields get defaults.
type Options struct {
	Codec   *protocol.Codec
	Bus     *events.Bus
	Metrics *Metrics
	Stats   *util.Stats
	Now     func() time.Time
}

// Server is the relay. Create it with New, run it with Serve and plug
// Handler into the transport listeners.
type Server struct {
	cfg      config.Config
	codec    *protocol.Codec
	bus      *events.Bus
	metrics  *Metrics
	stats    *util.Stats
	now      func() time.Time
	linkHost string
	linkPort uint16

	blacklist    *abuse.Blacklist
	limiter      *abuse.JoinLimiter
	bannedTypes  map[protocol.ClajType]struct{}
	dispatcher   *dispatch.Dispatcher
	tasks        chan func()
	stopped      chan struct{}
	stopOnce     sync.Once
	members      sync.Map // int32 -> struct{}, read by the idle filter
	shutdownOnce sync.Once

	// Owned by the actor goroutine.
	conns     map[int32]*Connection
	rooms     *Registry
	listings  map[protocol.ClajType]*listing
	listCache map[protocol.ClajType]cachedListing
	listGen   map[protocol.ClajType]uint64
	closing   bool
	started   time.Time
}

// New builds a relay from cfg.
func New(cfg config.Config, opts Options) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	types, err := cfg.Types()
	if err != nil {
		return nil, err
	}
	host, port, err := cfg.LinkAddress()
	if err != nil {
		return nil, err
	}

	blacklist := abuse.NewBlacklist()
	if err := blacklist.AddAll(cfg.Blacklist); err != nil {
		return nil, fmt.Errorf("relay blacklist: %w", err)
	}

	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(protocol.RawWrapSerializer{}, cfg.WarnDeprecated)
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		cfg:         cfg,
		codec:       opts.Codec,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		stats:       opts.Stats,
		now:         opts.Now,
		linkHost:    host,
		linkPort:    port,
		blacklist:   blacklist,
		limiter:     abuse.NewJoinLimiter(cfg.JoinLimit),
		bannedTypes: make(map[protocol.ClajType]struct{}, len(types)),
		tasks:       make(chan func(), taskQueueSize),
		stopped:     make(chan struct{}),
		conns:       make(map[int32]*Connection),
		rooms:       NewRegistry(),
		listings:    make(map[protocol.ClajType]*listing),
		listCache:   make(map[protocol.ClajType]cachedListing),
		listGen:     make(map[protocol.ClajType]uint64),
	}
	for _, t := range types {
		s.bannedTypes[t] = struct{}{}
	}

	s.dispatcher = dispatch.New(s.codec, func(fn func()) { s.Post(fn) })
	s.dispatcher.SetFilter(memberIdleFilter{s: s})
	s.register()
	return s, nil
}

// Handler is the transport handler feeding this relay.
func (s *Server) Handler() transport.Handler { return s.dispatcher }

// Codec is the codec sessions of this relay must use.
func (s *Server) Codec() *protocol.Codec { return s.codec }

func (s *Server) Bus() *events.Bus { return s.bus }

// Blacklist is checked on connect and on every join. Entries added at
// runtime apply to the next check.
func (s *Server) Blacklist() *abuse.Blacklist { return s.blacklist }

// Post queues fn for the actor goroutine. It reports false once the server
// has stopped.
func (s *Server) Post(fn func()) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.tasks <- fn:
		return true
	case <-s.stopped:
		return false
	}
}

// Call runs fn on the actor goroutine and waits for it to finish.
func (s *Server) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !s.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// afterFunc runs fn on the actor goroutine once d has elapsed.
func (s *Server) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { s.Post(fn) })
}

// Serve runs the actor until ctx is done. Remaining rooms are then closed
// with serverClosed.
func (s *Server) Serve(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })

	s.started = s.now()
	s.bus.Publish(events.ServerLoadedEvent{})
	util.LogSuccess("Relay ready (protocol v%d)", Version)

	for {
		select {
		case fn := <-s.tasks:
			s.run(fn)
		case <-ctx.Done():
			s.closing = true
			s.closeAllRooms(protocol.CloseServerClosed)
			s.bus.Publish(events.ServerStoppingEvent{Available: false})
			return ctx.Err()
		}
	}
}

// run executes one task. A panicking task is logged and the actor keeps
// going.
func (s *Server) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("relay task panicked: %v", r)
		}
	}()
	fn()
}

// Shutdown stops accepting rooms and joins, warns connected clients when
// warn-closing is set, waits close-wait, then closes every room with
// serverClosed. Serve keeps running until its context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	started := false
	s.shutdownOnce.Do(func() { started = true })
	if !started {
		return nil
	}

	if err := s.Call(ctx, s.beginShutdown); err != nil {
		return err
	}
	if s.cfg.CloseWait > 0 {
		util.LogInfo("Closing rooms in %s", s.cfg.CloseWait)
		t := time.NewTimer(s.cfg.CloseWait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
	// Rooms must be closed even if the wait was cut short.
	return s.Call(context.WithoutCancel(ctx), func() { s.closeAllRooms(protocol.CloseServerClosed) })
}

func (s *Server) beginShutdown() {
	s.closing = true
	s.bus.Publish(events.ServerStoppingEvent{Available: true})
	if !s.cfg.WarnClosing {
		return
	}
	for _, c := range s.conns {
		c.send(&protocol.ClajMessage{Message: protocol.MessageServerClosing})
	}
}

func (s *Server) closeAllRooms(reason protocol.CloseReason) {
	for _, room := range s.rooms.All() {
		s.closeRoom(room, reason)
	}
}

// majorVersion parses the leading number of a "major[.minor…]" version.
func majorVersion(v string) (int, error) {
	major, _, _ := strings.Cut(strings.TrimSpace(v), ".")
	return strconv.Atoi(major)
}

// memberIdleFilter lets idle events through only for room members; the
// host is told about them with ConnectionIdling.
type memberIdleFilter struct {
	dispatch.DefaultFilter
	s *Server
}

func (f memberIdleFilter) Idle(c transport.Conn) bool {
	_, ok := f.s.members.Load(c.ID())
	return ok
}
