// Package transport carries CLaJ frames over TCP and WebSocket sessions and
// reports their lifecycle to a Handler.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/stream"
	"github.com/1ureka/claj/internal/util"
)

// Tuning constants.
const (
	KeepAliveInterval = 8 * time.Second
	ReadTimeout       = 12 * time.Second
	SendQueueSize     = 256
	writeWait         = 10 * time.Second
	flushWait         = 2 * time.Second
)

var ErrClosed = errors.New("transport: connection closed")

// Conn is one client session as seen by the relay.
type Conn interface {
	ID() int32
	// RemoteIP is the real address of the peer. It never leaves the relay.
	RemoteIP() net.IP
	// Send encodes p and queues it, splitting it into a stream when large.
	Send(p protocol.Packet) error
	Close(reason protocol.DcReason)
	IsConnected() bool
}

// Handler receives the events of every session.
type Handler interface {
	OnConnect(c Conn)
	OnDisconnect(c Conn, reason protocol.DcReason)
	OnReceive(c Conn, p protocol.Packet)
	OnIdle(c Conn)
}

// Options configures sessions.
type Options struct {
	Codec       *protocol.Codec
	KeepAlive   time.Duration
	ReadTimeout time.Duration
	QueueSize   int
	Stats       *util.Stats // optional
	// AnnounceID sends RegisterTCP with the session id when the session
	// starts. Relay sessions set it; client sessions don't.
	AnnounceID bool
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.NewCodec(protocol.RawWrapSerializer{}, false)
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = KeepAliveInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = ReadTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = SendQueueSize
	}
	return o
}

var lastConnID atomic.Int32

// nextConnID returns a process-unique, non-zero connection id.
func nextConnID() int32 {
	for {
		if id := lastConnID.Add(1); id != 0 {
			return id
		}
	}
}

// Session is a Conn over a FrameConn. Frames are read by the goroutine that
// calls Run and written by a single sender goroutine.
type Session struct {
	id       int32
	frames   FrameConn
	remoteIP net.IP
	opts     Options
	handler  Handler
	splitter *stream.Sender
	sender   *sender

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	reason    atomic.Uint32
}

// NewSession wraps frames. Nothing is read or written before Run, but
// packets sent earlier are queued.
func NewSession(frames FrameConn, h Handler, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:       nextConnID(),
		frames:   frames,
		remoteIP: util.RemoteIP(frames.RemoteAddr()),
		opts:     opts,
		handler:  h,
		splitter: stream.NewSender(opts.Codec),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sender = newSender(s, opts.QueueSize)
	return s
}

func (s *Session) ID() int32         { return s.id }
func (s *Session) RemoteIP() net.IP  { return s.remoteIP }
func (s *Session) IsConnected() bool { return s.ctx.Err() == nil }
func (s *Session) String() string    { return util.ConnID(s.id) }

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Run serves the session until it is closed, the peer goes away or ctx is
// cancelled. It reports OnConnect, every received packet and finally
// OnDisconnect. Keep-alives and ping requests are handled here and never
// reach the handler.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	defer s.cancel()

	if s.opts.Stats != nil {
		s.opts.Stats.AddConn()
		defer s.opts.Stats.RemoveConn()
	}

	go s.sender.loop(s.ctx)

	if s.opts.AnnounceID {
		if err := s.Send(&protocol.RegisterTCP{ConnID: s.id}); err != nil {
			s.Close(protocol.DcError)
		}
	}
	s.handler.OnConnect(s)

	reason := s.readLoop()
	s.Close(reason)
	s.handler.OnDisconnect(s, s.disconnectReason())
}

func (s *Session) readLoop() protocol.DcReason {
	for {
		_ = s.frames.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		frame, err := s.frames.ReadFrame()
		if err != nil {
			return classify(s.ctx, err)
		}
		if s.opts.Stats != nil {
			s.opts.Stats.AddIn(len(frame) + 2)
		}

		p, err := s.opts.Codec.Decode(frame)
		if err != nil {
			util.LogDebug("[%s] closing on undecodable frame: %v", s, err)
			return protocol.DcError
		}

		switch m := p.(type) {
		case *protocol.KeepAlive:
			continue
		case *protocol.Ping:
			if !m.IsReply {
				_ = s.Send(&protocol.Ping{ID: m.ID, IsReply: true})
				continue
			}
		}
		s.handler.OnReceive(s, p)
	}
}

func classify(ctx context.Context, err error) protocol.DcReason {
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return protocol.DcClosed
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return protocol.DcClosed
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return protocol.DcTimeout
	}
	return protocol.DcError
}

// Send implements Conn. It never blocks: a session whose queue is full is
// closed with DcError.
func (s *Session) Send(p protocol.Packet) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	parts, err := s.splitter.Split(p)
	if err != nil {
		return err
	}
	for _, part := range parts {
		frame, err := s.opts.Codec.Encode(part)
		if err != nil {
			return err
		}
		if !s.sender.enqueue(frame) {
			util.LogWarning("[%s] send queue full, closing", s)
			s.Close(protocol.DcError)
			return ErrClosed
		}
	}
	return nil
}

// Close ends the session. Frames queued before Close are still flushed. The
// first reason wins.
func (s *Session) Close(reason protocol.DcReason) {
	if s.ctx.Err() == nil {
		s.reason.CompareAndSwap(0, uint32(reason)+1)
	}
	s.cancel()
}

func (s *Session) closeFrames() {
	s.closeOnce.Do(func() { s.frames.Close() })
}

func (s *Session) disconnectReason() protocol.DcReason {
	if r := s.reason.Load(); r != 0 {
		return protocol.DcReason(r - 1)
	}
	return protocol.DcClosed
}
