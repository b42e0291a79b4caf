package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/claj/internal/util"
)

// WSPath is the HTTP path WebSocket clients connect to.
const WSPath = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// boundAddr publishes the address a listener is bound to.
type boundAddr struct {
	ready chan struct{}
	once  sync.Once
	addr  net.Addr
}

func newBoundAddr() *boundAddr { return &boundAddr{ready: make(chan struct{})} }

func (b *boundAddr) set(a net.Addr) {
	b.once.Do(func() {
		b.addr = a
		close(b.ready)
	})
}

// Ready is closed once the listener is bound.
func (b *boundAddr) Ready() <-chan struct{} { return b.ready }

// Addr returns the bound address, or nil before Ready.
func (b *boundAddr) Addr() net.Addr {
	select {
	case <-b.ready:
		return b.addr
	default:
		return nil
	}
}

// ---------------------------------------------------------------------------
// TCP
// ---------------------------------------------------------------------------

// Listener accepts TCP clients and runs one session per connection.
type Listener struct {
	*boundAddr
	address string
	handler Handler
	opts    Options
}

func NewListener(address string, h Handler, opts Options) *Listener {
	opts.AnnounceID = true
	return &Listener{boundAddr: newBoundAddr(), address: address, handler: h, opts: opts}
}

// Serve accepts connections until ctx is cancelled, then waits for every
// session to end.
func (l *Listener) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}
	l.set(ln.Addr())
	util.LogInfo("TCP relay listening on %s", ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}

		s := NewSession(NewTCPFrames(conn), l.handler, l.opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}
}

func (l *Listener) String() string { return "tcp-listener(" + l.address + ")" }

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

// WSListener accepts WebSocket clients on WSPath.
type WSListener struct {
	*boundAddr
	address string
	handler Handler
	opts    Options
}

func NewWSListener(address string, h Handler, opts Options) *WSListener {
	opts.AnnounceID = true
	return &WSListener{boundAddr: newBoundAddr(), address: address, handler: h, opts: opts}
}

// Serve runs the HTTP server until ctx is cancelled.
func (l *WSListener) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.address, err)
	}
	l.set(ln.Addr())
	util.LogInfo("WebSocket relay listening on %s%s", ln.Addr(), WSPath)

	var wg sync.WaitGroup
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wg.Add(1)
		defer wg.Done()
		NewSession(NewWSFrames(conn), l.handler, l.opts).Run(ctx)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err = srv.Serve(ln)
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (l *WSListener) String() string { return "ws-listener(" + l.address + ")" }

// ---------------------------------------------------------------------------
// Dialing
// ---------------------------------------------------------------------------

// DialTCP connects to a relay over TCP. The session is not started.
func DialTCP(ctx context.Context, address string, h Handler, opts Options) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	return NewSession(NewTCPFrames(conn), h, opts), nil
}

// DialWS connects to a relay over WebSocket, e.g. ws://host:port/ws.
func DialWS(ctx context.Context, url string, h Handler, opts Options) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewSession(NewWSFrames(conn), h, opts), nil
}
