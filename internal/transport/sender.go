package transport

import (
	"context"
	"time"

	"github.com/1ureka/claj/internal/protocol"
	"github.com/1ureka/claj/internal/util"
)

// sender is the single-writer goroutine of a session. It drains the outgoing
// queue, keeps a silent connection alive and reports OnIdle every time the
// queue becomes empty after a write. It owns closing the underlying
// connection.
type sender struct {
	s         *Session
	inbox     chan []byte
	keepAlive []byte
}

func newSender(s *Session, queueSize int) *sender {
	keepAlive, err := s.opts.Codec.Encode(&protocol.KeepAlive{})
	if err != nil {
		// Framework frames never fail to encode.
		panic(err)
	}
	return &sender{
		s:         s,
		inbox:     make(chan []byte, queueSize),
		keepAlive: keepAlive,
	}
}

func (w *sender) loop(ctx context.Context) {
	defer w.s.closeFrames()

	ticker := time.NewTicker(w.s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case frame := <-w.inbox:
			if !w.write(frame) {
				return
			}
			ticker.Reset(w.s.opts.KeepAlive)
			if len(w.inbox) == 0 {
				w.s.handler.OnIdle(w.s)
			}

		case <-ticker.C:
			if !w.write(w.keepAlive) {
				return
			}

		case <-ctx.Done():
			w.flush()
			return
		}
	}
}

func (w *sender) write(frame []byte) bool {
	_ = w.s.frames.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.s.frames.WriteFrame(frame); err != nil {
		if w.s.IsConnected() {
			util.LogDebug("[%s] write failed: %v", w.s, err)
		}
		w.s.Close(protocol.DcError)
		return false
	}
	if w.s.opts.Stats != nil {
		w.s.opts.Stats.AddOut(len(frame) + 2)
	}
	return true
}

// flush writes what is still queued, best effort.
func (w *sender) flush() {
	deadline := time.Now().Add(flushWait)
	for {
		select {
		case frame := <-w.inbox:
			_ = w.s.frames.SetWriteDeadline(deadline)
			if err := w.s.frames.WriteFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// enqueue queues a frame without blocking. It reports false when the queue
// is full.
func (w *sender) enqueue(frame []byte) bool {
	select {
	case w.inbox <- frame:
		return true
	default:
		return false
	}
}
