package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize is the largest frame either framing can carry.
const MaxFrameSize = 65535

var ErrFrameTooLarge = errors.New("transport: frame too large")

// FrameConn moves whole frames over an underlying connection. ReadFrame is
// called from a single goroutine, and so is WriteFrame.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// ---------------------------------------------------------------------------
// TCP: [length:u16 BE][frame]
// ---------------------------------------------------------------------------

type tcpFrames struct {
	conn net.Conn
	r    *bufio.Reader
	hdr  [2]byte
}

// NewTCPFrames frames conn with a 16-bit big-endian length prefix.
func NewTCPFrames(conn net.Conn) FrameConn {
	return &tcpFrames{conn: conn, r: bufio.NewReaderSize(conn, 16*1024)}
}

func (f *tcpFrames) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(f.r, f.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(f.hdr[:])
	frame := make([]byte, n)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (f *tcpFrames) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	buf := make([]byte, 2+len(frame))
	binary.BigEndian.PutUint16(buf, uint16(len(frame)))
	copy(buf[2:], frame)
	_, err := f.conn.Write(buf)
	return err
}

func (f *tcpFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *tcpFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *tcpFrames) RemoteAddr() net.Addr               { return f.conn.RemoteAddr() }
func (f *tcpFrames) Close() error                       { return f.conn.Close() }

// ---------------------------------------------------------------------------
// WebSocket: one binary message per frame
// ---------------------------------------------------------------------------

type wsFrames struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

// NewWSFrames frames conn with one binary message per frame.
func NewWSFrames(conn *websocket.Conn) FrameConn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsFrames{conn: conn}
}

func (f *wsFrames) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (f *wsFrames) WriteFrame(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	return f.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (f *wsFrames) SetReadDeadline(t time.Time) error  { return f.conn.SetReadDeadline(t) }
func (f *wsFrames) SetWriteDeadline(t time.Time) error { return f.conn.SetWriteDeadline(t) }
func (f *wsFrames) RemoteAddr() net.Addr               { return f.conn.RemoteAddr() }

func (f *wsFrames) Close() error {
	var err error
	f.closeOnce.Do(func() {
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}
