package server

import (
	"net"
	"sync"
	"time"

	"github.com/lbot/streambot/pkg/protocol"
)

// SafeConn wraps a net.Conn with automatic write synchronization so frames
// never interleave on the wire. A connection handler's main loop, its ping
// timer, and external pushes (PushOpenBrowserURL) may all write to the same
// connection; the raw conn stays private so every write goes through the
// mutex.
type SafeConn struct {
	conn net.Conn
	mu   sync.Mutex // protects writes to conn
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// EncodeFrame encodes and sends a protocol frame. This is the only way to
// write frames to the connection.
func (sc *SafeConn) EncodeFrame(frame *protocol.Frame, peerVersion ...uint8) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return protocol.EncodeFrame(sc.conn, frame, peerVersion...)
}

// ReadFrame reads a protocol frame from the connection. Reads don't need
// write synchronization; there is exactly one reader per connection.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

// SetReadDeadline bounds the next ReadFrame.
func (sc *SafeConn) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying connection. Closing is the universal
// cancellation signal: it unblocks any read or write in flight.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
