// Package client implements the operator side of the control channel: the
// connection plumbing and the interactive state machine.
package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/lbot/streambot/pkg/protocol"
)

var ErrNotConnected = errors.New("not connected")

// Connection is a client connection to the control server: a dialed
// socket, a single reader goroutine feeding decoded frames into a channel,
// and write-synchronized sends.
type Connection struct {
	addr string

	mu        sync.Mutex // protects conn and writes to it
	conn      net.Conn
	connected bool

	incoming chan *protocol.Frame
	errs     chan error

	dialTimeout time.Duration

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection prepares a connection to addr (host:port). Nothing is
// dialed until Connect.
func NewConnection(addr string) *Connection {
	return &Connection{
		addr:        addr,
		incoming:    make(chan *protocol.Frame, 32),
		errs:        make(chan error, 1),
		dialTimeout: 10 * time.Second,
		logger:      log.New(io.Discard, "", log.LstdFlags),
		shutdown:    make(chan struct{}),
	}
}

// SetLogger routes connection debug output to the given logger.
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// Connect dials the server and starts the read loop.
func (c *Connection) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Printf("Connected to %s", c.addr)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// readLoop is the single reader: it decodes frames off the wire and hands
// them to whoever consumes Incoming. A read error ends the loop and is
// surfaced once on Errors.
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	for {
		frame, err := protocol.DecodeFrame(conn)
		if err != nil {
			select {
			case <-c.shutdown:
			default:
				c.logger.Printf("Read error: %v", err)
				select {
				case c.errs <- err:
				default:
				}
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			close(c.incoming)
			return
		}

		select {
		case c.incoming <- frame:
		case <-c.shutdown:
			return
		}
	}
}

// Send encodes and writes one message.
func (c *Connection) Send(msg protocol.Message) error {
	frame, err := protocol.MessageFrame(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.connected {
		return ErrNotConnected
	}
	return protocol.EncodeFrame(c.conn, frame)
}

// ReadMessage reads and decodes the next frame synchronously with a
// deadline. Only valid before the Incoming channel is being consumed
// (i.e. during login). A buffered frame wins over a pending read error:
// the server may answer and close in one breath.
func (c *Connection) ReadMessage(timeout time.Duration) (protocol.Message, error) {
	select {
	case frame, ok := <-c.incoming:
		if !ok {
			return nil, ErrNotConnected
		}
		return protocol.DecodeMessage(frame)
	default:
	}

	select {
	case frame, ok := <-c.incoming:
		if !ok {
			return nil, ErrNotConnected
		}
		return protocol.DecodeMessage(frame)
	case err := <-c.errs:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for server response")
	}
}

// Incoming returns the channel of received frames. Closed when the
// connection dies.
func (c *Connection) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Errors surfaces the first fatal read error.
func (c *Connection) Errors() <-chan error {
	return c.errs
}

// IsConnected reports whether the socket is alive.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close tears the connection down and waits for the read loop to exit.
// Closing the socket is the cancellation signal for any blocked read.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connected = false
		c.mu.Unlock()
		c.wg.Wait()
	})
}
