package client

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lbot/streambot/pkg/protocol"
)

// State is the client state machine position.
type State int

const (
	StateInit State = iota
	StateLoggingIn
	StateInteractive
	StateAwaitingResponse
	StateDone
)

const (
	loginAttempts = 3
	promptSuffix  = "> "
)

var ErrLoginFailed = errors.New("failed to log in")

// Client drives one operator session: login, the interactive command loop,
// and the background receive path answering server-initiated traffic.
type Client struct {
	addr string
	term Terminal

	conn    *Connection
	session *protocol.Session

	// written by the receive goroutine, read by the line reader
	promptMu sync.Mutex
	prompt   string

	// signals the foreground loop that a CommandResponse arrived
	respReceived chan struct{}
	// closed when the receive path exits (connection dead)
	recvDone chan struct{}

	loginPacing  time.Duration
	loginTimeout time.Duration
}

// New creates a client talking to addr through the given terminal.
func New(addr string, term Terminal) *Client {
	return &Client{
		addr:         addr,
		term:         term,
		respReceived: make(chan struct{}, 1),
		recvDone:     make(chan struct{}),
		loginPacing:  3 * time.Second,
		loginTimeout: 30 * time.Second,
	}
}

// HashPassword derives the wire form of a password: SHA-512, base64.
// Plaintext never leaves the client.
func HashPassword(plain string) string {
	sum := sha512.Sum512([]byte(plain))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// login prompts for credentials and performs the handshake, retrying up to
// loginAttempts times with pacing between failures. On success the client
// holds a connected socket and a session cookie.
func (c *Client) login(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		c.term.Prompt("Username: ")
		user, err := c.term.ReadLine()
		if err != nil {
			return err
		}
		c.term.Prompt("Password: ")
		password, err := c.term.ReadSecret()
		if err != nil {
			return err
		}

		// the server closes the connection after a failed login, so every
		// attempt dials fresh
		conn := NewConnection(c.addr)
		if err := conn.Connect(); err != nil {
			return err
		}

		login := protocol.NewLogin(user, HashPassword(password))
		if err := conn.Send(login); err != nil {
			conn.Close()
			return err
		}

		msg, err := conn.ReadMessage(c.loginTimeout)
		if err != nil {
			conn.Close()
			return fmt.Errorf("login failed: %w", err)
		}
		resp, ok := msg.(*protocol.LoginResponseMessage)
		if !ok {
			conn.Close()
			return fmt.Errorf("expected LoginResponse, got %s", protocol.TypeName(msg.Type()))
		}

		if resp.Success && resp.Session != nil {
			c.conn = conn
			c.session = resp.Session
			return nil
		}

		conn.Close()
		c.term.Print("Failed to login: " + resp.Error)
		if attempt >= loginAttempts {
			return fmt.Errorf("%w: %s", ErrLoginFailed, resp.Error)
		}

		select {
		case <-time.After(c.loginPacing):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run executes the whole session: login, then the interactive command loop
// until quit, connection loss or ctx cancellation.
func (c *Client) Run(ctx context.Context) error {
	if err := c.login(ctx); err != nil {
		return err
	}
	defer c.conn.Close()

	go c.receiveLoop()

	c.term.Print("Connected. Type 'quit' to leave.")

	// Local input goes through a channel so ctx can unblock the wait.
	// Lines are read on demand: the terminal belongs to the foreground
	// loop only while Interactive, and to the receive path (query
	// prompts) while a command is in flight.
	lineReq := make(chan struct{}, 1)
	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		for range lineReq {
			line, err := c.readCommandLine()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			case <-c.recvDone:
				return
			}
		}
	}()
	defer close(lineReq)

	state := StateInteractive
	lineReq <- struct{}{}
	for state != StateDone {
		switch state {
		case StateInteractive:
			select {
			case line := <-lines:
				if line == "" {
					lineReq <- struct{}{}
					continue
				}
				if line == "quit" {
					c.conn.Send(protocol.NewLogout(c.session))
					state = StateDone
					continue
				}
				if line == "passwd" {
					sent, err := c.requestPasswordChange()
					if err != nil {
						c.sendLogoutIfConnected()
						return err
					}
					if !sent {
						lineReq <- struct{}{}
						continue
					}
					state = StateAwaitingResponse
					continue
				}
				if err := c.conn.Send(protocol.NewCommand(c.session, line)); err != nil {
					c.term.Print("Failed to send command: " + err.Error())
					state = StateDone
					continue
				}
				state = StateAwaitingResponse
			case err := <-readErrs:
				c.sendLogoutIfConnected()
				return err
			case <-c.recvDone:
				c.term.Print("Connection lost.")
				state = StateDone
			case <-ctx.Done():
				c.term.Print("Shutdown requested")
				c.sendLogoutIfConnected()
				state = StateDone
			}
		case StateAwaitingResponse:
			select {
			case <-c.respReceived:
				state = StateInteractive
				lineReq <- struct{}{}
			case <-c.recvDone:
				c.term.Print("Connection lost.")
				state = StateDone
			case <-ctx.Done():
				c.term.Print("Shutdown requested")
				c.sendLogoutIfConnected()
				state = StateDone
			}
		}
	}

	return nil
}

func (c *Client) readCommandLine() (string, error) {
	c.promptMu.Lock()
	prompt := c.prompt
	c.promptMu.Unlock()
	c.term.Prompt(prompt)
	return c.term.ReadLine()
}

// requestPasswordChange collects current and new passwords (masked) and
// sends a PasswordChange. Returns sent=false when the input was rejected
// locally and nothing went over the wire.
func (c *Client) requestPasswordChange() (sent bool, err error) {
	c.term.Prompt("Current password: ")
	current, err := c.term.ReadSecret()
	if err != nil {
		return false, err
	}
	c.term.Prompt("New password: ")
	next, err := c.term.ReadSecret()
	if err != nil {
		return false, err
	}
	c.term.Prompt("Repeat new password: ")
	again, err := c.term.ReadSecret()
	if err != nil {
		return false, err
	}
	if next != again {
		c.term.Print("Passwords do not match.")
		return false, nil
	}

	msg := protocol.NewPasswordChange(c.session, HashPassword(current), HashPassword(next))
	if err := c.conn.Send(msg); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) sendLogoutIfConnected() {
	if c.conn.IsConnected() {
		c.conn.Send(protocol.NewLogout(c.session))
	}
}

// receiveLoop is the background receive path: it answers heartbeats,
// relays notifications and interactive queries, and wakes the foreground
// loop when a command completes. Runs until the connection dies.
func (c *Client) receiveLoop() {
	defer close(c.recvDone)

	for frame := range c.conn.Incoming() {
		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessageType) {
				c.term.Print(fmt.Sprintf("Unrecognized message type 0x%02X", frame.Type))
				continue
			}
			c.term.Print("Receive error: " + err.Error())
			return
		}

		switch m := msg.(type) {
		case *protocol.PingMessage:
			c.conn.Send(protocol.NewPingResponse(m))

		case *protocol.NotifyMessage:
			c.term.Print(m.Message)

		case *protocol.QueryMessage:
			c.answerQuery(m)

		case *protocol.CurrentUserChangeMessage:
			c.promptMu.Lock()
			firstChange := c.prompt == ""
			c.prompt = m.NewUser + promptSuffix
			c.promptMu.Unlock()
			if firstChange {
				c.term.Print("Logged in as " + m.NewUser)
			}

		case *protocol.OpenBrowserURLMessage:
			c.term.Print("Open this URL in your browser: " + m.URL)

		case *protocol.CommandResponseMessage:
			c.printCommandResponse(m)
			select {
			case c.respReceived <- struct{}{}:
			default:
			}

		case *protocol.PasswordChangeResponseMessage:
			if m.Success {
				c.term.Print("Password changed.")
			} else {
				c.term.Print("Password change failed: " + m.Reason)
			}
			select {
			case c.respReceived <- struct{}{}:
			default:
			}

		default:
			c.term.Print("Unrecognized message: " + protocol.TypeName(msg.Type()))
		}
	}
}

// answerQuery prompts the local operator and sends the answer back with
// the query's correlation ID.
func (c *Client) answerQuery(q *protocol.QueryMessage) {
	var answer string
	var err error

	if q.IsYesNo {
		for {
			c.term.Prompt(q.Query + " (y/n): ")
			answer, err = c.term.ReadLine()
			if err != nil {
				return
			}
			if answer == "y" || answer == "n" {
				break
			}
			c.term.Print("Invalid response: " + answer)
		}
	} else {
		c.term.Prompt(q.Query + ": ")
		if q.MaskAnswer {
			answer, err = c.term.ReadSecret()
		} else {
			answer, err = c.term.ReadLine()
		}
		if err != nil {
			return
		}
	}

	c.conn.Send(protocol.NewQueryResponse(q, answer))
}

func (c *Client) printCommandResponse(m *protocol.CommandResponseMessage) {
	switch m.Status {
	case protocol.StatusSuccess:
		if m.Message != "" {
			c.term.Print(m.Message)
		}
	case protocol.StatusInvalidArgument:
		if m.Message != "" {
			c.term.Print("Command failed: " + m.Message)
		} else {
			c.term.Print("Command failed: invalid argument")
		}
	case protocol.StatusUnknownCommand:
		c.term.Print("Unknown command")
	case protocol.StatusNotPermitted:
		c.term.Print("Command not permitted.")
	default:
		c.term.Print("Unknown command status received")
	}
}
