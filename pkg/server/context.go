package server

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lbot/streambot/pkg/auth"
	"github.com/lbot/streambot/pkg/command"
	"github.com/lbot/streambot/pkg/protocol"
)

const cookieSize = 32 // bytes of cookie entropy, hex-rendered to 64 chars

var (
	ErrQueryInProgress  = errors.New("a query is already in progress on this connection")
	ErrQueryTimeout     = errors.New("timed out waiting for query response")
	ErrConnectionClosed = errors.New("connection closed")
)

// pendingQuery is the single in-flight interactive query slot.
type pendingQuery struct {
	msgID string
	ch    chan *protocol.QueryResponseMessage
}

// ClientContext is the server side of one control connection: it drives the
// login handshake, the heartbeat, command dispatch and query correlation,
// and implements command.Proxy for the commands it runs. All per-connection
// state is owned by this context; the registry only keeps a reference for
// lookup and forced teardown.
type ClientContext struct {
	srv  *Server
	conn *SafeConn

	cookie      string
	session     *protocol.Session
	username    string // login username, fixed after handshake
	logPreamble string

	// guards currentUser, permLevel, pingChallenge, pending
	mu            sync.Mutex
	currentUser   string
	permLevel     auth.PermissionLevel
	pingChallenge string
	pending       *pendingQuery

	pingTimer *time.Timer

	incoming  chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newCookie() string {
	buf := make([]byte, cookieSize)
	rand.Read(buf)
	return strings.ToUpper(hex.EncodeToString(buf))
}

func newClientContext(srv *Server, conn net.Conn) *ClientContext {
	cookie := newCookie()
	c := &ClientContext{
		srv:         srv,
		conn:        NewSafeConn(conn),
		cookie:      cookie,
		session:     &protocol.Session{Cookie: cookie},
		logPreamble: fmt.Sprintf("ctx[%s]: ", cookie[:8]),
		permLevel:   auth.LevelNone,
		incoming:    make(chan protocol.Message, 16),
		done:        make(chan struct{}),
	}
	// created stopped so the field is settled before any other goroutine
	// can reach this context; run arms it after the handshake
	c.pingTimer = time.AfterFunc(time.Hour, c.sendPing)
	c.pingTimer.Stop()
	return c
}

// Cookie returns the session cookie assigned to this connection.
func (c *ClientContext) Cookie() string { return c.cookie }

// Username returns the login username (empty before authentication).
func (c *ClientContext) Username() string { return c.username }

func (c *ClientContext) logf(format string, args ...interface{}) {
	debugLog.Printf(c.logPreamble+format, args...)
}

func (c *ClientContext) errorf(format string, args ...interface{}) {
	errorLog.Printf(c.logPreamble+format, args...)
}

// shutdown releases the socket and every blocking wait tied to this
// connection. Safe to call from any goroutine, any number of times.
func (c *ClientContext) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// ForceDisconnect tears the connection down from outside (registry
// CloseAll, broker shutdown). The handler goroutine unwinds on its own.
func (c *ClientContext) ForceDisconnect() {
	c.shutdown()
}

// run drives the connection through its whole lifecycle. Invoked on a
// dedicated goroutine by the broker; on return the context has fully
// unwound and deregistered.
func (c *ClientContext) run() {
	defer c.teardown()

	if !c.handshake() {
		return
	}

	c.pingTimer.Reset(c.srv.config.PingIdle)

	go c.readLoop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.incoming:
			if !c.handleMessage(msg) {
				return
			}
		}
	}
}

func (c *ClientContext) teardown() {
	c.shutdown()
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	if c.username != "" {
		c.srv.registry.Unregister(c.cookie)
		c.srv.metrics.RecordSessionCount(c.srv.registry.Count())
	}
	c.logf("Disconnected")
}

// handshake reads exactly one message, which must be a structurally valid
// Login, and resolves it against the authentication oracle. A malformed
// login is silently fatal; a failed authentication gets a paced error
// response. Returns true once the session is registered and confirmed.
func (c *ClientContext) handshake() bool {
	c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
	frame, err := c.conn.ReadFrame()
	if err != nil {
		c.logf("Handshake read failed: %v", err)
		return false
	}

	if frame.Type != protocol.TypeLogin {
		c.errorf("First message was %s, not Login - disconnecting", protocol.TypeName(frame.Type))
		return false
	}

	login := &protocol.LoginMessage{}
	if err := login.Decode(frame.Payload); err != nil {
		c.errorf("Malformed login message: %v", err)
		return false
	}
	if login.Session != nil || !protocol.ValidMsgID(login.MsgID) ||
		login.User == "" || login.PasswordHashB64 == "" {
		c.errorf("Malformed login message received")
		return false
	}

	pwdHash, err := base64.StdEncoding.DecodeString(login.PasswordHashB64)
	if err != nil {
		c.errorf("Login password hash is not valid base64")
		return false
	}

	level, authErr := c.srv.auth.Authenticate(login.User, pwdHash)
	if authErr != nil || level == auth.LevelNone {
		reason := "access denied"
		if authErr != nil {
			reason = authErr.Error()
		}
		c.errorf("Login failed for user %s - %s", login.User, reason)
		c.srv.metrics.RecordAuthFailure()

		// pacing happens before the failure is observable on the wire
		time.Sleep(c.srv.config.LoginFailureDelay)
		c.send(protocol.NewLoginResponseError(login, reason))
		return false
	}

	c.username = login.User
	c.mu.Lock()
	c.permLevel = level
	c.mu.Unlock()

	if err := c.srv.registry.Register(c); err != nil {
		c.errorf("Failed to register session: %v", err)
		return false
	}
	c.srv.metrics.RecordSessionCount(c.srv.registry.Count())

	if err := c.send(protocol.NewLoginResponseOK(login, c.session)); err != nil {
		return false
	}
	if err := c.SetCurrentUser(login.User); err != nil {
		return false
	}

	c.logf("Logged in as %s (%s)", login.User, level)
	return true
}

// readLoop is the single reader for this connection. Heartbeat echoes and
// query responses are resolved here so they reach their waiters even while
// a command blocks the main loop; everything else is handed over in
// receipt order.
func (c *ClientContext) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.srv.config.ReadTimeout))
		frame, err := c.conn.ReadFrame()
		if err != nil {
			select {
			case <-c.done:
				// teardown already in progress
			default:
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					c.errorf("Connection timed out - disconnecting")
				} else {
					c.logf("Connection interrupted: %v", err)
				}
			}
			c.shutdown()
			return
		}

		msg, err := protocol.DecodeMessage(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessageType) {
				// forward compatibility: tolerate and ignore
				c.logf("Ignoring message of unknown type 0x%02X", frame.Type)
				continue
			}
			c.errorf("Failed to decode %s message: %v", protocol.TypeName(frame.Type), err)
			c.shutdown()
			return
		}

		c.srv.metrics.RecordMessage(protocol.TypeName(frame.Type))
		c.logf("Message: %s", protocol.TypeName(frame.Type))

		if !c.validateMessage(msg) {
			c.errorf("Got invalid message - disconnecting")
			c.shutdown()
			return
		}

		switch m := msg.(type) {
		case *protocol.PingResponseMessage:
			if !c.handlePingResponse(m) {
				c.shutdown()
				return
			}
		case *protocol.QueryResponseMessage:
			c.deliverQueryResponse(m)
		default:
			select {
			case c.incoming <- msg:
			case <-c.done:
				return
			}
		}
	}
}

// validateMessage enforces the session invariant: after login, every
// message must carry this connection's cookie, and Login is never accepted
// again.
func (c *ClientContext) validateMessage(msg protocol.Message) bool {
	env := msg.Env()
	return env.Session != nil &&
		env.Session.Cookie == c.cookie &&
		msg.Type() != protocol.TypeLogin
}

// handleMessage processes one message on the handler goroutine. Returns
// false when the connection should close.
func (c *ClientContext) handleMessage(msg protocol.Message) bool {
	switch m := msg.(type) {
	case *protocol.LogoutMessage:
		c.logf("Logout message received - disconnecting")
		return false
	case *protocol.CommandMessage:
		c.handleCommand(m)
		return true
	case *protocol.PasswordChangeMessage:
		c.handlePasswordChange(m)
		return true
	default:
		// accepted but a no-op
		c.logf("Ignoring message of type %s", protocol.TypeName(msg.Type()))
		return true
	}
}

// handlePingResponse validates a heartbeat echo. Runs on the read loop.
// Returns false when the peer must be treated as dead or compromised.
func (c *ClientContext) handlePingResponse(m *protocol.PingResponseMessage) bool {
	c.mu.Lock()
	challenge := c.pingChallenge
	c.pingChallenge = ""
	c.mu.Unlock()

	if challenge == "" {
		c.errorf("Received ping response with no challenge in progress - dropping connection")
		return false
	}
	if m.Challenge != challenge {
		c.errorf("Ping challenge failed - disconnecting")
		c.logf("Ping challenge expected %s, got %s", challenge, m.Challenge)
		return false
	}

	c.logf("Ping challenge successful")
	c.pingTimer.Reset(c.srv.config.PingIdle)
	return true
}

// sendPing fires from the idle timer. A challenge still outstanding from
// the previous fire means the client never echoed it; the connection is
// dead no matter what other traffic it keeps sending.
func (c *ClientContext) sendPing() {
	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	if c.pingChallenge != "" {
		c.mu.Unlock()
		c.errorf("Ping challenge was never answered - disconnecting")
		c.shutdown()
		return
	}
	ping := protocol.NewPing(c.session)
	c.pingChallenge = ping.Challenge
	c.mu.Unlock()

	if c.send(ping) == nil {
		// the echo must arrive before the next fire
		c.pingTimer.Reset(c.srv.config.ReadTimeout)
	}
}

// handleCommand tokenizes, permission-checks and executes one operator
// command, then emits exactly one CommandResponse. Execution happens on
// the handler goroutine, so further messages on this connection wait, but
// interactive query traffic still flows through the read loop.
func (c *ClientContext) handleCommand(m *protocol.CommandMessage) {
	tokens := strings.Fields(m.Command)
	if len(tokens) == 0 {
		c.respondCommand(m, protocol.StatusInvalidArgument, "empty command")
		return
	}

	cmd, ok := c.srv.commands.Lookup(tokens[0])
	if !ok {
		c.respondCommand(m, protocol.StatusUnknownCommand, "")
		return
	}

	c.mu.Lock()
	level := c.permLevel
	c.mu.Unlock()
	if level < cmd.PermissionLevel() {
		c.respondCommand(m, protocol.StatusNotPermitted, "")
		return
	}

	result, err := c.executeCommand(cmd, tokens[1:])
	if err != nil {
		c.logf("Command %s failed: %v", tokens[0], err)
		c.respondCommand(m, protocol.StatusInvalidArgument, err.Error())
		return
	}

	c.respondCommand(m, protocol.StatusSuccess, result)
	c.logf("Processing Command message done")
}

// executeCommand isolates command execution: a panicking command must not
// kill the connection.
func (c *ClientContext) executeCommand(cmd command.Command, args []string) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.errorf("Command panicked: %v", r)
			err = fmt.Errorf("command failed: %v", r)
		}
	}()
	return cmd.Execute(c, args)
}

func (c *ClientContext) respondCommand(m *protocol.CommandMessage, status protocol.CommandStatus, text string) {
	c.srv.metrics.RecordCommand(status.String())
	c.send(protocol.NewCommandResponse(m, status, text))
}

func (c *ClientContext) handlePasswordChange(m *protocol.PasswordChangeMessage) {
	currentHash, err := base64.StdEncoding.DecodeString(m.CurrentPasswordB64)
	if err != nil {
		c.send(protocol.NewPasswordChangeResponse(m, false, "current password hash is not valid base64"))
		return
	}
	newHash, err := base64.StdEncoding.DecodeString(m.NewPasswordB64)
	if err != nil {
		c.send(protocol.NewPasswordChangeResponse(m, false, "new password hash is not valid base64"))
		return
	}

	if err := c.srv.auth.ChangePassword(c.username, currentHash, newHash); err != nil {
		c.errorf("Password change failed for %s: %v", c.username, err)
		c.send(protocol.NewPasswordChangeResponse(m, false, err.Error()))
		return
	}

	c.logf("Password changed for %s", c.username)
	c.send(protocol.NewPasswordChangeResponse(m, true, ""))
}

// deliverQueryResponse routes an operator answer to the command blocked
// waiting for it. Unsolicited or mismatched responses are logged and
// dropped, never fatal.
func (c *ClientContext) deliverQueryResponse(m *protocol.QueryResponseMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil || c.pending.msgID != m.MsgID {
		c.logf("Received query response for a different query than asked - dropping")
		return
	}

	// buffered; never blocks even if the waiter already timed out
	c.pending.ch <- m
	c.pending = nil
}

// send encodes and writes one message, rearming the idle timer: any
// message flowing to the client counts as heartbeat traffic. While a ping
// challenge is outstanding the timer is an answer deadline and outbound
// traffic must not extend it.
func (c *ClientContext) send(msg protocol.Message) error {
	frame, err := protocol.MessageFrame(msg)
	if err != nil {
		c.errorf("Failed to encode %s message: %v", protocol.TypeName(msg.Type()), err)
		return err
	}
	if err := c.conn.EncodeFrame(frame); err != nil {
		c.logf("Failed to send %s message: %v", protocol.TypeName(msg.Type()), err)
		return err
	}

	c.mu.Lock()
	awaitingEcho := c.pingChallenge != ""
	c.mu.Unlock()
	if c.pingTimer != nil && !awaitingEcho {
		c.pingTimer.Reset(c.srv.config.PingIdle)
	}
	return nil
}

// --- command.Proxy implementation ---

// Message implements command.Proxy.
func (c *ClientContext) Message(text string) error {
	return c.send(protocol.NewNotify(c.session, text))
}

// queryRoundTrip sends a Query and blocks the calling goroutine (a running
// command) until the matching response arrives, the bounded wait expires,
// or the connection dies. Only one query may be in flight per connection.
func (c *ClientContext) queryRoundTrip(q *protocol.QueryMessage) (*protocol.QueryResponseMessage, error) {
	pq := &pendingQuery{
		msgID: q.MsgID,
		ch:    make(chan *protocol.QueryResponseMessage, 1),
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrQueryInProgress
	}
	c.pending = pq
	c.mu.Unlock()

	clearSlot := func() {
		c.mu.Lock()
		if c.pending == pq {
			c.pending = nil
		}
		c.mu.Unlock()
	}

	if err := c.send(q); err != nil {
		clearSlot()
		return nil, err
	}

	timer := time.NewTimer(c.srv.config.QueryTimeout)
	defer timer.Stop()

	select {
	case r := <-pq.ch:
		return r, nil
	case <-timer.C:
		c.logf("Timed out waiting for query response")
		c.srv.metrics.RecordQueryTimeout()
		clearSlot()
		return nil, ErrQueryTimeout
	case <-c.done:
		clearSlot()
		return nil, ErrConnectionClosed
	}
}

// Ask implements command.Proxy.
func (c *ClientContext) Ask(text string) (bool, error) {
	r, err := c.queryRoundTrip(protocol.NewQuery(c.session, text, true, false))
	if err != nil {
		return false, err
	}
	if !r.IsYesNo {
		c.logf("Received invalid query response from client")
		return false, nil
	}
	return r.Response == "y", nil
}

// Query implements command.Proxy.
func (c *ClientContext) Query(maskAnswer bool, text string) (string, error) {
	r, err := c.queryRoundTrip(protocol.NewQuery(c.session, text, false, maskAnswer))
	if err != nil {
		return "", err
	}
	if r.IsYesNo {
		c.logf("Received invalid query response from client")
		return "", nil
	}
	return r.Response, nil
}

// CurrentUser implements command.Proxy.
func (c *ClientContext) CurrentUser() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentUser == "" {
		return "", command.ErrNoUserSelected
	}
	return c.currentUser, nil
}

// SetCurrentUser implements command.Proxy.
func (c *ClientContext) SetCurrentUser(name string) error {
	c.mu.Lock()
	c.currentUser = name
	c.mu.Unlock()
	return c.send(protocol.NewCurrentUserChange(c.session, name))
}

// RefreshUserData implements command.Proxy: re-fetches this session's
// authority so permission changes apply mid-session.
func (c *ClientContext) RefreshUserData() {
	c.mu.Lock()
	user := c.currentUser
	c.mu.Unlock()

	level := c.srv.auth.FetchPermissionLevel(user)

	c.mu.Lock()
	c.permLevel = level
	c.mu.Unlock()
}

// PermissionLevel returns the session's current authority.
func (c *ClientContext) PermissionLevel() auth.PermissionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permLevel
}

// PushOpenBrowserURL asks this session's client to open a URL.
func (c *ClientContext) PushOpenBrowserURL(url string) error {
	return c.send(protocol.NewOpenBrowserURL(c.session, url))
}
