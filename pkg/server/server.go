// Package server implements the control-channel daemon: a broker accepting
// operator connections, per-connection handler contexts, and the session
// registry tying them together.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/lbot/streambot/pkg/auth"
	"github.com/lbot/streambot/pkg/command"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// EnableDebugLogging routes debug output to w.
func EnableDebugLogging(w io.Writer) {
	debugLog = log.New(w, "DEBUG: ", log.LstdFlags)
}

var ErrNoActiveSession = errors.New("user has no active session")

// Server owns the listening socket and the set of live connection
// handlers. One control protocol, one listener.
type Server struct {
	config   Config
	auth     auth.Authenticator
	commands *command.Table
	registry *SessionRegistry
	metrics  *Metrics

	listener net.Listener
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// every live handler, including those still in the handshake; the
	// registry only knows authenticated ones
	handlersMu sync.Mutex
	handlers   map[*ClientContext]struct{}
}

// NewServer creates a server. The command table must be fully populated
// before Start; it is shared read-only by all connections.
func NewServer(config Config, authenticator auth.Authenticator, commands *command.Table) *Server {
	return &Server{
		config:   config,
		auth:     authenticator,
		commands: commands,
		registry: NewSessionRegistry(),
		metrics:  NewMetrics(),
		shutdown: make(chan struct{}),
		handlers: make(map[*ClientContext]struct{}),
	}
}

// Registry exposes the session registry (for inspection and tests).
func (s *Server) Registry() *SessionRegistry { return s.registry }

// Start binds the listener and begins accepting connections. Non-blocking;
// use Stop for teardown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	log.Printf("Control channel listening on %s", listener.Addr())

	if s.config.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				fmt.Fprintln(w, "ok")
			})
			log.Printf("Metrics listening on %s (internal only)", s.config.MetricsAddr)
			if err := http.ListenAndServe(s.config.MetricsAddr, mux); err != nil {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listen address (useful with ":0").
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop accepts connections until shutdown. Handler teardown never
// blocks this loop: contexts deregister themselves and the broker only
// joins them during Stop via the WaitGroup.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.metrics.RecordConnection()
		debugLog.Printf("New connection from %s", conn.RemoteAddr())

		ctx := newClientContext(s, conn)
		s.trackHandler(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackHandler(ctx)
			ctx.run()
		}()
	}
}

func (s *Server) trackHandler(c *ClientContext) {
	s.handlersMu.Lock()
	s.handlers[c] = struct{}{}
	s.handlersMu.Unlock()
}

func (s *Server) untrackHandler(c *ClientContext) {
	s.handlersMu.Lock()
	delete(s.handlers, c)
	s.handlersMu.Unlock()
}

// Stop gracefully shuts the server down: stop accepting, force-close every
// live handler, then wait for all of them to unwind. Safe to call more
// than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Control channel shutdown initiated...")

		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		// the handler set covers connections still in the handshake, which
		// the registry cannot see yet
		s.handlersMu.Lock()
		for ctx := range s.handlers {
			ctx.ForceDisconnect()
		}
		s.handlersMu.Unlock()

		s.wg.Wait()

		log.Println("Control channel shutdown complete")
	})
	return nil
}

// PushOpenBrowserURL asks the most recently active session of the given
// user to open a URL. Used by auth flows living outside the protocol core.
func (s *Server) PushOpenBrowserURL(username, url string) error {
	cookies := s.registry.ActiveCookiesFor(username)
	if len(cookies) == 0 {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, username)
	}

	ctx, ok := s.registry.Lookup(cookies[0])
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, username)
	}
	return ctx.PushOpenBrowserURL(url)
}

// Notify pushes a notification to every active session of the given user.
func (s *Server) Notify(username, text string) error {
	cookies := s.registry.ActiveCookiesFor(username)
	if len(cookies) == 0 {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, username)
	}

	for _, cookie := range cookies {
		if ctx, ok := s.registry.Lookup(cookie); ok {
			ctx.Message(text)
		}
	}
	return nil
}
