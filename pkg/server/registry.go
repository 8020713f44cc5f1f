package server

import (
	"errors"
	"sync"
)

var ErrDuplicateSession = errors.New("session cookie already registered")

// SessionRegistry maps session cookies to live connection contexts, plus a
// secondary index from username to that user's active cookies
// (most-recent-first). Handlers register themselves after authentication
// and unregister on teardown; the registry holds non-owning references and
// never blocks on connection I/O.
type SessionRegistry struct {
	mu       sync.Mutex
	byCookie map[string]*ClientContext
	byUser   map[string][]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byCookie: make(map[string]*ClientContext),
		byUser:   make(map[string][]string),
	}
}

// Register adds a context under its cookie. A colliding cookie is
// practically unreachable given cookie entropy, but it is still an error.
func (r *SessionRegistry) Register(ctx *ClientContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byCookie[ctx.cookie]; ok {
		return ErrDuplicateSession
	}
	r.byCookie[ctx.cookie] = ctx
	r.byUser[ctx.username] = append([]string{ctx.cookie}, r.byUser[ctx.username]...)
	return nil
}

// Lookup returns the context registered under cookie.
func (r *SessionRegistry) Lookup(cookie string) (*ClientContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.byCookie[cookie]
	return ctx, ok
}

// Unregister removes a cookie from both indices. Unknown cookies are a
// no-op so teardown paths can call it unconditionally.
func (r *SessionRegistry) Unregister(cookie string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.byCookie[cookie]
	if !ok {
		return
	}
	delete(r.byCookie, cookie)

	cookies := r.byUser[ctx.username]
	for i, c := range cookies {
		if c == cookie {
			cookies = append(cookies[:i], cookies[i+1:]...)
			break
		}
	}
	if len(cookies) == 0 {
		delete(r.byUser, ctx.username)
	} else {
		r.byUser[ctx.username] = cookies
	}
}

// ActiveCookiesFor returns the user's active session cookies, newest
// first. Empty if the user has no live sessions.
func (r *SessionRegistry) ActiveCookiesFor(username string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cookies := r.byUser[username]
	out := make([]string, len(cookies))
	copy(out, cookies)
	return out
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byCookie)
}

// CloseAll force-disconnects every registered context. Note this only
// reaches authenticated sessions; the broker tracks handlers still in the
// handshake itself.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	contexts := make([]*ClientContext, 0, len(r.byCookie))
	for _, ctx := range r.byCookie {
		contexts = append(contexts, ctx)
	}
	r.mu.Unlock()

	// outside the lock: ForceDisconnect touches sockets
	for _, ctx := range contexts {
		ctx.ForceDisconnect()
	}
}
