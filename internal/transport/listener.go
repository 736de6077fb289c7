package transport

import (
	"fmt"
	"net"
	"sync"
)

// Listener accepts accessory connections and attaches a Session to each.
// Sessions are tracked by remote address so the pair-verify handler can
// locate a connection's session when the handshake completes; they
// deregister themselves on close, on every exit path. Listener is a
// drop-in net.Listener for the upper request server.
type Listener struct {
	ln net.Listener

	mu       sync.Mutex
	sessions map[string]*Session
}

// Listen starts a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return NewListener(ln), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener) *Listener {
	return &Listener{
		ln:       ln,
		sessions: make(map[string]*Session),
	}
}

// Accept waits for the next connection and wraps it in a fresh insecure
// session.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	s := NewSession(conn)
	key := conn.RemoteAddr().String()
	s.onClose = func() {
		l.mu.Lock()
		delete(l.sessions, key)
		l.mu.Unlock()
		tlog.Debug("connection closed", "remote", key)
	}

	l.mu.Lock()
	l.sessions[key] = s
	l.mu.Unlock()
	tlog.Debug("connection open", "remote", key)
	return s, nil
}

// Session returns the live session for a connection's remote address.
func (l *Listener) Session(remoteAddr string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[remoteAddr]
	return s, ok
}

// Count returns the number of live sessions.
func (l *Listener) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting and tears down every live session.
func (l *Listener) Close() error {
	err := l.ln.Close()

	l.mu.Lock()
	open := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		open = append(open, s)
	}
	l.mu.Unlock()

	// Session.Close deregisters via onClose; don't hold the lock here.
	for _, s := range open {
		_ = s.Close()
	}
	return err
}
