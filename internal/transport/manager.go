package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/events"
	"github.com/unidesk/supportchat-client/internal/proto"
)

var (
	// ErrNotConnected is reported when Send is called without an open
	// connection. Sends are at-most-once; the caller decides whether to retry.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectFailed is reported when a dial attempt does not produce a
	// usable connection.
	ErrConnectFailed = errors.New("transport connect failed")
)

// CredentialSource resolves the credentials attached to a dial. Implemented
// by the session resolver.
type CredentialSource interface {
	BearerToken() (string, error)
	GuestSessionID() (string, error)
}

// Options bound the reconnect behavior of a Manager.
type Options struct {
	URL         string
	MaxAttempts int
	Backoff     time.Duration
	BackoffCap  time.Duration
}

// Manager owns the single live transport connection. All other components
// interact with the transport only through Send and the event registry; none
// of them ever hold the connection handle.
type Manager struct {
	opts  Options
	creds CredentialSource
	bus   *events.Registry
	log   *zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	mode     AuthMode
	attempts int
	gen      uint64
	ready    chan struct{}
}

// NewManager builds a disconnected manager.
func NewManager(opts Options, creds CredentialSource, bus *events.Registry, logger *zerolog.Logger) *Manager {
	return &Manager{
		opts:  opts,
		creds: creds,
		bus:   bus,
		log:   logger,
		state: StateDisconnected,
		ready: make(chan struct{}),
	}
}

// State reports the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode reports the auth mode of the current or last connection.
func (m *Manager) Mode() AuthMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Connect opens the transport under the given auth mode. Idempotent: if the
// connection is already open under the same mode it is returned unchanged. A
// mode switch always tears the old connection down first so a socket
// authenticated as guest is never reused after login.
func (m *Manager) Connect(ctx context.Context, mode AuthMode) error {
	m.mu.Lock()
	if m.state == StateConnected && m.mode == mode {
		m.mu.Unlock()
		return nil
	}
	m.teardownLocked(websocket.StatusNormalClosure, "switching connection")
	m.state = StateConnecting
	m.mode = mode
	m.attempts = 0
	gen := m.gen
	m.mu.Unlock()

	conn, err := m.dial(ctx, mode)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	m.adopt(gen, conn)
	return nil
}

// Disconnect tears the transport down and resets the attempt counter.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.teardownLocked(websocket.StatusNormalClosure, "client disconnect")
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	m.bus.Publish(proto.EventDisconnected, nil)
}

// Send emits one event over the transport. When not connected it logs a
// warning and reports ErrNotConnected instead of panicking; delivery is
// at-most-once and the caller owns any retry.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		m.log.Warn().Str("event", event).Msg("send dropped: transport not connected")
		return ErrNotConnected
	}

	env, err := proto.Marshal(event, payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, env); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("transport write failed")
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// WaitConnected blocks until the connection is ready or ctx expires. The
// readiness channel is resolved by state transition, so callers never poll.
func (m *Manager) WaitConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	ready := m.ready
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
	}
}

func (m *Manager) dial(ctx context.Context, mode AuthMode) (*websocket.Conn, error) {
	header := http.Header{}
	switch mode {
	case AuthUser:
		token, err := m.creds.BearerToken()
		if err != nil {
			return nil, fmt.Errorf("resolve bearer token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	case AuthGuest:
		sessionID, err := m.creds.GuestSessionID()
		if err != nil {
			return nil, fmt.Errorf("resolve guest session: %w", err)
		}
		header.Set("X-Guest-Session", sessionID)
	}

	conn, _, err := websocket.Dial(ctx, m.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// adopt installs a freshly dialed connection and starts its read loop.
func (m *Manager) adopt(gen uint64, conn *websocket.Conn) {
	m.mu.Lock()
	if m.gen != gen {
		// A Disconnect or newer Connect raced us; this socket is stale.
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	close(m.ready)
	m.mu.Unlock()

	m.log.Info().Str("mode", m.Mode().String()).Msg("transport connected")
	m.bus.Publish(proto.EventConnected, nil)

	go m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			m.handleReadError(gen, err)
			return
		}
		m.bus.Publish(env.Event, env.Data)
	}
}

// handleReadError runs the bounded reconnect path. Past the attempt ceiling
// the manager settles in a terminal disconnected state; the next
// user-initiated Connect starts a fresh cycle.
func (m *Manager) handleReadError(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen {
		// The connection was torn down deliberately; nothing to recover.
		m.mu.Unlock()
		return
	}
	m.gen++
	gen = m.gen
	m.conn = nil
	m.state = StateConnecting
	m.ready = make(chan struct{})
	mode := m.mode
	m.mu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		m.log.Info().Msg("transport closed by server")
	} else {
		m.log.Warn().Err(err).Msg("transport read failed, reconnecting")
	}
	m.bus.Publish(proto.EventDisconnected, nil)

	for {
		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return
		}
		m.attempts++
		attempt := m.attempts
		if attempt > m.opts.MaxAttempts {
			m.state = StateDisconnected
			m.mu.Unlock()
			m.log.Warn().Int("attempts", attempt-1).Msg("reconnect ceiling reached, giving up")
			return
		}
		m.mu.Unlock()

		time.Sleep(m.backoff(attempt))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, dialErr := m.dial(ctx, mode)
		cancel()
		if dialErr != nil {
			m.log.Warn().Err(dialErr).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		m.adopt(gen, conn)
		return
	}
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.opts.Backoff * time.Duration(attempt)
	if d > m.opts.BackoffCap {
		return m.opts.BackoffCap
	}
	return d
}

// teardownLocked closes the current connection, invalidates its read loop and
// resets readiness. Callers hold m.mu.
func (m *Manager) teardownLocked(status websocket.StatusCode, reason string) {
	m.gen++
	if m.conn != nil {
		_ = m.conn.Close(status, reason)
		m.conn = nil
	}
	if m.state == StateConnected {
		m.ready = make(chan struct{})
	}
}
