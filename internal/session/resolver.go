package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/store"
	"github.com/unidesk/supportchat-client/internal/transport"
)

// ErrSessionCreation is reported when the guest session REST call fails. No
// partial state is retained.
var ErrSessionCreation = errors.New("guest session creation failed")

// ErrNoCredentials is reported when the transport asks for credentials the
// resolver does not hold.
var ErrNoCredentials = errors.New("no credentials for current identity")

// End reasons passed to EndSession.
const (
	ReasonManual     = "manual_disconnect"
	ReasonInactivity = "inactivity_timeout"
	ReasonUnload     = "page_unload"
	ReasonLogin      = "login"
)

// Mode is the resolved actor kind.
type Mode int

const (
	ModeNone Mode = iota
	ModeUser
	ModeGuest
)

// String returns the string representation of a Mode.
func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeGuest:
		return "guest"
	default:
		return "none"
	}
}

// Identity is the active actor as seen by the rest of the client.
type Identity struct {
	Mode     Mode
	UserID   string
	UserName string
	Guest    *store.GuestSession
}

// AuthMode maps the identity onto the transport's auth mode.
func (id Identity) AuthMode() transport.AuthMode {
	switch id.Mode {
	case ModeUser:
		return transport.AuthUser
	case ModeGuest:
		return transport.AuthGuest
	default:
		return transport.AuthNone
	}
}

// SessionAPI is the slice of the REST client the resolver uses.
type SessionAPI interface {
	CreateGuestSession(ctx context.Context, profile rest.GuestProfile) (*rest.GuestSessionInfo, error)
	EndGuestSession(ctx context.Context, sessionID string) error
	SetBearer(token string)
	SetGuestSession(sessionID string)
	ClearAuth()
}

// Conn is the slice of the connection manager the resolver uses.
type Conn interface {
	Connect(ctx context.Context, mode transport.AuthMode) error
	Disconnect()
}

// Resolver determines the active actor identity and owns the guest session
// lifecycle, including persistence across restarts and inactivity expiry.
type Resolver struct {
	store      store.Store
	api        SessionAPI
	conn       Conn
	log        *zerolog.Logger
	inactivity time.Duration

	mu       sync.Mutex
	identity Identity
	token    string
	onEnd    func(reason string)
	stop     chan struct{}
}

// NewResolver builds a resolver over durable local state. The connection
// manager is attached afterwards: it needs the resolver as its credential
// source, so the two are wired in stages by the composition root.
func NewResolver(st store.Store, api SessionAPI, inactivity time.Duration, logger *zerolog.Logger) *Resolver {
	if inactivity <= 0 {
		inactivity = 30 * time.Minute
	}
	return &Resolver{
		store:      st,
		api:        api,
		log:        logger,
		inactivity: inactivity,
		identity:   Identity{Mode: ModeNone},
	}
}

// AttachConn installs the connection manager.
func (r *Resolver) AttachConn(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = conn
}

// OnSessionEnd registers a hook invoked after a session is torn down, so the
// synchronizer can drop its in-memory state.
func (r *Resolver) OnSessionEnd(fn func(reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = fn
}

// Resolve restores identity from durable storage. A valid bearer credential
// wins and connects eagerly; a fresh guest session restores lazily, deferring
// the socket until the caller actually chats; otherwise the caller is
// anonymous and idle.
func (r *Resolver) Resolve(ctx context.Context) (Identity, error) {
	cred, err := r.store.LoadCredential(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("load credential: %w", err)
	}
	if cred != nil {
		userID, userName, expired := inspectToken(cred.Token)
		if expired {
			r.log.Info().Msg("stored credential expired, discarding")
			if err := r.store.DeleteCredential(ctx); err != nil {
				r.log.Warn().Err(err).Msg("failed to delete expired credential")
			}
		} else {
			r.mu.Lock()
			r.token = cred.Token
			r.identity = Identity{Mode: ModeUser, UserID: userID, UserName: userName}
			id := r.identity
			r.mu.Unlock()

			r.api.SetBearer(cred.Token)
			if r.conn != nil {
				if err := r.conn.Connect(ctx, transport.AuthUser); err != nil {
					r.log.Warn().Err(err).Msg("eager connect failed, will retry on demand")
				}
			}
			return id, nil
		}
	}

	sess, err := r.store.LoadGuestSession(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("load guest session: %w", err)
	}
	if sess != nil {
		if time.Since(sess.LastActivity) > r.inactivity {
			r.log.Info().Str("session_id", sess.ID).Msg("stored guest session expired, discarding")
			if err := r.store.DeleteGuestSession(ctx); err != nil {
				r.log.Warn().Err(err).Msg("failed to delete expired guest session")
			}
		} else {
			r.mu.Lock()
			r.identity = Identity{Mode: ModeGuest, UserID: sess.ID, UserName: sess.Name, Guest: sess}
			id := r.identity
			r.mu.Unlock()

			// Lazy connect: anonymous visitors who never chat never open a socket.
			r.api.SetGuestSession(sess.ID)
			return id, nil
		}
	}

	r.mu.Lock()
	r.identity = Identity{Mode: ModeNone}
	id := r.identity
	r.mu.Unlock()
	return id, nil
}

// Identity returns the current identity.
func (r *Resolver) Identity() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// CreateGuestSession opens an anonymous session, persists it, and switches
// the active identity to guest. A prior guest session is invalidated first.
func (r *Resolver) CreateGuestSession(ctx context.Context, profile rest.GuestProfile) (*store.GuestSession, error) {
	r.mu.Lock()
	prior := r.identity.Guest
	r.mu.Unlock()
	if prior != nil {
		if err := r.api.EndGuestSession(ctx, prior.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", prior.ID).Msg("failed to end prior guest session")
		}
	}

	info, err := r.api.CreateGuestSession(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}

	now := time.Now()
	sess := store.GuestSession{
		ID:           info.SessionID,
		Name:         profile.Name,
		Email:        profile.Email,
		Subject:      profile.Subject,
		CreatedAt:    info.CreatedAt,
		LastActivity: now,
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if err := r.store.SaveGuestSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist guest session: %w", err)
	}

	r.mu.Lock()
	r.identity = Identity{Mode: ModeGuest, UserID: sess.ID, UserName: sess.Name, Guest: &sess}
	r.mu.Unlock()

	r.api.SetGuestSession(sess.ID)
	return &sess, nil
}

// Login installs a bearer credential, invalidating any active guest session.
// The transport reconnects under the new identity; the guest socket is never
// reused.
func (r *Resolver) Login(ctx context.Context, token string) error {
	r.mu.Lock()
	guest := r.identity.Guest
	r.mu.Unlock()
	if guest != nil {
		r.endSession(ctx, ReasonLogin)
	}

	if err := r.store.SaveCredential(ctx, store.Credential{Token: token, SavedAt: time.Now()}); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}

	userID, userName, expired := inspectToken(token)
	if expired {
		return errors.New("credential is already expired")
	}

	r.mu.Lock()
	r.token = token
	r.identity = Identity{Mode: ModeUser, UserID: userID, UserName: userName}
	r.mu.Unlock()

	r.api.SetBearer(token)
	if r.conn == nil {
		return nil
	}
	return r.conn.Connect(ctx, transport.AuthUser)
}

// EndSession invalidates the current identity: guest state is cleared
// remotely and locally, the transport disconnects, and the end hook fires.
func (r *Resolver) EndSession(ctx context.Context, reason string) {
	r.endSession(ctx, reason)
}

func (r *Resolver) endSession(ctx context.Context, reason string) {
	r.mu.Lock()
	id := r.identity
	r.identity = Identity{Mode: ModeNone}
	r.token = ""
	onEnd := r.onEnd
	r.mu.Unlock()

	if id.Guest != nil {
		if err := r.api.EndGuestSession(ctx, id.Guest.ID); err != nil {
			r.log.Warn().Err(err).Str("session_id", id.Guest.ID).Msg("remote guest session end failed")
		}
		if err := r.store.DeleteGuestSession(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to delete guest session")
		}
	}
	if id.Mode == ModeUser {
		if err := r.store.DeleteCredential(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to delete credential")
		}
	}

	r.api.ClearAuth()
	if r.conn != nil {
		r.conn.Disconnect()
	}
	r.log.Info().Str("reason", reason).Str("mode", id.Mode.String()).Msg("session ended")

	if onEnd != nil {
		onEnd(reason)
	}
}

// RecordActivity bumps the guest last-activity timestamp. Called on any user
// interaction with the chat surface; expiry is evaluated by the periodic
// watch, not by restarting a timer per keystroke.
func (r *Resolver) RecordActivity(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	guest := r.identity.Guest
	if guest != nil {
		guest.LastActivity = now
	}
	r.mu.Unlock()

	if guest == nil {
		return
	}
	if err := r.store.TouchGuestActivity(ctx, now); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist guest activity")
	}
}

// StartExpiryWatch runs a single periodic check that ends the guest session
// after the inactivity threshold. Returns a stop function.
func (r *Resolver) StartExpiryWatch(interval time.Duration) func() {
	if interval <= 0 {
		interval = time.Minute
	}

	r.mu.Lock()
	if r.stop != nil {
		stop := r.stop
		r.mu.Unlock()
		return func() { close(stop) }
	}
	stop := make(chan struct{})
	r.stop = stop
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.checkExpiry()
			}
		}
	}()

	return func() {
		close(stop)
		r.mu.Lock()
		r.stop = nil
		r.mu.Unlock()
	}
}

func (r *Resolver) checkExpiry() {
	r.mu.Lock()
	guest := r.identity.Guest
	var idle time.Duration
	if guest != nil {
		idle = time.Since(guest.LastActivity)
	}
	r.mu.Unlock()

	if guest == nil || idle <= r.inactivity {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.endSession(ctx, ReasonInactivity)
}

// BearerToken implements transport.CredentialSource.
func (r *Resolver) BearerToken() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return "", ErrNoCredentials
	}
	return r.token, nil
}

// GuestSessionID implements transport.CredentialSource.
func (r *Resolver) GuestSessionID() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.Guest == nil {
		return "", ErrNoCredentials
	}
	return r.identity.Guest.ID, nil
}

// inspectToken extracts identity claims and expiry from a stored bearer
// token. The signature is the server's to verify; locally only the expiry
// matters for mode selection.
func inspectToken(token string) (userID, userName string, expired bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", "", true
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if time.Now().After(exp.Time) {
			return "", "", true
		}
	}

	if v, ok := claims["user_id"].(string); ok {
		userID = v
	} else if v, ok := claims["sub"].(string); ok {
		userID = v
	}
	if v, ok := claims["username"].(string); ok {
		userName = v
	}
	return userID, userName, false
}
