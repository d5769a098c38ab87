package session

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/store"
	"github.com/unidesk/supportchat-client/internal/store/sqlite"
	"github.com/unidesk/supportchat-client/internal/transport"
)

type fakeSessionAPI struct {
	mu          sync.Mutex
	createErr   error
	nextID      int
	created     []rest.GuestProfile
	ended       []string
	bearer      string
	guestID     string
	authCleared int
}

func (f *fakeSessionAPI) CreateGuestSession(_ context.Context, profile rest.GuestProfile) (*rest.GuestSessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created = append(f.created, profile)
	return &rest.GuestSessionInfo{SessionID: "guest-" + strconv.Itoa(f.nextID), CreatedAt: time.Now()}, nil
}

func (f *fakeSessionAPI) EndGuestSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeSessionAPI) SetBearer(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bearer = token
}

func (f *fakeSessionAPI) SetGuestSession(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guestID = sessionID
}

func (f *fakeSessionAPI) ClearAuth() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bearer = ""
	f.guestID = ""
	f.authCleared++
}

type fakeConn struct {
	mu          sync.Mutex
	connects    []transport.AuthMode
	disconnects int
}

func (f *fakeConn) Connect(_ context.Context, mode transport.AuthMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, mode)
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func testLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func testStore(t *testing.T) store.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  "u-42",
		"username": "pat",
		"exp":      exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestResolver(t *testing.T, st store.Store, inactivity time.Duration) (*Resolver, *fakeSessionAPI, *fakeConn) {
	t.Helper()
	api := &fakeSessionAPI{}
	conn := &fakeConn{}
	r := NewResolver(st, api, inactivity, testLogger())
	r.AttachConn(conn)
	return r, api, conn
}

func TestResolveEmptyStoreIsAnonymous(t *testing.T) {
	r, _, conn := newTestResolver(t, testStore(t), time.Hour)

	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Mode != ModeNone {
		t.Fatalf("mode = %s, want none", id.Mode)
	}
	if len(conn.connects) != 0 {
		t.Fatal("anonymous resolve opened a connection")
	}
}

func TestResolveValidCredentialConnectsEagerly(t *testing.T) {
	st := testStore(t)
	token := mintToken(t, time.Now().Add(time.Hour))
	if err := st.SaveCredential(context.Background(), store.Credential{Token: token, SavedAt: time.Now()}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	r, api, conn := newTestResolver(t, st, time.Hour)
	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Mode != ModeUser || id.UserID != "u-42" || id.UserName != "pat" {
		t.Fatalf("identity = %+v, want user u-42/pat", id)
	}
	if api.bearer != token {
		t.Fatal("bearer not installed on rest client")
	}
	if len(conn.connects) != 1 || conn.connects[0] != transport.AuthUser {
		t.Fatalf("connects = %v, want one user connect", conn.connects)
	}
	if got, err := r.BearerToken(); err != nil || got != token {
		t.Fatalf("BearerToken = %q, %v", got, err)
	}
}

func TestResolveExpiredCredentialIsDiscarded(t *testing.T) {
	st := testStore(t)
	token := mintToken(t, time.Now().Add(-time.Hour))
	if err := st.SaveCredential(context.Background(), store.Credential{Token: token, SavedAt: time.Now()}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	r, _, _ := newTestResolver(t, st, time.Hour)
	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Mode != ModeNone {
		t.Fatalf("mode = %s, want none after expiry", id.Mode)
	}
	if cred, _ := st.LoadCredential(context.Background()); cred != nil {
		t.Fatal("expired credential still stored")
	}
}

func TestGuestSessionSurvivesRestart(t *testing.T) {
	st := testStore(t)

	r, api, conn := newTestResolver(t, st, time.Hour)
	sess, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{
		Name: "Nguyen Van A", Email: "a@example.com", Subject: "Billing question",
	})
	if err != nil {
		t.Fatalf("create guest session: %v", err)
	}
	if api.guestID != sess.ID {
		t.Fatal("guest session not installed on rest client")
	}
	if len(conn.connects) != 0 {
		t.Fatal("guest creation opened a socket before any chat")
	}

	// Simulated page reload: a fresh resolver over the same store.
	r2, api2, conn2 := newTestResolver(t, st, time.Hour)
	id, err := r2.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve after restart: %v", err)
	}
	if id.Mode != ModeGuest || id.Guest == nil || id.Guest.ID != sess.ID {
		t.Fatalf("identity after restart = %+v, want guest %s", id, sess.ID)
	}
	if api2.guestID != sess.ID {
		t.Fatal("restored guest not installed on rest client")
	}
	// Restore stays lazy, the socket waits for the first chat action.
	if len(conn2.connects) != 0 {
		t.Fatal("restore opened a socket eagerly")
	}
	if got, err := r2.GuestSessionID(); err != nil || got != sess.ID {
		t.Fatalf("GuestSessionID = %q, %v", got, err)
	}
}

func TestResolveStaleGuestSessionIsDiscarded(t *testing.T) {
	st := testStore(t)
	old := time.Now().Add(-2 * time.Hour)
	if err := st.SaveGuestSession(context.Background(), store.GuestSession{
		ID: "guest-old", Name: "A", CreatedAt: old, LastActivity: old,
	}); err != nil {
		t.Fatalf("seed guest session: %v", err)
	}

	r, _, _ := newTestResolver(t, st, 30*time.Minute)
	id, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.Mode != ModeNone {
		t.Fatalf("mode = %s, want none for stale guest", id.Mode)
	}
	if sess, _ := st.LoadGuestSession(context.Background()); sess != nil {
		t.Fatal("stale guest session still stored")
	}
}

func TestCreateGuestSessionFailureLeavesNoState(t *testing.T) {
	st := testStore(t)
	r, api, _ := newTestResolver(t, st, time.Hour)
	api.createErr = errors.New("503")

	_, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{Name: "A"})
	if !errors.Is(err, ErrSessionCreation) {
		t.Fatalf("err = %v, want ErrSessionCreation", err)
	}
	if r.Identity().Mode != ModeNone {
		t.Fatal("failed creation changed identity")
	}
	if sess, _ := st.LoadGuestSession(context.Background()); sess != nil {
		t.Fatal("failed creation persisted a session")
	}
}

func TestEndSessionClearsEverything(t *testing.T) {
	st := testStore(t)
	r, api, conn := newTestResolver(t, st, time.Hour)

	sess, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{Name: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var endedReason string
	r.OnSessionEnd(func(reason string) { endedReason = reason })

	r.EndSession(context.Background(), ReasonManual)

	if r.Identity().Mode != ModeNone {
		t.Fatal("identity survives end")
	}
	if got, _ := st.LoadGuestSession(context.Background()); got != nil {
		t.Fatal("guest session survives end")
	}
	if len(api.ended) != 1 || api.ended[0] != sess.ID {
		t.Fatalf("remote end calls = %v, want [%s]", api.ended, sess.ID)
	}
	if api.authCleared != 1 || conn.disconnects != 1 {
		t.Fatalf("auth cleared %d, disconnects %d, want 1 and 1", api.authCleared, conn.disconnects)
	}
	if endedReason != ReasonManual {
		t.Fatalf("end reason = %q, want %q", endedReason, ReasonManual)
	}
	if _, err := r.GuestSessionID(); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("GuestSessionID after end = %v, want ErrNoCredentials", err)
	}
}

func TestLoginInvalidatesGuestSession(t *testing.T) {
	st := testStore(t)
	r, api, conn := newTestResolver(t, st, time.Hour)

	sess, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{Name: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	token := mintToken(t, time.Now().Add(time.Hour))
	if err := r.Login(context.Background(), token); err != nil {
		t.Fatalf("login: %v", err)
	}

	id := r.Identity()
	if id.Mode != ModeUser || id.UserID != "u-42" {
		t.Fatalf("identity after login = %+v, want user u-42", id)
	}
	if len(api.ended) != 1 || api.ended[0] != sess.ID {
		t.Fatalf("guest not ended on login: %v", api.ended)
	}
	if got, _ := st.LoadGuestSession(context.Background()); got != nil {
		t.Fatal("guest session survives login")
	}
	// The guest socket is torn down, then a user socket comes up.
	if conn.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", conn.disconnects)
	}
	if len(conn.connects) != 1 || conn.connects[0] != transport.AuthUser {
		t.Fatalf("connects = %v, want one user connect", conn.connects)
	}
	if cred, _ := st.LoadCredential(context.Background()); cred == nil || cred.Token != token {
		t.Fatal("credential not persisted")
	}
}

func TestExpiryWatchEndsIdleGuest(t *testing.T) {
	st := testStore(t)
	r, api, _ := newTestResolver(t, st, 30*time.Millisecond)

	if _, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{Name: "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var mu sync.Mutex
	var reason string
	r.OnSessionEnd(func(why string) {
		mu.Lock()
		reason = why
		mu.Unlock()
	})

	stop := r.StartExpiryWatch(10 * time.Millisecond)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := reason != ""
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if reason != ReasonInactivity {
		t.Fatalf("end reason = %q, want %q", reason, ReasonInactivity)
	}
	api.mu.Lock()
	ended := len(api.ended)
	api.mu.Unlock()
	if ended != 1 {
		t.Fatalf("remote end calls = %d, want 1", ended)
	}
}

func TestRecordActivityDefersExpiry(t *testing.T) {
	st := testStore(t)
	r, _, _ := newTestResolver(t, st, time.Hour)

	if _, err := r.CreateGuestSession(context.Background(), rest.GuestProfile{Name: "A"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	before, _ := st.LoadGuestSession(context.Background())
	time.Sleep(10 * time.Millisecond)
	r.RecordActivity(context.Background())
	after, _ := st.LoadGuestSession(context.Background())

	if before == nil || after == nil {
		t.Fatal("guest session missing")
	}
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatalf("last activity not bumped: %v -> %v", before.LastActivity, after.LastActivity)
	}
}
