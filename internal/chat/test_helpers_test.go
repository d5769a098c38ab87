package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/events"
	"github.com/unidesk/supportchat-client/internal/proto"
	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/transport"
)

func discardLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

type sentEvent struct {
	event   string
	payload any
}

type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	failConnect bool
	sendErr     error
	sent        []sentEvent
	onSend      func(event string, payload any)
}

func (f *fakeTransport) Connect(_ context.Context, _ transport.AuthMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnect {
		return transport.ErrConnectFailed
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) WaitConnected(ctx context.Context) error {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if connected {
		return nil
	}
	return transport.ErrNotConnected
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return transport.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeTransport) State() transport.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

func (f *fakeTransport) sentEvents(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.sent {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeAPI struct {
	mu         sync.Mutex
	rooms      map[string]proto.Room
	history    map[string][]proto.Message
	sendErr    error
	closeErr   error
	closeCalls map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		rooms:      make(map[string]proto.Room),
		history:    make(map[string][]proto.Message),
		closeCalls: make(map[string]int),
	}
}

func (f *fakeAPI) ListRooms(context.Context) ([]proto.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]proto.Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAPI) GetRoom(_ context.Context, roomID string) (*proto.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[roomID]; ok {
		return &r, nil
	}
	return nil, errors.New("room not found")
}

func (f *fakeAPI) GetMessages(_ context.Context, roomID string, page, pageSize int) (*rest.MessagesPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[roomID]
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	msgs := make([]proto.Message, end-start)
	copy(msgs, all[start:end])
	return &rest.MessagesPage{Messages: msgs, HasMore: end < len(all)}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, roomID, content, msgType, tempID string) (*proto.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &proto.Message{
		ID:        "srv-" + tempID,
		TempID:    tempID,
		RoomID:    roomID,
		Content:   content,
		Type:      msgType,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeAPI) CloseRoom(_ context.Context, roomID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls[roomID]++
	return f.closeErr
}

func (f *fakeAPI) CloseRoomWithRating(_ context.Context, roomID string, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls[roomID]++
	return f.closeErr
}

func (f *fakeAPI) UploadFile(_ context.Context, roomID, filename string, _ io.Reader) (*proto.Message, error) {
	return &proto.Message{
		ID:        "file-1",
		RoomID:    roomID,
		Content:   filename,
		Type:      "file",
		CreatedAt: time.Now(),
	}, nil
}

func newTestSync(t *testing.T) (*Synchronizer, *events.Registry, *fakeTransport, *fakeAPI) {
	t.Helper()

	bus := events.NewRegistry(nil)
	ft := &fakeTransport{connected: true}
	fa := newFakeAPI()
	s := NewSynchronizer(ft, fa, bus, Options{
		DedupWindow: 2 * time.Second,
		ConnectWait: 200 * time.Millisecond,
		PageSize:    10,
	}, discardLogger())
	s.SetViewer(Viewer{ID: "me", Name: "Me", Type: SenderGuest, Mode: transport.AuthGuest})
	s.Start()
	t.Cleanup(s.Stop)
	return s, bus, ft, fa
}

// joinTestRoom seeds a room in the fake API and makes it active.
func joinTestRoom(t *testing.T, s *Synchronizer, fa *fakeAPI, roomID string) {
	t.Helper()

	fa.mu.Lock()
	fa.rooms[roomID] = proto.Room{ID: roomID, Status: "active", CreatedAt: time.Now(), LastActivity: time.Now()}
	fa.mu.Unlock()

	if _, err := s.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("join room %s: %v", roomID, err)
	}
}

// trackTestRoom seeds a room into local state without changing the active room.
func trackTestRoom(t *testing.T, bus *events.Registry, roomID string) {
	t.Helper()
	publish(t, bus, proto.EventNewRoomCreated, proto.RoomEventData{
		Room: proto.Room{ID: roomID, Status: "waiting", CreatedAt: time.Now(), LastActivity: time.Now()},
	})
}

func publish(t *testing.T, bus *events.Registry, event string, payload any) {
	t.Helper()
	env, err := proto.Marshal(event, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	bus.Publish(env.Event, env.Data)
}

func mustEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
