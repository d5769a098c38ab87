package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/events"
	"github.com/unidesk/supportchat-client/internal/proto"
	"github.com/unidesk/supportchat-client/internal/rest"
	"github.com/unidesk/supportchat-client/internal/transport"
)

// Transport is the slice of the connection manager the synchronizer uses.
type Transport interface {
	Connect(ctx context.Context, mode transport.AuthMode) error
	WaitConnected(ctx context.Context) error
	Send(event string, payload any) error
	State() transport.ConnState
}

// API is the slice of the REST client the synchronizer uses.
type API interface {
	ListRooms(ctx context.Context) ([]proto.Room, error)
	GetRoom(ctx context.Context, roomID string) (*proto.Room, error)
	GetMessages(ctx context.Context, roomID string, page, pageSize int) (*rest.MessagesPage, error)
	SendMessage(ctx context.Context, roomID, content, msgType, tempID string) (*proto.Message, error)
	CloseRoom(ctx context.Context, roomID, reason string) error
	CloseRoomWithRating(ctx context.Context, roomID string, rating int, comment string) error
	UploadFile(ctx context.Context, roomID, filename string, r io.Reader) (*proto.Message, error)
}

// Viewer is the actor on whose behalf the synchronizer operates.
type Viewer struct {
	ID      string
	Name    string
	Type    SenderType
	Subject string
	Mode    transport.AuthMode
}

// Options bound the synchronizer's timing behavior.
type Options struct {
	DedupWindow time.Duration
	ConnectWait time.Duration
	PageSize    int
}

// Synchronizer owns the room list, the single active room, and each room's
// ordered message log. It is the only writer of that state; readers get
// copies. Inbound transport events and UI actions are serialized through one
// mutex, which stands in for the source's single event loop.
type Synchronizer struct {
	conn Transport
	api  API
	bus  *events.Registry
	log  *zerolog.Logger
	opts Options

	mu            sync.Mutex
	viewer        Viewer
	rooms         map[string]*Room
	messages      map[string][]Message
	activeRoomID  string
	pendingCreate chan Room
	started       bool
}

// NewSynchronizer builds a synchronizer around an injected connection
// manager and REST client.
func NewSynchronizer(conn Transport, api API, bus *events.Registry, opts Options, logger *zerolog.Logger) *Synchronizer {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.ConnectWait <= 0 {
		opts.ConnectWait = 5 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Second
	}
	return &Synchronizer{
		conn:     conn,
		api:      api,
		bus:      bus,
		log:      logger,
		opts:     opts,
		rooms:    make(map[string]*Room),
		messages: make(map[string][]Message),
	}
}

// SetViewer fixes the actor identity before Start.
func (s *Synchronizer) SetViewer(v Viewer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewer = v
}

// Start registers the synchronizer's event subscriptions. Called once per
// logical session.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.bus.Subscribe(proto.EventNewMessage, s.onNewMessage)
	s.bus.Subscribe(proto.EventMessageSent, s.onMessageSent)
	s.bus.Subscribe(proto.EventRoomCreated, s.onRoomCreated)
	s.bus.Subscribe(proto.EventNewRoomCreated, s.onRoomCreated)
	s.bus.Subscribe(proto.EventRoomUpdated, s.onRoomUpdated)
	s.bus.Subscribe(proto.EventRoomClosed, s.onRoomClosed)
	s.bus.Subscribe(proto.EventAgentAssigned, s.onAgentAssigned)
	s.bus.Subscribe(proto.EventFileUploaded, s.onFileUploaded)
}

// Stop tears down every subscription of the logical session, exactly once,
// so a later Start never stacks duplicate handlers.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.bus.UnsubscribeAll()
}

// Reset drops all in-memory room and message state. Used on session end.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*Room)
	s.messages = make(map[string][]Message)
	s.activeRoomID = ""
	s.pendingCreate = nil
}

// CreateOrJoinRoom joins the viewer's existing open room when one is present
// locally, otherwise asks the server for a new one. The local check is
// advisory only: the server's response is authoritative, and if it hands back
// an existing room the client adopts it.
func (s *Synchronizer) CreateOrJoinRoom(ctx context.Context, subject string) (*Room, error) {
	s.mu.Lock()
	existing := ""
	if s.viewer.Type == SenderCustomer || s.viewer.Type == SenderGuest {
		for id, r := range s.rooms {
			if r.Status != RoomClosed {
				existing = id
				break
			}
		}
	}
	s.mu.Unlock()

	if existing != "" {
		return s.JoinRoom(ctx, existing)
	}

	if err := s.ensureConnected(ctx); err != nil {
		return nil, chatError(ErrCodeConnection, "cannot create room while disconnected", err)
	}

	waiter := make(chan Room, 1)
	s.mu.Lock()
	s.pendingCreate = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pendingCreate = nil
		s.mu.Unlock()
	}()

	err := s.conn.Send(proto.EventCreateRoom, proto.CreateRoomData{
		Subject:  subject,
		UserType: string(s.viewerType()),
	})
	if err != nil {
		return nil, chatError(ErrCodeConnection, "create room send failed", err)
	}

	timer := time.NewTimer(s.opts.ConnectWait)
	defer timer.Stop()
	select {
	case room := <-waiter:
		return &room, nil
	case <-timer.C:
		return nil, chatError(ErrCodeCreateTimeout, "room creation not confirmed", nil)
	case <-ctx.Done():
		return nil, chatError(ErrCodeCreateTimeout, "room creation not confirmed", ctx.Err())
	}
}

// JoinRoom loads the room and its history from REST, merges the history with
// any live messages already present, and makes the room active. A failed load
// leaves prior state untouched.
func (s *Synchronizer) JoinRoom(ctx context.Context, roomID string) (*Room, error) {
	wire, err := s.api.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	// Page through history oldest-first before touching local state.
	var history []proto.Message
	for page := 1; ; page++ {
		pageData, err := s.api.GetMessages(ctx, roomID, page, s.opts.PageSize)
		if err != nil {
			return nil, err
		}
		history = append(history, pageData.Messages...)
		if !pageData.HasMore {
			break
		}
	}

	s.mu.Lock()
	room := s.upsertRoomLocked(roomFromProto(*wire))
	for _, m := range history {
		m.RoomID = roomID
		s.applyCanonicalLocked(messageFromProto(m, StatusDelivered), false)
	}
	s.activeRoomID = roomID
	room.Unread = 0
	snapshot := *room
	s.mu.Unlock()

	// Attach transport room membership; best-effort, log only.
	if err := s.conn.Send(proto.EventJoinRoom, proto.JoinRoomData{
		RoomID:   roomID,
		UserType: string(s.viewerType()),
	}); err != nil {
		s.log.Debug().Err(err).Str("room_id", roomID).Msg("join_room signal not sent")
	}

	return &snapshot, nil
}

// LeaveRoom detaches from the active room and clears its local message log.
// Messages are not deleted server-side.
func (s *Synchronizer) LeaveRoom() {
	s.mu.Lock()
	roomID := s.activeRoomID
	if roomID == "" {
		s.mu.Unlock()
		return
	}
	s.activeRoomID = ""
	delete(s.messages, roomID)
	s.mu.Unlock()

	if err := s.conn.Send(proto.EventLeaveRoom, proto.LeaveRoomData{RoomID: roomID}); err != nil {
		s.log.Debug().Err(err).Str("room_id", roomID).Msg("leave_room signal not sent")
	}
}

// SendMessage appends an optimistic entry immediately, then delivers over the
// transport when connected, falling back to REST otherwise. Exactly one of
// the two paths executes per send. On failure the entry stays visible with
// failed status; nothing retries automatically.
func (s *Synchronizer) SendMessage(ctx context.Context, content string, msgType MessageType) (*Message, error) {
	s.mu.Lock()
	roomID := s.activeRoomID
	viewer := s.viewer
	s.mu.Unlock()

	if roomID == "" {
		// Guest-first-message flow: lazily create the room before sending.
		if viewer.Type != SenderCustomer && viewer.Type != SenderGuest {
			return nil, chatError(ErrCodeNoActiveRoom, "no active room", ErrNoActiveRoom)
		}
		room, err := s.CreateOrJoinRoom(ctx, viewer.Subject)
		if err != nil {
			return nil, err
		}
		roomID = room.ID
	}

	msg := Message{
		TempID:     uuid.NewString(),
		RoomID:     roomID,
		SenderID:   viewer.ID,
		SenderName: viewer.Name,
		SenderType: viewer.Type,
		Content:    content,
		Type:       msgType,
		CreatedAt:  time.Now(),
		Status:     StatusSending,
	}

	s.mu.Lock()
	s.messages[roomID] = append(s.messages[roomID], msg)
	sortLog(s.messages[roomID])
	s.mu.Unlock()

	if err := s.deliver(ctx, &msg); err != nil {
		s.markFailed(msg.TempID, roomID)
		failed := msg
		failed.Status = StatusFailed
		return &failed, chatError(ErrCodeSendFailed, "message not confirmed", err)
	}
	return &msg, nil
}

// RetryMessage re-runs delivery for a failed optimistic entry.
func (s *Synchronizer) RetryMessage(ctx context.Context, tempID string) error {
	s.mu.Lock()
	var msg *Message
	var roomID string
	for id, log := range s.messages {
		for i := range log {
			if log[i].TempID == tempID && log[i].Status == StatusFailed {
				log[i].Status = StatusSending
				copied := log[i]
				msg = &copied
				roomID = id
				break
			}
		}
	}
	s.mu.Unlock()

	if msg == nil {
		return chatError(ErrCodeRoomNotFound, "no failed message with that id", nil)
	}
	if err := s.deliver(ctx, msg); err != nil {
		s.markFailed(tempID, roomID)
		return chatError(ErrCodeSendFailed, "message not confirmed", err)
	}
	return nil
}

// SendFile uploads a file via REST; the server answers with a canonical
// message reference which is applied like any other arrival.
func (s *Synchronizer) SendFile(ctx context.Context, filename string, r io.Reader) (*Message, error) {
	s.mu.Lock()
	roomID := s.activeRoomID
	s.mu.Unlock()
	if roomID == "" {
		return nil, chatError(ErrCodeNoActiveRoom, "no active room", ErrNoActiveRoom)
	}

	wire, err := s.api.UploadFile(ctx, roomID, filename, r)
	if err != nil {
		return nil, chatError(ErrCodeSendFailed, "file upload failed", err)
	}

	s.mu.Lock()
	wire.RoomID = roomID
	msg := messageFromProto(*wire, StatusSent)
	s.applyCanonicalLocked(msg, false)
	s.mu.Unlock()
	return &msg, nil
}

// CloseRoom closes a room. An already-closed answer from the server is
// success: the intended end state holds and nothing is re-mutated.
func (s *Synchronizer) CloseRoom(ctx context.Context, roomID, reason string) error {
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok && r.Status == RoomClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.api.CloseRoom(ctx, roomID, reason); err != nil && !errors.Is(err, rest.ErrAlreadyClosed) {
		return err
	}
	s.closeLocally(roomID)
	return nil
}

// CloseRoomWithRating is the customer-initiated close with an optional rating.
func (s *Synchronizer) CloseRoomWithRating(ctx context.Context, roomID string, rating int, comment string) error {
	s.mu.Lock()
	if r, ok := s.rooms[roomID]; ok && r.Status == RoomClosed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.api.CloseRoomWithRating(ctx, roomID, rating, comment); err != nil && !errors.Is(err, rest.ErrAlreadyClosed) {
		return err
	}
	s.closeLocally(roomID)
	return nil
}

// AssignAgent claims a room for an agent over the transport.
func (s *Synchronizer) AssignAgent(roomID, agentID string) error {
	return s.conn.Send(proto.EventAssignAgent, proto.AssignAgentData{RoomID: roomID, AgentID: agentID})
}

// MarkRoomRead resets the local unread counter only; the server is not
// assumed to have acknowledged anything.
func (s *Synchronizer) MarkRoomRead(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.Unread = 0
	}
}

// RefreshRooms reloads the room list for the current identity. A failed load
// leaves prior state untouched.
func (s *Synchronizer) RefreshRooms(ctx context.Context) error {
	wire, err := s.api.ListRooms(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range wire {
		s.upsertRoomLocked(roomFromProto(r))
	}
	return nil
}

// Rooms returns a copy of all tracked rooms, most recently active first.
func (s *Synchronizer) Rooms() []Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, *r)
	}
	sortRooms(out)
	return out
}

// ActiveRoom returns a copy of the focused room, or nil.
func (s *Synchronizer) ActiveRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[s.activeRoomID]; ok {
		copied := *r
		return &copied
	}
	return nil
}

// Messages returns a copy of the room's ordered log.
func (s *Synchronizer) Messages(roomID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[roomID]
	out := make([]Message, len(log))
	copy(out, log)
	return out
}

// Unread returns the local unread counter for a room.
func (s *Synchronizer) Unread(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.Unread
	}
	return 0
}

// ---- delivery pipeline ----

// deliver picks exactly one path: transport when a connection can be
// established within the wait budget, REST otherwise.
func (s *Synchronizer) deliver(ctx context.Context, msg *Message) error {
	if s.ensureConnected(ctx) == nil {
		err := s.conn.Send(proto.EventSendMessage, proto.SendMessageData{
			RoomID:    msg.RoomID,
			TempID:    msg.TempID,
			Content:   msg.Content,
			Type:      string(msg.Type),
			Timestamp: msg.CreatedAt,
		})
		if err == nil {
			// Confirmation arrives as a message_sent echo.
			return nil
		}
		s.log.Warn().Err(err).Msg("transport send failed, falling back to rest")
	}

	wire, err := s.api.SendMessage(ctx, msg.RoomID, msg.Content, string(msg.Type), msg.TempID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wire.RoomID = msg.RoomID
	wire.TempID = msg.TempID
	s.applyCanonicalLocked(messageFromProto(*wire, StatusSent), false)
	s.mu.Unlock()
	return nil
}

// ensureConnected awaits readiness, kicking off one fresh Connect cycle when
// the manager has given up, bounded by the configured wait.
func (s *Synchronizer) ensureConnected(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectWait)
	defer cancel()

	if err := s.conn.WaitConnected(waitCtx); err == nil {
		return nil
	}

	s.mu.Lock()
	mode := s.viewer.Mode
	s.mu.Unlock()

	connectCtx, cancelConnect := context.WithTimeout(ctx, s.opts.ConnectWait)
	defer cancelConnect()
	return s.conn.Connect(connectCtx, mode)
}

func (s *Synchronizer) markFailed(tempID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[roomID]
	for i := range log {
		if log[i].TempID == tempID {
			log[i].Status = StatusFailed
			return
		}
	}
}

func (s *Synchronizer) closeLocally(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		r.Status = RoomClosed
	}
}

func (s *Synchronizer) viewerType() SenderType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer.Type
}

// ---- inbound event handlers ----

func (s *Synchronizer) onNewMessage(data json.RawMessage) {
	var payload proto.NewMessageData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad new_message payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	roomID := payload.RoomID
	if roomID == "" {
		roomID = payload.Message.RoomID
	}
	room, tracked := s.rooms[roomID]
	if !tracked {
		// Late event for a room no longer (or never) tracked; harmless.
		s.log.Debug().Str("room_id", roomID).Msg("dropping message for untracked room")
		return
	}

	payload.Message.RoomID = roomID
	replaced := s.applyCanonicalLocked(messageFromProto(payload.Message, StatusDelivered), true)

	room.LastActivity = payload.Message.CreatedAt
	if roomID == s.activeRoomID {
		// Active room arrivals are read immediately, never counted.
		room.Unread = 0
	} else if !replaced && room.Status != RoomClosed {
		room.Unread++
	}
}

func (s *Synchronizer) onMessageSent(data json.RawMessage) {
	var payload proto.MessageSentData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad message_sent payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, tracked := s.rooms[payload.Message.RoomID]; !tracked {
		s.log.Debug().Str("room_id", payload.Message.RoomID).Msg("dropping send echo for untracked room")
		return
	}
	s.applyCanonicalLocked(messageFromProto(payload.Message, StatusSent), false)
}

func (s *Synchronizer) onRoomCreated(data json.RawMessage) {
	var payload proto.RoomEventData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad room_created payload")
		return
	}

	s.mu.Lock()
	room := s.upsertRoomLocked(roomFromProto(payload.Room))
	waiter := s.pendingCreate
	if waiter != nil {
		// The creation this viewer is awaiting: make it active.
		s.pendingCreate = nil
		s.activeRoomID = room.ID
		room.Unread = 0
	}
	snapshot := *room
	s.mu.Unlock()

	if waiter != nil {
		waiter <- snapshot
	}
}

func (s *Synchronizer) onRoomUpdated(data json.RawMessage) {
	var payload proto.RoomEventData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad room_updated payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, tracked := s.rooms[payload.Room.ID]; !tracked {
		s.log.Debug().Str("room_id", payload.Room.ID).Msg("dropping update for untracked room")
		return
	}
	s.upsertRoomLocked(roomFromProto(payload.Room))
}

func (s *Synchronizer) onRoomClosed(data json.RawMessage) {
	var payload proto.RoomClosedData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad room_closed payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[payload.RoomID]; ok {
		r.Status = RoomClosed
	}
}

func (s *Synchronizer) onAgentAssigned(data json.RawMessage) {
	var payload proto.AgentAssignedData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad agent_assigned payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[payload.RoomID]
	if !ok {
		s.log.Debug().Str("room_id", payload.RoomID).Msg("dropping assignment for untracked room")
		return
	}
	if r.Status == RoomClosed {
		return
	}
	r.Agent = &Agent{ID: payload.Agent.ID, Name: payload.Agent.Name}
	r.Status = RoomActive
}

func (s *Synchronizer) onFileUploaded(data json.RawMessage) {
	var payload proto.FileUploadedData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Warn().Err(err).Msg("bad file_uploaded payload")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, tracked := s.rooms[payload.RoomID]; !tracked {
		return
	}
	payload.Message.RoomID = payload.RoomID
	s.applyCanonicalLocked(messageFromProto(payload.Message, StatusDelivered), true)
}

// ---- state mutation helpers (callers hold s.mu) ----

// applyCanonicalLocked reconciles one canonical arrival into the room log and
// re-sorts it. Reports whether an existing entry was replaced.
func (s *Synchronizer) applyCanonicalLocked(msg Message, keepHigherStatus bool) bool {
	log := s.messages[msg.RoomID]
	idx := reconcileIndex(log, msg, timeWindow(s.opts.DedupWindow))
	if idx >= 0 {
		if keepHigherStatus && statusRank(log[idx].Status) > statusRank(msg.Status) {
			msg.Status = log[idx].Status
		}
		if msg.TempID == "" {
			msg.TempID = log[idx].TempID
		}
		log[idx] = msg
	} else {
		log = append(log, msg)
	}
	sortLog(log)
	s.messages[msg.RoomID] = log
	return idx >= 0
}

// upsertRoomLocked mutates the room entry in place by id; a room id never
// gets a second representation. Closed rooms are terminal.
func (s *Synchronizer) upsertRoomLocked(incoming Room) *Room {
	if existing, ok := s.rooms[incoming.ID]; ok {
		if existing.Status == RoomClosed {
			return existing
		}
		existing.Status = incoming.Status
		if incoming.Subject != "" {
			existing.Subject = incoming.Subject
		}
		if incoming.CustomerID != "" {
			existing.CustomerID = incoming.CustomerID
			existing.CustomerName = incoming.CustomerName
		}
		if incoming.Agent != nil {
			existing.Agent = incoming.Agent
		}
		if !incoming.LastActivity.IsZero() {
			existing.LastActivity = incoming.LastActivity
		}
		return existing
	}
	room := incoming
	s.rooms[room.ID] = &room
	return &room
}

func statusRank(st DeliveryStatus) int {
	switch st {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}
