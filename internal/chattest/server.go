// Package chattest provides an in-process support-chat backend implementing
// just enough of the REST and transport contract for tests.
package chattest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/unidesk/supportchat-client/internal/proto"
)

type wsClient struct {
	conn *websocket.Conn
	name string
}

// Server is a fake support-chat backend.
type Server struct {
	httpSrv *httptest.Server

	mu         sync.Mutex
	rooms      map[string]*proto.Room
	messages   map[string][]proto.Message
	closeCalls map[string]int
	ratings    map[string]int
	sessions   map[string]string // session id -> display name
	clients    []*wsClient
}

// New starts a fake backend on an ephemeral port.
func New() *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		rooms:      make(map[string]*proto.Room),
		messages:   make(map[string][]proto.Message),
		closeCalls: make(map[string]int),
		ratings:    make(map[string]int),
		sessions:   make(map[string]string),
	}

	r := gin.New()
	r.POST("/api/guest/sessions", s.createGuestSession)
	r.DELETE("/api/guest/sessions/:id", s.endGuestSession)
	r.GET("/api/rooms", s.listRooms)
	r.GET("/api/rooms/:id", s.getRoom)
	r.GET("/api/rooms/:id/messages", s.getMessages)
	r.POST("/api/rooms/:id/messages", s.postMessage)
	r.POST("/api/rooms/:id/close", s.closeRoom)
	r.POST("/api/rooms/:id/files", s.uploadFile)
	r.GET("/ws", s.handleWS)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// WSURL is the transport endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/ws"
}

// Close shuts the backend down. Dials after Close fail, which tests use to
// exercise the reconnect ceiling.
func (s *Server) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
	s.httpSrv.Close()
}

// AddRoom seeds a room.
func (s *Server) AddRoom(room proto.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := room
	s.rooms[r.ID] = &r
}

// AddMessage seeds room history.
func (s *Server) AddMessage(msg proto.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
}

// CloseCalls reports how many close requests a room received.
func (s *Server) CloseCalls(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls[roomID]
}

// Rating reports the rating submitted with a customer close, 0 if none.
func (s *Server) Rating(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratings[roomID]
}

// SessionName reports the display name registered for a guest session.
func (s *Server) SessionName(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// InjectEvent broadcasts an arbitrary transport event to every connected
// client. Tests use it to script inbound traffic.
func (s *Server) InjectEvent(event string, payload any) {
	env, err := proto.Marshal(event, payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(env)
}

// ---- REST handlers ----

func (s *Server) createGuestSession(c *gin.Context) {
	var profile struct {
		Name    string `json:"name"`
		Email   string `json:"email"`
		Subject string `json:"subject"`
	}
	if err := c.ShouldBindJSON(&profile); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile"})
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = profile.Name
	s.mu.Unlock()

	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"created_at": time.Now().UTC(),
	})
}

func (s *Server) endGuestSession(c *gin.Context) {
	s.mu.Lock()
	delete(s.sessions, c.Param("id"))
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Server) listRooms(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	s.mu.Lock()
	rooms := make([]proto.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, *r)
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (s *Server) getRoom(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	s.mu.Lock()
	room, ok := s.rooms[c.Param("id")]
	var copied proto.Room
	if ok {
		copied = *room
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "room_not_found", "error": "no such room"})
		return
	}
	c.JSON(http.StatusOK, copied)
}

func (s *Server) getMessages(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	s.mu.Lock()
	all := s.messages[c.Param("id")]
	start := (page - 1) * pageSize
	end := start + pageSize
	if start > len(all) {
		start = len(all)
	}
	if end > len(all) {
		end = len(all)
	}
	pageMsgs := make([]proto.Message, end-start)
	copy(pageMsgs, all[start:end])
	hasMore := end < len(all)
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"messages": pageMsgs, "has_more": hasMore})
}

func (s *Server) postMessage(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	var body struct {
		Content string `json:"content"`
		Type    string `json:"type"`
		TempID  string `json:"temp_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
		return
	}

	msg := proto.Message{
		ID:         uuid.NewString(),
		TempID:     body.TempID,
		RoomID:     c.Param("id"),
		SenderID:   s.callerID(c),
		SenderType: s.callerType(c),
		Content:    body.Content,
		Type:       body.Type,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	env, _ := proto.Marshal(proto.EventNewMessage, proto.NewMessageData{RoomID: msg.RoomID, Message: msg})
	s.broadcastLocked(env)
	s.mu.Unlock()

	c.JSON(http.StatusCreated, msg)
}

func (s *Server) closeRoom(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	var body struct {
		Reason  string `json:"reason"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	_ = c.ShouldBindJSON(&body)

	roomID := c.Param("id")
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeCalls[roomID]++
	room, ok := s.rooms[roomID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "room_not_found", "error": "no such room"})
		return
	}
	if room.Status == "closed" {
		c.JSON(http.StatusConflict, gin.H{"code": "already_closed", "error": "room already closed"})
		return
	}
	room.Status = "closed"
	if body.Rating > 0 {
		s.ratings[roomID] = body.Rating
	}

	env, _ := proto.Marshal(proto.EventRoomClosed, proto.RoomClosedData{RoomID: roomID, Reason: body.Reason})
	s.broadcastLocked(env)
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (s *Server) uploadFile(c *gin.Context) {
	if !s.authorized(c) {
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}

	msg := proto.Message{
		ID:         uuid.NewString(),
		RoomID:     c.Param("id"),
		SenderID:   s.callerID(c),
		SenderType: s.callerType(c),
		Content:    file.Filename,
		Type:       "file",
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	s.mu.Unlock()

	c.JSON(http.StatusCreated, msg)
}

func (s *Server) authorized(c *gin.Context) bool {
	if c.GetHeader("Authorization") != "" || c.GetHeader("X-Guest-Session") != "" {
		return true
	}
	c.JSON(http.StatusUnauthorized, gin.H{"code": "unauthorized", "error": "missing credentials"})
	return false
}

func (s *Server) callerID(c *gin.Context) string {
	if id := c.GetHeader("X-Guest-Session"); id != "" {
		return id
	}
	return "user-1"
}

func (s *Server) callerType(c *gin.Context) string {
	if c.GetHeader("X-Guest-Session") != "" {
		return "guest"
	}
	return "customer"
}

// ---- transport handler ----

func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}

	name := "user"
	if id := c.GetHeader("X-Guest-Session"); id != "" {
		s.mu.Lock()
		if n, ok := s.sessions[id]; ok {
			name = n
		} else {
			name = id
		}
		s.mu.Unlock()
	}

	client := &wsClient{conn: conn, name: name}
	s.mu.Lock()
	s.clients = append(s.clients, client)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		for i, cl := range s.clients {
			if cl == client {
				s.clients = append(s.clients[:i], s.clients[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := context.Background()
	for {
		var env proto.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		s.dispatch(client, env)
	}
}

func (s *Server) dispatch(client *wsClient, env proto.Envelope) {
	switch env.Event {
	case proto.EventSendMessage:
		var data proto.SendMessageData
		if err := jsonUnmarshal(env.Data, &data); err != nil {
			return
		}
		msg := proto.Message{
			ID:         uuid.NewString(),
			TempID:     data.TempID,
			RoomID:     data.RoomID,
			SenderID:   client.name,
			SenderName: client.name,
			SenderType: "guest",
			Content:    data.Content,
			Type:       data.Type,
			CreatedAt:  data.Timestamp,
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}

		s.mu.Lock()
		s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
		sentEnv, _ := proto.Marshal(proto.EventMessageSent, proto.MessageSentData{Message: msg})
		s.sendLocked(client, sentEnv)
		newEnv, _ := proto.Marshal(proto.EventNewMessage, proto.NewMessageData{RoomID: msg.RoomID, Message: msg})
		s.broadcastLocked(newEnv)
		s.mu.Unlock()

	case proto.EventCreateRoom:
		var data proto.CreateRoomData
		if err := jsonUnmarshal(env.Data, &data); err != nil {
			return
		}
		now := time.Now().UTC()
		room := proto.Room{
			ID:           uuid.NewString(),
			Status:       "waiting",
			Subject:      data.Subject,
			CustomerName: client.name,
			CreatedAt:    now,
			LastActivity: now,
		}

		s.mu.Lock()
		s.rooms[room.ID] = &room
		out, _ := proto.Marshal(proto.EventRoomCreated, proto.RoomEventData{Room: room})
		s.broadcastLocked(out)
		s.mu.Unlock()

	case proto.EventTypingStart, proto.EventTypingStop:
		var data proto.TypingData
		if err := jsonUnmarshal(env.Data, &data); err != nil {
			return
		}
		out, _ := proto.Marshal(proto.EventUserTyping, proto.UserTypingData{
			RoomID:   data.RoomID,
			UserName: client.name,
			IsTyping: env.Event == proto.EventTypingStart,
		})
		s.mu.Lock()
		s.broadcastLocked(out)
		s.mu.Unlock()

	case proto.EventAssignAgent:
		var data proto.AssignAgentData
		if err := jsonUnmarshal(env.Data, &data); err != nil {
			return
		}
		s.mu.Lock()
		if room, ok := s.rooms[data.RoomID]; ok {
			room.Status = "active"
			room.Agent = &proto.Agent{ID: data.AgentID, Name: data.AgentID}
			out, _ := proto.Marshal(proto.EventAgentAssigned, proto.AgentAssignedData{
				RoomID: data.RoomID,
				Agent:  *room.Agent,
			})
			s.broadcastLocked(out)
		}
		s.mu.Unlock()
	}
}

func jsonUnmarshal(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

// sendLocked and broadcastLocked run with s.mu held, which also serializes
// writes per connection.
func (s *Server) sendLocked(client *wsClient, env proto.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = wsjson.Write(ctx, client.conn, env)
}

func (s *Server) broadcastLocked(env proto.Envelope) {
	for _, client := range s.clients {
		s.sendLocked(client, env)
	}
}
