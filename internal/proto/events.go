package proto

import (
	"encoding/json"
	"time"
)

// Envelope wraps every frame on the transport.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound event names (client to server).
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventCreateRoom  = "create_room"
	EventAssignAgent = "assign_agent"
	EventCloseRoom   = "close_room"
)

// Inbound event names (server to client).
const (
	EventNewMessage      = "new_message"
	EventMessageSent     = "message_sent"
	EventUserTyping      = "user_typing"
	EventRoomCreated     = "room_created"
	EventNewRoomCreated  = "new_room_created"
	EventRoomUpdated     = "room_updated"
	EventRoomClosed      = "room_closed"
	EventAgentAssigned   = "agent_assigned"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventNewNotification = "new_notification"
	EventFileUploaded    = "file_uploaded"
)

// Connection lifecycle signals, published locally by the connection manager.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// Message is the wire representation of a chat message.
type Message struct {
	ID         string    `json:"id,omitempty"`
	TempID     string    `json:"temp_id,omitempty"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}

// Agent identifies the support agent assigned to a room.
type Agent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Room is the wire representation of a support conversation.
type Room struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Subject      string    `json:"subject,omitempty"`
	CustomerID   string    `json:"customer_id,omitempty"`
	CustomerName string    `json:"customer_name,omitempty"`
	Agent        *Agent    `json:"agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// JoinRoomData requests membership of a room.
type JoinRoomData struct {
	RoomID   string `json:"roomId"`
	UserType string `json:"userType"`
}

// LeaveRoomData detaches from a room.
type LeaveRoomData struct {
	RoomID string `json:"roomId"`
}

// SendMessageData carries an outgoing message. TempID lets the server echo
// back which optimistic entry it confirms.
type SendMessageData struct {
	RoomID    string    `json:"roomId"`
	TempID    string    `json:"tempId,omitempty"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingData signals typing start/stop for a room.
type TypingData struct {
	RoomID string `json:"roomId"`
}

// CreateRoomData asks the server for a new support conversation.
type CreateRoomData struct {
	Subject  string `json:"subject,omitempty"`
	UserType string `json:"userType"`
}

// AssignAgentData claims a room for an agent.
type AssignAgentData struct {
	RoomID  string `json:"roomId"`
	AgentID string `json:"agentId"`
}

// CloseRoomData closes a room over the transport.
type CloseRoomData struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// NewMessageData delivers the canonical copy of a message.
type NewMessageData struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

// MessageSentData confirms a send initiated by this client.
type MessageSentData struct {
	Message Message `json:"message"`
}

// UserTypingData reports another participant's typing state.
type UserTypingData struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// RoomEventData carries a full room snapshot (room_created, new_room_created,
// room_updated).
type RoomEventData struct {
	Room Room `json:"room"`
}

// RoomClosedData announces that a room reached its terminal state.
type RoomClosedData struct {
	RoomID string `json:"roomId"`
	Reason string `json:"reason,omitempty"`
}

// AgentAssignedData announces agent assignment for a room.
type AgentAssignedData struct {
	RoomID string `json:"roomId"`
	Agent  Agent  `json:"agent"`
}

// UserPresenceData reports a participant joining or leaving a room.
type UserPresenceData struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

// NotificationData is an out-of-band notification for the viewer.
type NotificationData struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// FileUploadedData reports a finished upload in a room.
type FileUploadedData struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

// ErrorData describes a transport-level error.
type ErrorData struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Marshal encodes a payload into an envelope for the given event.
func Marshal(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}
