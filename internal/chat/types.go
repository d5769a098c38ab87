package chat

import (
	"sort"
	"time"

	"github.com/unidesk/supportchat-client/internal/proto"
)

// RoomStatus is the lifecycle state of a support conversation.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomClosed  RoomStatus = "closed"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderGuest    SenderType = "guest"
	SenderAgent    SenderType = "agent"
	SenderAdmin    SenderType = "admin"
	SenderSystem   SenderType = "system"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageFile   MessageType = "file"
	MessageImage  MessageType = "image"
	MessageSystem MessageType = "system"
)

// DeliveryStatus tracks a message from optimistic append to confirmation.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Agent is the support agent assigned to a room.
type Agent struct {
	ID   string
	Name string
}

// Room is one support conversation as tracked locally. Unread is a local,
// per-viewer counter.
type Room struct {
	ID           string
	Status       RoomStatus
	Subject      string
	CustomerID   string
	CustomerName string
	Agent        *Agent
	CreatedAt    time.Time
	LastActivity time.Time
	Unread       int
}

// Message is one entry of a room's ordered log. A message has exactly one
// terminal identity: an optimistic entry keeps its TempID until the canonical
// counterpart replaces it in place.
type Message struct {
	ID         string
	TempID     string
	RoomID     string
	SenderID   string
	SenderName string
	SenderType SenderType
	Content    string
	Type       MessageType
	CreatedAt  time.Time
	Status     DeliveryStatus
}

func sortRooms(rooms []Room) {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].LastActivity.After(rooms[j].LastActivity)
	})
}

func roomFromProto(r proto.Room) Room {
	room := Room{
		ID:           r.ID,
		Status:       RoomStatus(r.Status),
		Subject:      r.Subject,
		CustomerID:   r.CustomerID,
		CustomerName: r.CustomerName,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if r.Agent != nil {
		room.Agent = &Agent{ID: r.Agent.ID, Name: r.Agent.Name}
	}
	return room
}

func messageFromProto(m proto.Message, status DeliveryStatus) Message {
	return Message{
		ID:         m.ID,
		TempID:     m.TempID,
		RoomID:     m.RoomID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderType: SenderType(m.SenderType),
		Content:    m.Content,
		Type:       MessageType(m.Type),
		CreatedAt:  m.CreatedAt,
		Status:     status,
	}
}
