package chat

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unidesk/supportchat-client/internal/events"
	"github.com/unidesk/supportchat-client/internal/proto"
)

// Presence derives ephemeral typing state from transport events. Best-effort
// only: nothing here is persisted and nothing blocks other operations.
type Presence struct {
	conn   Transport
	log    *zerolog.Logger
	expiry time.Duration

	mu     sync.Mutex
	typing map[string]map[string]time.Time // roomID -> name -> last signal
	timers map[string]*time.Timer          // roomID -> auto-stop timer for our own typing
}

// NewPresence builds a presence coordinator with the given quiet-period
// expiry.
func NewPresence(conn Transport, bus *events.Registry, expiry time.Duration, logger *zerolog.Logger) *Presence {
	if expiry <= 0 {
		expiry = 3 * time.Second
	}
	p := &Presence{
		conn:   conn,
		log:    logger,
		expiry: expiry,
		typing: make(map[string]map[string]time.Time),
		timers: make(map[string]*time.Timer),
	}
	bus.Subscribe(proto.EventUserTyping, p.onUserTyping)
	return p
}

// StartTyping signals typing in a room and arms auto-expiry in case the
// caller never calls StopTyping.
func (p *Presence) StartTyping(roomID string) {
	if err := p.conn.Send(proto.EventTypingStart, proto.TypingData{RoomID: roomID}); err != nil {
		p.log.Debug().Err(err).Str("room_id", roomID).Msg("typing_start not sent")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[roomID]; ok {
		t.Stop()
	}
	p.timers[roomID] = time.AfterFunc(p.expiry, func() { p.StopTyping(roomID) })
}

// StopTyping clears the auto-expiry and signals that typing ended.
func (p *Presence) StopTyping(roomID string) {
	p.mu.Lock()
	if t, ok := p.timers[roomID]; ok {
		t.Stop()
		delete(p.timers, roomID)
	}
	p.mu.Unlock()

	if err := p.conn.Send(proto.EventTypingStop, proto.TypingData{RoomID: roomID}); err != nil {
		p.log.Debug().Err(err).Str("room_id", roomID).Msg("typing_stop not sent")
	}
}

// TypingUsers returns the display names currently typing in a room. Entries
// older than the expiry are dropped on read, so an absent stop signal cannot
// leave a name stuck.
func (p *Presence) TypingUsers(roomID string) []string {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	names := p.typing[roomID]
	out := make([]string, 0, len(names))
	for name, at := range names {
		if now.Sub(at) > p.expiry {
			delete(names, name)
			continue
		}
		out = append(out, name)
	}
	return out
}

func (p *Presence) onUserTyping(data json.RawMessage) {
	var payload proto.UserTypingData
	if err := json.Unmarshal(data, &payload); err != nil {
		p.log.Warn().Err(err).Msg("bad user_typing payload")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if payload.IsTyping {
		if p.typing[payload.RoomID] == nil {
			p.typing[payload.RoomID] = make(map[string]time.Time)
		}
		p.typing[payload.RoomID][payload.UserName] = time.Now()
		return
	}
	delete(p.typing[payload.RoomID], payload.UserName)
}
