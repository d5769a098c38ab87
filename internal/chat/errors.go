package chat

import "errors"

// Error codes for chat-layer failures.
const (
	ErrCodeConnection    = "connection_error"
	ErrCodeSendFailed    = "send_failed"
	ErrCodeNoActiveRoom  = "no_active_room"
	ErrCodeRoomNotFound  = "room_not_found"
	ErrCodeRoomClosed    = "room_closed"
	ErrCodeCreateTimeout = "room_create_timeout"
)

var (
	ErrNoActiveRoom = errors.New("no active room")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomClosed   = errors.New("room is closed")
)

// ChatError wraps a code and human-readable message.
type ChatError struct {
	Code    string
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

func chatError(code, msg string, err error) *ChatError {
	return &ChatError{Code: code, Message: msg, Err: err}
}
