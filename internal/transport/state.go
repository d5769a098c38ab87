package transport

// ConnState represents the current state of the transport connection.
type ConnState int

const (
	// StateDisconnected means no connection is open and no retry is pending.
	StateDisconnected ConnState = iota

	// StateConnecting means a dial or reconnect attempt is in progress.
	StateConnecting

	// StateConnected means the connection is open and ready.
	StateConnected
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// AuthMode selects how the connection authenticates itself.
type AuthMode int

const (
	// AuthNone means no credentials are attached.
	AuthNone AuthMode = iota

	// AuthUser attaches a bearer token for a registered user.
	AuthUser

	// AuthGuest attaches a guest session identifier.
	AuthGuest
)

// String returns the string representation of an AuthMode.
func (m AuthMode) String() string {
	switch m {
	case AuthNone:
		return "none"
	case AuthUser:
		return "user"
	case AuthGuest:
		return "guest"
	default:
		return "unknown"
	}
}
