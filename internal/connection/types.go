package connection

import (
	"errors"
	"strings"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no pong)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrAlreadyStarted  = errors.New("manager already started")
)

// System topics published by the Connection Manager on the event bus.
// Every topic under SystemTopicPrefix belongs to the manager; server frames
// typed with it are dropped.
const (
	SystemTopicPrefix = "channel."
	TopicState        = SystemTopicPrefix + "state"      // StateChange on every phase transition
	TopicRoomError    = SystemTopicPrefix + "room_error" // router.RoomError reported by the server
)

// IsSystemTopic reports whether topic is reserved for the manager.
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, SystemTopicPrefix)
}

// Phase is the connection phase of the channel.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnecting
	PhaseDisconnected
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Phases lists every phase, in declaration order.
func Phases() []Phase {
	return []Phase{PhaseIdle, PhaseConnecting, PhaseConnected, PhaseDisconnecting, PhaseDisconnected}
}

// DisconnectReason says who ended a session. It decides the reconnect policy.
type DisconnectReason string

const (
	ReasonNone             DisconnectReason = ""
	ReasonServerClosed     DisconnectReason = "server closed the connection"
	ReasonClientClosed     DisconnectReason = "client closed the connection"
	ReasonRetriesExhausted DisconnectReason = "dial attempts exhausted"
)

// AuthContext holds the credentials of the current logical session.
type AuthContext struct {
	Token  string
	UserID string
}

// Valid reports whether both fields are set.
func (a AuthContext) Valid() bool {
	return a.Token != "" && a.UserID != ""
}

// StateChange is published on TopicState.
type StateChange struct {
	From   Phase
	To     Phase
	Reason DisconnectReason
	At     time.Time
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// TokenSource supplies the current access token from the credential store.
// ok is false when no token is available.
type TokenSource interface {
	AccessToken() (token string, ok bool)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() (string, bool)

// AccessToken calls f.
func (f TokenFunc) AccessToken() (string, bool) { return f() }

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., wss://portal.example.com/realtime)
	Token            string        // Access token, sent as the "token" query parameter
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	HandshakeTimeout time.Duration // Dial handshake timeout
	BufferSize       int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval:     25 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	WSURL               string        // Realtime endpoint
	ReconnectBaseWait   time.Duration // Initial wait between dial attempts
	ReconnectMaxWait    time.Duration // Cap on the wait between dial attempts
	MaxDialAttempts     int           // Dial attempts per session before giving up (0 = unlimited)
	StableAfter         time.Duration // Sessions shorter than this count towards reconnect backoff
	EventBufferSize     int           // Buffer for transport events awaiting the manager loop
	ControlWriteTimeout time.Duration // Write deadline for room frames; the manager loop waits on it
	Client              ClientConfig  // Template for every physical connection (URL and Token are filled in)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait:   1 * time.Second,
		ReconnectMaxWait:    60 * time.Second,
		StableAfter:         30 * time.Second,
		EventBufferSize:     1024,
		ControlWriteTimeout: 1 * time.Second,
		Client:              DefaultClientConfig(),
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	Phase           Phase
	UserID          string
	Room            string
	PendingRefresh  bool
	Sessions        int64 // Sessions that reached Connected
	Reconnects      int64 // Automatic reconnects after a server close
	RoomJoins       int64
	RoomLeaves      int64
	RoomErrors      int64
	EventsPublished int64
	MessagesDropped int64 // Messages arriving outside Connected or from stale sessions
}
