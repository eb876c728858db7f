package router

import (
	"encoding/json"
	"time"
)

// Control message types exchanged with the realtime server.
const (
	TypeRoomJoin  = "room.join"
	TypeRoomLeave = "room.leave"
	TypeRoomError = "room.error"
)

// Kind classifies a decoded frame.
type Kind int

const (
	KindEvent Kind = iota // Domain event, routed to the bus by type
	KindRoomJoin
	KindRoomLeave
	KindRoomError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRoomJoin:
		return "room_join"
	case KindRoomLeave:
		return "room_leave"
	case KindRoomError:
		return "room_error"
	default:
		return "unknown"
	}
}

// Message is a decoded frame.
type Message struct {
	Kind Kind
	ID   string

	// Set for KindEvent
	Event Event

	// Set for KindRoomJoin and KindRoomLeave (server acknowledgements)
	Room string

	// Set for KindRoomError
	RoomError RoomError
}

// Event is a domain event as seen by bus subscribers. Payload is the
// server-defined "data" object, forwarded untouched.
type Event struct {
	ID         string
	Topic      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// RoomError is a room protocol failure reported by the server.
type RoomError struct {
	Room    string `json:"room"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e RoomError) Error() string {
	if e.Code == "" {
		return "room " + e.Room + ": " + e.Message
	}
	return "room " + e.Room + ": " + e.Code + ": " + e.Message
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	EventsRouted     int64
	ControlMessages  int64
	ParseErrors      int64
}

// Wire types for JSON parsing

// envelope is the frame format in both directions.
type envelope struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// roomWire is the data object of room control messages.
type roomWire struct {
	Room string `json:"room"`
}
