package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMissingType is returned for frames without a "type" field.
var ErrMissingType = errors.New("message has no type")

// Router decodes raw realtime frames into control messages and domain
// events. It holds no per-connection state and is safe for concurrent use.
type Router struct {
	logger *slog.Logger

	mu          sync.Mutex
	received    int64
	events      int64
	control     int64
	parseErrors int64
}

// NewRouter creates a new Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Route decodes a single frame.
func (r *Router) Route(data []byte, receivedAt time.Time) (Message, error) {
	r.mu.Lock()
	r.received++
	r.mu.Unlock()

	msg, err := decode(data, receivedAt)
	if err != nil {
		r.logger.Warn("failed to decode message", "error", err)
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		return Message{}, err
	}

	r.mu.Lock()
	if msg.Kind == KindEvent {
		r.events++
	} else {
		r.control++
	}
	r.mu.Unlock()

	return msg, nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RouterStats{
		MessagesReceived: r.received,
		EventsRouted:     r.events,
		ControlMessages:  r.control,
		ParseErrors:      r.parseErrors,
	}
}

func decode(data []byte, receivedAt time.Time) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Message{}, ErrMissingType
	}

	switch env.Type {
	case TypeRoomJoin, TypeRoomLeave:
		var room roomWire
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &room); err != nil {
				return Message{}, fmt.Errorf("unmarshal %s: %w", env.Type, err)
			}
		}
		kind := KindRoomJoin
		if env.Type == TypeRoomLeave {
			kind = KindRoomLeave
		}
		return Message{Kind: kind, ID: env.ID, Room: room.Room}, nil

	case TypeRoomError:
		var roomErr RoomError
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &roomErr); err != nil {
				return Message{}, fmt.Errorf("unmarshal %s: %w", env.Type, err)
			}
		}
		return Message{Kind: KindRoomError, ID: env.ID, RoomError: roomErr}, nil
	}

	return Message{
		Kind: KindEvent,
		ID:   env.ID,
		Event: Event{
			ID:         env.ID,
			Topic:      env.Type,
			Payload:    env.Data,
			ReceivedAt: receivedAt,
		},
	}, nil
}

// EncodeRoomJoin builds a room join frame.
func EncodeRoomJoin(room string) ([]byte, error) {
	return encodeRoom(TypeRoomJoin, room)
}

// EncodeRoomLeave builds a room leave frame.
func EncodeRoomLeave(room string) ([]byte, error) {
	return encodeRoom(TypeRoomLeave, room)
}

func encodeRoom(msgType, room string) ([]byte, error) {
	data, err := json.Marshal(roomWire{Room: room})
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:   uuid.NewString(),
		Type: msgType,
		Data: data,
	})
}
