package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bizportal/portal-realtime/internal/connection"
	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/router"
)

// subscribeLogging logs every domain event on topics and every channel
// state change and room error.
func subscribeLogging(bus *eventbus.Bus, topics []string, logger *slog.Logger) []eventbus.Subscription {
	subs := make([]eventbus.Subscription, 0, len(topics)+2)

	for _, topic := range topics {
		subs = append(subs, bus.Subscribe(topic, func(payload any) {
			ev, ok := payload.(router.Event)
			if !ok {
				return
			}
			logger.Info("event",
				"topic", ev.Topic,
				"id", ev.ID,
				"bytes", len(ev.Payload),
				"latency", time.Since(ev.ReceivedAt),
			)
		}))
	}

	subs = append(subs, bus.Subscribe(connection.TopicState, func(payload any) {
		sc, ok := payload.(connection.StateChange)
		if !ok {
			return
		}
		attrs := []any{"from", sc.From.String(), "to", sc.To.String()}
		if sc.Reason != connection.ReasonNone {
			attrs = append(attrs, "reason", string(sc.Reason))
		}
		if sc.Reason == connection.ReasonRetriesExhausted {
			logger.Error("channel gave up reconnecting", attrs...)
			return
		}
		logger.Info("channel state", attrs...)
	}))

	subs = append(subs, bus.Subscribe(connection.TopicRoomError, func(payload any) {
		if re, ok := payload.(router.RoomError); ok {
			logger.Warn("room error", "room", re.Room, "code", re.Code, "message", re.Message)
		}
	}))

	return subs
}

// leaveRoom leaves the user room and waits, up to timeout, for the
// connection to close. It returns at once when the channel is not
// connected.
func leaveRoom(bus *eventbus.Bus, mgr connection.Manager, timeout time.Duration, logger *slog.Logger) {
	if mgr.Phase() != connection.PhaseConnected {
		return
	}

	closed := make(chan struct{})
	var once sync.Once
	sub := bus.Subscribe(connection.TopicState, func(payload any) {
		if sc, ok := payload.(connection.StateChange); ok && sc.To == connection.PhaseDisconnected {
			once.Do(func() { close(closed) })
		}
	})
	defer bus.Unsubscribe(sub)

	mgr.LeaveRoom()

	select {
	case <-closed:
		logger.Info("left user room")
	case <-time.After(timeout):
		logger.Warn("timed out leaving user room", "timeout", timeout)
	}
}
