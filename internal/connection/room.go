package connection

import (
	"github.com/bizportal/portal-realtime/internal/router"
)

// RoomName returns the user-scoped room the server targets for userID.
func RoomName(userID string) string {
	return "user." + userID
}

// joinRoom sends the room join for the current session. It runs on the
// manager loop exactly once per transition into PhaseConnected.
func (m *manager) joinRoom() {
	if m.phase != PhaseConnected || m.session == nil || m.session.client == nil {
		m.logger.Warn("join room skipped, not connected", "phase", m.phase)
		return
	}

	room := RoomName(m.session.auth.UserID)
	data, err := router.EncodeRoomJoin(room)
	if err != nil {
		m.logger.Error("encode room join", "room", room, "error", err)
		return
	}

	// A failed send means the transport is going away; the next session
	// joins again.
	if err := m.sendControl(data); err != nil {
		m.logger.Warn("failed to send room join",
			"room", room,
			"session", m.session.id,
			"error", err,
		)
		return
	}

	m.mu.Lock()
	m.stats.RoomJoins++
	m.stats.Room = room
	m.mu.Unlock()
	m.metrics.RoomJoined()

	m.logger.Info("joined room", "room", room, "session", m.session.id)
}

// leaveRoom sends the room leave for the current session, if connected.
func (m *manager) leaveRoom() {
	if m.phase != PhaseConnected || m.session == nil || m.session.client == nil {
		return
	}

	room := RoomName(m.session.auth.UserID)
	data, err := router.EncodeRoomLeave(room)
	if err != nil {
		m.logger.Error("encode room leave", "room", room, "error", err)
		return
	}

	if err := m.sendControl(data); err != nil {
		m.logger.Warn("failed to send room leave",
			"room", room,
			"session", m.session.id,
			"error", err,
		)
		return
	}

	m.mu.Lock()
	m.stats.RoomLeaves++
	m.stats.Room = ""
	m.mu.Unlock()

	m.logger.Info("left room", "room", room, "session", m.session.id)
}

// sendControl writes a room frame from the manager loop. The loop is blocked
// for at most ControlWriteTimeout, not the longer transport WriteTimeout.
func (m *manager) sendControl(data []byte) error {
	timeout := m.cfg.ControlWriteTimeout
	if timeout <= 0 {
		timeout = DefaultManagerConfig().ControlWriteTimeout
	}
	return m.session.client.SendTimeout(data, timeout)
}

// handleRoomError publishes a server-reported room failure. Room errors
// are not retried.
func (m *manager) handleRoomError(roomErr router.RoomError) {
	m.logger.Warn("room error",
		"room", roomErr.Room,
		"code", roomErr.Code,
		"message", roomErr.Message,
	)

	m.mu.Lock()
	m.stats.RoomErrors++
	m.mu.Unlock()
	m.metrics.RoomError()

	m.bus.Publish(TopicRoomError, roomErr)
}
