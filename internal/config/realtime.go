package config

import (
	"github.com/bizportal/portal-realtime/internal/connection"
)

// ManagerConfig converts the realtime section for the connection manager.
func (r RealtimeConfig) ManagerConfig() connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()

	cfg.WSURL = r.WSURL
	cfg.ReconnectBaseWait = r.ReconnectBaseDelay
	cfg.ReconnectMaxWait = r.ReconnectMaxDelay
	cfg.MaxDialAttempts = r.ReconnectMaxAttempts
	cfg.StableAfter = r.StableAfter
	if r.ControlWriteTimeout > 0 {
		cfg.ControlWriteTimeout = r.ControlWriteTimeout
	}

	cfg.Client.PingInterval = r.PingInterval
	cfg.Client.PingTimeout = r.PingTimeout
	cfg.Client.WriteTimeout = r.WriteTimeout
	cfg.Client.HandshakeTimeout = r.HandshakeTimeout
	if r.BufferSize > 0 {
		cfg.Client.BufferSize = r.BufferSize
	}

	return cfg
}
