package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.BaseURL != "" {
		if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
			return err
		}
	}

	if err := c.Realtime.validate(); err != nil {
		return err
	}

	if c.Credentials.Path == "" {
		return errors.New("credentials.path is required")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < c.Journal.BatchSize {
			return fmt.Errorf("journal.buffer_size (%d) must be >= batch_size (%d)", c.Journal.BufferSize, c.Journal.BatchSize)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") || c.Metrics.Path == "/health" {
		return fmt.Errorf("metrics.path must start with / and not be /health, got %q", c.Metrics.Path)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (r *RealtimeConfig) validate() error {
	if r.WSURL == "" {
		return errors.New("realtime.ws_url is required")
	}
	if err := validateURL("realtime.ws_url", r.WSURL, "ws", "wss"); err != nil {
		return err
	}
	for i, topic := range r.Topics {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("realtime.topics[%d] is empty", i)
		}
	}
	if r.ReconnectBaseDelay <= 0 {
		return errors.New("realtime.reconnect_base_delay must be > 0")
	}
	if r.ReconnectMaxDelay < r.ReconnectBaseDelay {
		return fmt.Errorf("realtime.reconnect_max_delay (%s) cannot be less than reconnect_base_delay (%s)", r.ReconnectMaxDelay, r.ReconnectBaseDelay)
	}
	if r.ReconnectMaxAttempts < 0 {
		return errors.New("realtime.reconnect_max_attempts must be >= 0")
	}
	if r.PingInterval > 0 && r.PingTimeout <= r.PingInterval {
		return fmt.Errorf("realtime.ping_timeout (%s) must exceed ping_interval (%s)", r.PingTimeout, r.PingInterval)
	}
	if r.ControlWriteTimeout <= 0 || r.ControlWriteTimeout > r.WriteTimeout {
		return fmt.Errorf("realtime.control_write_timeout (%s) must be > 0 and <= write_timeout (%s)", r.ControlWriteTimeout, r.WriteTimeout)
	}
	if r.BufferSize < 1 {
		return errors.New("realtime.buffer_size must be >= 1")
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%s has no host", field)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
