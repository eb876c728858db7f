// Package config loads the portal-listen YAML configuration.
package config

import "time"

// Config is the root configuration.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Journal     JournalConfig     `yaml:"journal"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// APIConfig configures the portal REST client.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RealtimeConfig configures the realtime channel.
type RealtimeConfig struct {
	WSURL                string        `yaml:"ws_url"`
	Topics               []string      `yaml:"topics"` // Domain topics forwarded to consumers
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 = unlimited
	StableAfter          time.Duration `yaml:"stable_after"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	ControlWriteTimeout  time.Duration `yaml:"control_write_timeout"` // Room frames, written from the manager loop
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// CredentialsConfig locates the stored session.
type CredentialsConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig configures the Postgres event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds connection settings for one database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig configures the health and metrics HTTP server.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
