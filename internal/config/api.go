package config

import (
	"github.com/bizportal/portal-realtime/internal/api"
)

// ClientConfig converts the api section for the session client.
func (a APIConfig) ClientConfig() api.Config {
	return api.Config{
		BaseURL:      a.BaseURL,
		Timeout:      a.Timeout,
		MaxRetries:   a.MaxRetries,
		RetryBackoff: a.RetryBackoff,
	}
}
