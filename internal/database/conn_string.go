package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/bizportal/portal-realtime/internal/config"
)

// ApplicationName is reported to the server so journal sessions show up
// in pg_stat_activity.
const ApplicationName = "portal-realtime"

// BuildConnString builds a PostgreSQL connection URL from config.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultDBPort
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("application_name", ApplicationName)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Redact returns the connection string with the password masked, for logs.
func Redact(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "<invalid connection string>"
	}
	return u.Redacted()
}
