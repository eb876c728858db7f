package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bizportal/portal-realtime/internal/auth"
	"github.com/bizportal/portal-realtime/internal/connection"
)

// sessionAPI is the part of the REST client the binary needs.
type sessionAPI interface {
	Login(ctx context.Context, email, password string) (*auth.Session, error)
	RefreshToken(ctx context.Context, token string) (*auth.Session, error)
}

var errNoCredentials = errors.New("no stored session: pass -email and -password to log in")

// obtainSession returns the stored session, or logs in with the flags and
// stores the result. Explicit credentials always win over the file. client
// may be nil when no API is configured.
func obtainSession(ctx context.Context, store *auth.FileStore, client sessionAPI, opts options, logger *slog.Logger) (auth.Session, error) {
	if opts.email == "" {
		sess, err := store.Load()
		if err != nil {
			if errors.Is(err, auth.ErrNoSession) {
				return auth.Session{}, errNoCredentials
			}
			return auth.Session{}, err
		}
		if _, ok := store.AccessToken(); !ok {
			logger.Warn("stored access token has expired, connecting anyway", "user_id", sess.UserID)
		}
		return sess, nil
	}

	if opts.password == "" {
		return auth.Session{}, errors.New("-password is required with -email")
	}
	if client == nil {
		return auth.Session{}, errors.New("api.base_url is required to log in")
	}

	logger.Info("logging in", "email", opts.email)
	sess, err := client.Login(ctx, opts.email, opts.password)
	if err != nil {
		return auth.Session{}, fmt.Errorf("login: %w", err)
	}
	if err := store.Save(*sess); err != nil {
		return auth.Session{}, err
	}
	return *sess, nil
}

// reloadCredentials rereads the credentials file, renews an expired token
// through the API when possible, and asks the manager to reconnect with
// whatever token the store now holds.
func reloadCredentials(ctx context.Context, store *auth.FileStore, client sessionAPI, mgr connection.Manager, logger *slog.Logger) {
	sess, err := store.Load()
	if err != nil {
		logger.Warn("reload credentials failed", "error", err, "path", store.Path())
		return
	}

	if _, ok := store.AccessToken(); !ok && client != nil {
		renewed, err := client.RefreshToken(ctx, sess.AccessToken)
		if err != nil {
			logger.Warn("token refresh failed", "error", err)
		} else if err := store.Save(*renewed); err != nil {
			logger.Warn("save refreshed session failed", "error", err)
		} else {
			logger.Info("access token refreshed", "user_id", renewed.UserID)
		}
	}

	mgr.Refresh()
}
