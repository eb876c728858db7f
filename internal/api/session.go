package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/bizportal/portal-realtime/internal/auth"
)

// ErrIncompleteSession is returned when the server response lacks a token
// or a user id.
var ErrIncompleteSession = errors.New("session response is missing token or user id")

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// sessionResponse from POST /auth/login and POST /auth/refresh
type sessionResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Login exchanges email and password for a session.
func (c *Client) Login(ctx context.Context, email, password string) (*auth.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/auth/login", "", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return toSession(resp)
}

// RefreshToken exchanges the current access token for a fresh session.
func (c *Client) RefreshToken(ctx context.Context, token string) (*auth.Session, error) {
	var resp sessionResponse
	if err := c.post(ctx, "/auth/refresh", token, nil, &resp); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return toSession(resp)
}

func toSession(resp sessionResponse) (*auth.Session, error) {
	sess := &auth.Session{
		AccessToken: resp.Token,
		UserID:      resp.UserID,
	}

	// Some deployments only put the user id in the token
	if sess.UserID == "" && sess.AccessToken != "" {
		if claims, err := auth.ParseClaims(sess.AccessToken); err == nil {
			sess.UserID = claims.UserID
		}
	}

	if !sess.Valid() {
		return nil, ErrIncompleteSession
	}
	return sess, nil
}
