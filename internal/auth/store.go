// Package auth holds the portal session credentials: the access token and
// user id the realtime channel authenticates with.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSession is returned when no credentials are stored.
var ErrNoSession = errors.New("no stored session")

// Session is an authenticated portal session.
type Session struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

// Valid reports whether both fields are set.
func (s Session) Valid() bool {
	return s.AccessToken != "" && s.UserID != ""
}

// FileStore keeps the session in a JSON file. It is the credential store the
// connection manager asks for a fresh token when a refresh is owed.
type FileStore struct {
	path string
	now  func() time.Time

	mu      sync.RWMutex
	session Session
}

// NewFileStore creates a store backed by path. Nothing is read until Load.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		now:  time.Now,
	}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the session from disk, replacing the one in memory.
func (s *FileStore) Load() (Session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, ErrNoSession
		}
		return Session{}, fmt.Errorf("read credentials: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("parse credentials: %w", err)
	}

	// Older files carry only the token
	if sess.UserID == "" && sess.AccessToken != "" {
		if claims, err := ParseClaims(sess.AccessToken); err == nil {
			sess.UserID = claims.UserID
		}
	}
	if !sess.Valid() {
		return Session{}, ErrNoSession
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return sess, nil
}

// Save writes the session to disk and keeps it in memory. The file is
// replaced atomically and is readable by the owner only.
func (s *FileStore) Save(sess Session) error {
	if !sess.Valid() {
		return fmt.Errorf("save credentials: access token and user id are required")
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return nil
}

// Session returns the session held in memory.
func (s *FileStore) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.session.Valid()
}

// AccessToken returns the current access token. A token whose exp claim
// has passed is not offered.
func (s *FileStore) AccessToken() (string, bool) {
	s.mu.RLock()
	token := s.session.AccessToken
	s.mu.RUnlock()

	if token == "" {
		return "", false
	}
	if claims, err := ParseClaims(token); err == nil && claims.Expired(s.now()) {
		return "", false
	}
	return token, true
}

// Clear forgets the session and removes the file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	s.session = Session{}
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
