package security

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AuthMode selects how the control surface authorizes requests.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
)

// AuthConfig is the persisted shape of auth.json.
type AuthConfig struct {
	Mode  AuthMode `json:"mode"`
	Token string   `json:"token,omitempty"`
}

// AuthStore persists the auth mode and bearer token to
// <settingsDir>/auth.json with mode 0600.
type AuthStore struct {
	mu   sync.Mutex
	path string
	cfg  AuthConfig
}

// NewAuthStore loads (or initializes) the auth state. A missing file means
// mode "none".
func NewAuthStore(settingsDir string) (*AuthStore, error) {
	s := &AuthStore{
		path: filepath.Join(settingsDir, "auth.json"),
		cfg:  AuthConfig{Mode: AuthNone},
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read auth state: %w", err)
	}
	if err := json.Unmarshal(data, &s.cfg); err != nil {
		return nil, fmt.Errorf("parse auth state: %w", err)
	}
	if s.cfg.Mode != AuthToken {
		s.cfg.Mode = AuthNone
	}
	return s, nil
}

// Config returns the current auth configuration.
func (s *AuthStore) Config() AuthConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Set updates and persists the auth configuration. Token mode requires a
// non-empty token.
func (s *AuthStore) Set(cfg AuthConfig) error {
	if cfg.Mode == AuthToken && cfg.Token == "" {
		return fmt.Errorf("token mode requires a token")
	}
	if cfg.Mode != AuthToken {
		cfg = AuthConfig{Mode: AuthNone}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, cfg, 0o600); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Authorize checks a presented bearer token against the stored one in
// constant time. In mode "none" every request is authorized.
func (s *AuthStore) Authorize(bearer string) bool {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.Mode != AuthToken {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(cfg.Token)) == 1
}

// writeFileAtomic marshals v and replaces path atomically (tmp write +
// rename) with the given mode.
func writeFileAtomic(path string, v interface{}, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
