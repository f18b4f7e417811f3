package security

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SSHConnection is one saved custom SFTP/SSH connection.
type SSHConnection struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"privateKeyPath"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

// SSHConnectionStore persists the custom connection list to
// <settingsDir>/ssh-connections.json with mode 0600. Key paths are validated
// against the ~/.ssh allowlist before they are stored.
type SSHConnectionStore struct {
	mu    sync.Mutex
	path  string
	guard *PathGuard
	conns map[string]*SSHConnection
}

// NewSSHConnectionStore loads the persisted list, if any.
func NewSSHConnectionStore(settingsDir string, guard *PathGuard) (*SSHConnectionStore, error) {
	s := &SSHConnectionStore{
		path:  filepath.Join(settingsDir, "ssh-connections.json"),
		guard: guard,
		conns: make(map[string]*SSHConnection),
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ssh connections: %w", err)
	}
	var list []*SSHConnection
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse ssh connections: %w", err)
	}
	for _, c := range list {
		s.conns[c.ID] = c
	}
	return s, nil
}

// List returns connections sorted by label then id.
func (s *SSHConnectionStore) List() []*SSHConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SSHConnection, 0, len(s.conns))
	for _, c := range s.conns {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one connection by id.
func (s *SSHConnectionStore) Get(id string) (*SSHConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Save inserts or updates a connection and persists the list. A missing id
// is assigned.
func (s *SSHConnectionStore) Save(conn SSHConnection) (*SSHConnection, error) {
	if conn.Host == "" || conn.User == "" {
		return nil, fmt.Errorf("host and user are required")
	}
	if conn.Port <= 0 {
		conn.Port = 22
	}
	if conn.PrivateKeyPath != "" {
		resolved, err := s.guard.ValidateSSHKeyPath(conn.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		conn.PrivateKeyPath = resolved
	}

	now := time.Now().UTC().Format(time.RFC3339)
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
		conn.CreatedAt = now
	} else if prev, ok := s.conns[conn.ID]; ok {
		conn.CreatedAt = prev.CreatedAt
	} else {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	s.conns[conn.ID] = &conn
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	cp := conn
	return &cp, nil
}

// Delete removes a connection. Deleting an unknown id is a no-op.
func (s *SSHConnectionStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return nil
	}
	delete(s.conns, id)
	return s.persistLocked()
}

func (s *SSHConnectionStore) persistLocked() error {
	list := make([]*SSHConnection, 0, len(s.conns))
	for _, c := range s.conns {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return writeFileAtomic(s.path, list, 0o600)
}
