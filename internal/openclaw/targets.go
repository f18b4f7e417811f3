// Package openclaw persists OpenClaw targets and materializes each target's
// cron state from its on-disk spool.
package openclaw

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patze/control/internal/security"
)

// TargetType distinguishes local installs from bridge-managed remotes.
type TargetType string

const (
	TargetLocal  TargetType = "local"
	TargetRemote TargetType = "remote"
)

// TargetOrigin records how a target came to exist.
type TargetOrigin string

const (
	OriginUser  TargetOrigin = "user"
	OriginAuto  TargetOrigin = "auto"
	OriginSmoke TargetOrigin = "smoke"
)

// TargetPurpose separates production targets from test fixtures.
type TargetPurpose string

const (
	PurposeProduction TargetPurpose = "production"
	PurposeTest       TargetPurpose = "test"
)

// Target is one OpenClaw installation known to the control plane.
type Target struct {
	ID             string        `json:"id"`
	Label          string        `json:"label"`
	Type           TargetType    `json:"type"`
	Origin         TargetOrigin  `json:"origin"`
	Purpose        TargetPurpose `json:"purpose"`
	OpenClawDir    string        `json:"openclawDir"`
	PollIntervalMs int           `json:"pollIntervalMs"`
	Enabled        bool          `json:"enabled"`
	CreatedAt      string        `json:"createdAt"`
	UpdatedAt      string        `json:"updatedAt"`
}

// DefaultPollIntervalMs applies when a target does not specify one.
const DefaultPollIntervalMs = 15000

// TargetStore persists targets to targets.json under the cron store
// directory with atomic replace.
type TargetStore struct {
	mu      sync.Mutex
	path    string
	guard   *security.PathGuard
	targets map[string]*Target
}

// NewTargetStore loads persisted targets, if any.
func NewTargetStore(cronStoreDir string, guard *security.PathGuard) (*TargetStore, error) {
	s := &TargetStore{
		path:    filepath.Join(cronStoreDir, "targets.json"),
		guard:   guard,
		targets: make(map[string]*Target),
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var list []*Target
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	for _, t := range list {
		s.targets[t.ID] = t
	}
	return s, nil
}

// normalize validates and defaults a target in place.
func (s *TargetStore) normalize(t *Target) error {
	if t.Type != TargetRemote {
		t.Type = TargetLocal
	}
	switch t.Origin {
	case OriginAuto, OriginSmoke:
	default:
		t.Origin = OriginUser
	}
	if t.Purpose != PurposeTest {
		t.Purpose = PurposeProduction
	}
	if t.Origin == OriginSmoke && t.Purpose != PurposeTest {
		return fmt.Errorf("smoke targets must have purpose=test")
	}
	if t.PollIntervalMs <= 0 {
		t.PollIntervalMs = DefaultPollIntervalMs
	}
	resolved, err := s.guard.ValidateOpenClawDir(t.OpenClawDir)
	if err != nil {
		return err
	}
	t.OpenClawDir = resolved
	return nil
}

// Create adds a target. Origin=smoke forces purpose=test per the invariant.
func (s *TargetStore) Create(t Target) (*Target, error) {
	if t.Origin == OriginSmoke {
		t.Purpose = PurposeTest
	}
	if err := s.normalize(&t); err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Label == "" {
		t.Label = filepath.Base(t.OpenClawDir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = &t
	if err := s.persistLocked(); err != nil {
		delete(s.targets, t.ID)
		return nil, err
	}
	cp := t
	return &cp, nil
}

// Update replaces mutable fields of an existing target.
func (s *TargetStore) Update(id string, patch Target) (*Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.targets[id]
	if !ok {
		return nil, fmt.Errorf("target %q not found", id)
	}
	next := *cur
	if patch.Label != "" {
		next.Label = patch.Label
	}
	if patch.OpenClawDir != "" {
		next.OpenClawDir = patch.OpenClawDir
	}
	if patch.PollIntervalMs > 0 {
		next.PollIntervalMs = patch.PollIntervalMs
	}
	next.Enabled = patch.Enabled
	if err := s.normalize(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	s.targets[id] = &next
	if err := s.persistLocked(); err != nil {
		s.targets[id] = cur
		return nil, err
	}
	cp := next
	return &cp, nil
}

// Delete removes a target. Unknown ids are a no-op.
func (s *TargetStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[id]; !ok {
		return nil
	}
	delete(s.targets, id)
	return s.persistLocked()
}

// Get returns one target.
func (s *TargetStore) Get(id string) (*Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns all targets sorted by creation time then id.
func (s *TargetStore) List() []*Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindByDir returns targets whose openclawDir equals the given resolved
// directory.
func (s *TargetStore) FindByDir(dir string) []*Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Target
	for _, t := range s.targets {
		if t.OpenClawDir == dir {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnsureAutoTarget returns an existing target for the directory or creates
// an auto-origin one, used when a bridge checks in for the first time.
func (s *TargetStore) EnsureAutoTarget(dir, label string) (*Target, error) {
	resolved, err := s.guard.ValidateOpenClawDir(dir)
	if err != nil {
		return nil, err
	}
	if existing := s.FindByDir(resolved); len(existing) > 0 {
		return existing[0], nil
	}
	return s.Create(Target{
		Label:       label,
		Type:        TargetRemote,
		Origin:      OriginAuto,
		OpenClawDir: resolved,
		Enabled:     true,
	})
}

func (s *TargetStore) persistLocked() error {
	list := make([]*Target, 0, len(s.targets))
	for _, t := range s.targets {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cron store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write targets: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace targets: %w", err)
	}
	return nil
}

// HashConfig returns the stable hash over the byte contents of
// openclaw.json. An empty or missing config hashes as "{}".
func HashConfig(raw []byte) string {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ReadConfig loads the target's primary config, checking the alternate
// location config/openclaw.json. A missing config returns nil bytes and no
// error.
func ReadConfig(openclawDir string) ([]byte, string, error) {
	primary := filepath.Join(openclawDir, "openclaw.json")
	if data, err := os.ReadFile(primary); err == nil {
		return data, primary, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	alt := filepath.Join(openclawDir, "config", "openclaw.json")
	if data, err := os.ReadFile(alt); err == nil {
		return data, alt, nil
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	return nil, primary, nil
}
