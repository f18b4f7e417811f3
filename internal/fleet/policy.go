// Package fleet reconciles desired policy state against what bridges report,
// derives drifts, violations and health scores, and routes alerts.
package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity orders drift and violation severities.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityMinor:    2,
	SeverityMajor:    3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// PolicyProfile is the desired state applied to a set of targets.
type PolicyProfile struct {
	ID                     string `json:"id"`
	Name                   string `json:"name"`
	MinBridgeVersion       string `json:"minBridgeVersion,omitempty"`
	MaxSyncLagMs           int64  `json:"maxSyncLagMs"`
	MaxConsecutiveFailures int    `json:"maxConsecutiveFailures"`
	RequiredAuthMode       string `json:"requiredAuthMode,omitempty"`
	AllowAutoRemediation   bool   `json:"allowAutoRemediation"`
	CreatedAt              string `json:"createdAt"`
	UpdatedAt              string `json:"updatedAt"`
}

// DefaultPolicyID names the built-in profile assigned to unassigned targets.
const DefaultPolicyID = "default"

var ErrPolicyNotFound = errors.New("policy not found")

// PolicyStore holds profiles and per-target assignments in memory.
type PolicyStore struct {
	mu          sync.Mutex
	profiles    map[string]*PolicyProfile
	assignments map[string]string // targetID -> policyID
}

// NewPolicyStore creates a store seeded with the default profile.
func NewPolicyStore(defaults PolicyProfile) *PolicyStore {
	defaults.ID = DefaultPolicyID
	if defaults.Name == "" {
		defaults.Name = "Default"
	}
	if defaults.MaxSyncLagMs <= 0 {
		defaults.MaxSyncLagMs = 120000
	}
	if defaults.MaxConsecutiveFailures <= 0 {
		defaults.MaxConsecutiveFailures = 5
	}
	defaults.AllowAutoRemediation = false
	defaults.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	defaults.UpdatedAt = defaults.CreatedAt
	return &PolicyStore{
		profiles:    map[string]*PolicyProfile{DefaultPolicyID: &defaults},
		assignments: make(map[string]string),
	}
}

// Create adds a profile. Auto-remediation stays off regardless of input.
func (s *PolicyStore) Create(p PolicyProfile) (*PolicyProfile, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	p.ID = uuid.NewString()
	p.AllowAutoRemediation = false
	p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	p.UpdatedAt = p.CreatedAt
	if p.MaxSyncLagMs <= 0 {
		p.MaxSyncLagMs = 120000
	}
	if p.MaxConsecutiveFailures <= 0 {
		p.MaxConsecutiveFailures = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = &p
	cp := p
	return &cp, nil
}

// Get returns one profile.
func (s *PolicyStore) Get(id string) (*PolicyProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

// List returns all profiles.
func (s *PolicyStore) List() []*PolicyProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PolicyProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Delete removes a profile and any assignments to it. The default profile
// cannot be deleted.
func (s *PolicyStore) Delete(id string) error {
	if id == DefaultPolicyID {
		return fmt.Errorf("default policy cannot be deleted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(s.profiles, id)
	for targetID, policyID := range s.assignments {
		if policyID == id {
			delete(s.assignments, targetID)
		}
	}
	return nil
}

// Assign binds a target to a profile.
func (s *PolicyStore) Assign(targetID, policyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[policyID]; !ok {
		return ErrPolicyNotFound
	}
	s.assignments[targetID] = policyID
	return nil
}

// PolicyFor resolves the target's assigned profile, falling back to default.
func (s *PolicyStore) PolicyFor(targetID string) *PolicyProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.assignments[targetID]
	if !ok {
		id = DefaultPolicyID
	}
	p, ok := s.profiles[id]
	if !ok {
		p = s.profiles[DefaultPolicyID]
	}
	cp := *p
	return &cp
}
