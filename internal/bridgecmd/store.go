// Package bridgecmd implements the durable bridge command queue: a FIFO per
// (target, machine) with lease-based polling, heartbeats, approvals,
// idempotency, and at-most-once result application.
package bridgecmd

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is one point in the command lifecycle. succeeded, failed, rejected,
// and deadletter are terminal: a command in one of them never transitions
// again.
type State string

const (
	StateQueued     State = "queued"
	StateLeased     State = "leased"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
	StateDeadletter State = "deadletter"
)

func (s State) isTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejected, StateDeadletter:
		return true
	}
	return false
}

// Snapshot is the immutable intent of a command, fixed at enqueue time.
type Snapshot struct {
	TargetID         string   `json:"targetId"`
	MachineID        string   `json:"machineId"`
	TargetVersion    string   `json:"targetVersion"`
	Intent           string   `json:"intent"`
	Args             []string `json:"args,omitempty"`
	CreatedBy        string   `json:"createdBy"`
	IdempotencyKey   string   `json:"idempotencyKey,omitempty"`
	ApprovalRequired bool     `json:"approvalRequired"`
	PolicyVersion    string   `json:"policyVersion,omitempty"`
}

// Result is the bridge-reported outcome of a command.
type Result struct {
	Status     string                 `json:"status"`
	ExitCode   int                    `json:"exitCode"`
	DurationMs int64                  `json:"durationMs"`
	Stdout     string                 `json:"stdout,omitempty"`
	Stderr     string                 `json:"stderr,omitempty"`
	Truncated  bool                   `json:"truncated,omitempty"`
	Artifact   map[string]interface{} `json:"artifact,omitempty"`
	Duplicate  bool                   `json:"duplicate,omitempty"`
}

// Command is one queue entry.
type Command struct {
	ID             string     `json:"id"`
	Snapshot       Snapshot   `json:"snapshot"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	OwnerMachineID string     `json:"ownerMachineId,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	Approved       bool       `json:"approved"`
	ApprovedBy     string     `json:"approvedBy,omitempty"`
	ApprovedAt     *time.Time `json:"approvedAt,omitempty"`
	Attempts       int        `json:"attempts"`
	RejectReason   string     `json:"rejectReason,omitempty"`
}

// Errors surfaced to the API layer; each maps to a taxonomy code.
var (
	ErrNotFound              = errors.New("command not found")
	ErrInvalidTransition     = errors.New("invalid_transition")
	ErrNotOwner              = errors.New("lease owner mismatch")
	ErrTargetVersionMismatch = errors.New("target_version_mismatch")
)

const (
	// DefaultLeaseTTL applies when a poll does not request one.
	DefaultLeaseTTL = 30 * time.Second
	// MaxLeaseTTL caps bridge-requested lease extensions.
	MaxLeaseTTL = 5 * time.Minute
	// DefaultMaxAttempts is the retry budget before deadletter.
	DefaultMaxAttempts = 3
)

// Store serializes all command state transitions under one lock.
type Store struct {
	mu          sync.Mutex
	commands    map[string]*Command
	order       []string // enqueue order, FIFO per (target, machine)
	completed   map[string]string // idempotency key -> command id
	maxAttempts int
	now         func() time.Time
}

// NewStore creates an empty command store.
func NewStore(maxAttempts int) *Store {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Store{
		commands:    make(map[string]*Command),
		completed:   make(map[string]string),
		maxAttempts: maxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue appends a command. ApprovalRequired is forced on when mutation
// detection demands it, regardless of what the caller supplied.
func (s *Store) Enqueue(snap Snapshot) (*Command, error) {
	if snap.TargetID == "" || snap.MachineID == "" {
		return nil, fmt.Errorf("targetId and machineId are required")
	}
	if snap.Intent == "" {
		return nil, fmt.Errorf("intent is required")
	}
	if RequiresApproval(snap.Intent, snap.Args) {
		snap.ApprovalRequired = true
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		Snapshot:  snap,
		State:     StateQueued,
		CreatedAt: s.now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd.ID] = cmd
	s.order = append(s.order, cmd.ID)
	slog.Info("bridge command queued",
		"command_id", cmd.ID, "target_id", snap.TargetID, "intent", snap.Intent,
		"approval_required", snap.ApprovalRequired)
	return cmd.copy(), nil
}

// Approve records an approval. The supplied targetVersion must match the
// target's current config hash or the approval fails.
func (s *Store) Approve(id, approvedBy, targetVersion, currentTargetVersion string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cmd.State != StateQueued {
		return nil, fmt.Errorf("%w: approve from %s", ErrInvalidTransition, cmd.State)
	}
	if targetVersion != currentTargetVersion {
		return nil, ErrTargetVersionMismatch
	}
	now := s.now()
	cmd.Approved = true
	cmd.ApprovedBy = approvedBy
	cmd.ApprovedAt = &now
	return cmd.copy(), nil
}

// Poll leases the first queued command for the machine that is not blocked
// on approval. Expired leases are reclaimed first.
func (s *Store) Poll(machineID string, leaseTTL time.Duration) (*Command, bool) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if leaseTTL > MaxLeaseTTL {
		leaseTTL = MaxLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	for _, id := range s.order {
		cmd := s.commands[id]
		if cmd.State != StateQueued || cmd.Snapshot.MachineID != machineID {
			continue
		}
		if cmd.Snapshot.ApprovalRequired && !cmd.Approved {
			continue
		}
		exp := s.now().Add(leaseTTL)
		cmd.State = StateLeased
		cmd.OwnerMachineID = machineID
		cmd.LeaseExpiresAt = &exp
		return cmd.copy(), true
	}
	return nil, false
}

// Ack transitions a leased command to running. The caller must own the
// lease.
func (s *Store) Ack(id, machineID string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cmd.State != StateLeased {
		return nil, fmt.Errorf("%w: ack from %s", ErrInvalidTransition, cmd.State)
	}
	if cmd.OwnerMachineID != machineID {
		return nil, ErrNotOwner
	}
	cmd.State = StateRunning
	return cmd.copy(), nil
}

// Heartbeat extends the lease of a leased or running command.
func (s *Store) Heartbeat(id, machineID string, leaseTTL time.Duration) (*Command, error) {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if leaseTTL > MaxLeaseTTL {
		leaseTTL = MaxLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cmd.State != StateLeased && cmd.State != StateRunning {
		return nil, fmt.Errorf("%w: heartbeat from %s", ErrInvalidTransition, cmd.State)
	}
	if cmd.OwnerMachineID != machineID {
		return nil, ErrNotOwner
	}
	exp := s.now().Add(leaseTTL)
	cmd.LeaseExpiresAt = &exp
	return cmd.copy(), nil
}

// ApplyResult applies a bridge result at most once. A repeat result for an
// already-completed command from the same owner returns the stored result
// with duplicate=true. A result whose idempotency key was already completed
// by an earlier command is applied as a duplicate of that command's result.
func (s *Store) ApplyResult(id, machineID string, res Result) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, ErrNotFound
	}

	if cmd.State == StateSucceeded || cmd.State == StateFailed {
		if cmd.OwnerMachineID != machineID {
			return nil, ErrNotOwner
		}
		dup := *cmd.Result
		dup.Duplicate = true
		return &dup, nil
	}
	if cmd.State != StateRunning && cmd.State != StateLeased {
		return nil, fmt.Errorf("%w: result from %s", ErrInvalidTransition, cmd.State)
	}
	if cmd.OwnerMachineID != machineID {
		return nil, ErrNotOwner
	}

	if key := cmd.Snapshot.IdempotencyKey; key != "" {
		if prevID, done := s.completed[key]; done && prevID != id {
			prev := s.commands[prevID]
			dup := *prev.Result
			dup.Duplicate = true
			cmd.State = prev.State
			cmd.Result = &dup
			cmd.LeaseExpiresAt = nil
			return &dup, nil
		}
	}

	if res.Status != string(StateSucceeded) && res.Status != string(StateFailed) {
		return nil, fmt.Errorf("result status must be succeeded or failed")
	}
	sanitizeResult(&res)
	cmd.Result = &res
	cmd.State = State(res.Status)
	cmd.LeaseExpiresAt = nil
	if key := cmd.Snapshot.IdempotencyKey; key != "" {
		s.completed[key] = id
	}
	slog.Info("bridge command completed",
		"command_id", id, "state", cmd.State, "exit_code", res.ExitCode, "duration_ms", res.DurationMs)
	out := *cmd.Result
	return &out, nil
}

// Reject terminates a command from any non-terminal state. System-initiated.
func (s *Store) Reject(id, reason string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cmd.State.isTerminal() {
		return nil, fmt.Errorf("%w: reject from %s", ErrInvalidTransition, cmd.State)
	}
	cmd.State = StateRejected
	cmd.RejectReason = reason
	cmd.LeaseExpiresAt = nil
	cmd.OwnerMachineID = ""
	return cmd.copy(), nil
}

// ExpireLeases reclaims expired leases: the command returns to queued with
// the attempt counter bumped, or goes to deadletter once the retry budget is
// spent. Returns the ids that changed state.
func (s *Store) ExpireLeases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked()
}

func (s *Store) expireLocked() []string {
	now := s.now()
	var changed []string
	for _, id := range s.order {
		cmd := s.commands[id]
		if cmd.State != StateLeased && cmd.State != StateRunning {
			continue
		}
		if cmd.LeaseExpiresAt == nil || cmd.LeaseExpiresAt.After(now) {
			continue
		}
		cmd.Attempts++
		cmd.OwnerMachineID = ""
		cmd.LeaseExpiresAt = nil
		if cmd.Attempts >= s.maxAttempts {
			cmd.State = StateDeadletter
			slog.Warn("bridge command deadlettered", "command_id", id, "attempts", cmd.Attempts)
		} else {
			cmd.State = StateQueued
			slog.Info("bridge command lease expired, requeued", "command_id", id, "attempts", cmd.Attempts)
		}
		changed = append(changed, id)
	}
	return changed
}

// Get returns one command by id.
func (s *Store) Get(id string) (*Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.commands[id]
	if !ok {
		return nil, false
	}
	return cmd.copy(), true
}

// ListByTarget returns the commands for a target in enqueue order.
func (s *Store) ListByTarget(targetID string) []*Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Command
	for _, id := range s.order {
		cmd := s.commands[id]
		if targetID == "" || cmd.Snapshot.TargetID == targetID {
			out = append(out, cmd.copy())
		}
	}
	return out
}

// RunExpiry drives lease reclamation on a ticker until the done channel
// closes.
func (s *Store) RunExpiry(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.ExpireLeases()
		}
	}
}

func (c *Command) copy() *Command {
	cp := *c
	if c.LeaseExpiresAt != nil {
		t := *c.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if c.ApprovedAt != nil {
		t := *c.ApprovedAt
		cp.ApprovedAt = &t
	}
	if c.Result != nil {
		r := *c.Result
		cp.Result = &r
	}
	return &cp
}
