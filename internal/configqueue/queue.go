// Package configqueue holds per-target pending CLI invocations and applies
// them transactionally against the target's OpenClaw directory, with
// snapshot-based rollback and sandboxed previews.
package configqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patze/control/internal/openclaw"
)

var (
	ErrTargetNotFound    = errors.New("target not found")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrNoPendingCommands = errors.New("no pending commands")
)

// maxSnapshotsPerTarget bounds retained snapshots; oldest are dropped.
const maxSnapshotsPerTarget = 50

// PendingCommand is one queued CLI invocation.
type PendingCommand struct {
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Description string   `json:"description,omitempty"`
	QueuedAt    string   `json:"queuedAt"`
}

// ConfigSnapshot captures the raw config bytes at a point in time. Raw is nil
// when no config file existed.
type ConfigSnapshot struct {
	ID       string `json:"id"`
	TargetID string `json:"targetId"`
	TakenAt  string `json:"takenAt"`
	Reason   string `json:"reason"`
	Source   string `json:"source,omitempty"`
	Path     string `json:"path"`
	Hash     string `json:"hash"`
	Raw      []byte `json:"raw,omitempty"`
}

// PreviewResult is the simulated outcome of the pending commands.
type PreviewResult struct {
	Simulated    bool         `json:"simulated"`
	CommandCount int          `json:"commandCount"`
	Before       string       `json:"before"`
	After        string       `json:"after"`
	Changed      bool         `json:"changed"`
	Results      []ExecResult `json:"results"`
}

// ApplyResult is the transactional outcome of an apply.
type ApplyResult struct {
	OK         bool         `json:"ok"`
	Error      string       `json:"error,omitempty"`
	SnapshotID string       `json:"snapshotId"`
	Results    []ExecResult `json:"results"`
}

// Queue serializes config mutations per process. Binary overrides the
// executable for tests; it must pass the same validation as queued commands.
type Queue struct {
	targets *openclaw.TargetStore
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string][]PendingCommand
	snapshots map[string][]*ConfigSnapshot
}

// NewQueue creates a queue over the given target store.
func NewQueue(targets *openclaw.TargetStore) *Queue {
	return &Queue{
		targets:   targets,
		timeout:   DefaultCommandTimeout,
		pending:   make(map[string][]PendingCommand),
		snapshots: make(map[string][]*ConfigSnapshot),
	}
}

// SetCommandTimeout overrides the per-command timeout, capped at the maximum.
func (q *Queue) SetCommandTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCommandTimeout
	}
	if d > MaxCommandTimeout {
		d = MaxCommandTimeout
	}
	q.timeout = d
}

// Enqueue validates and appends a pending command for the target.
func (q *Queue) Enqueue(targetID string, cmd PendingCommand) error {
	if _, ok := q.targets.Get(targetID); !ok {
		return ErrTargetNotFound
	}
	if err := validateBinary(cmd.Command); err != nil {
		return err
	}
	cmd.QueuedAt = time.Now().UTC().Format(time.RFC3339)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[targetID] = append(q.pending[targetID], cmd)
	return nil
}

// ListPending returns the target's queued commands in order.
func (q *Queue) ListPending(targetID string) []PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingCommand(nil), q.pending[targetID]...)
}

// ClearPending drops the target's queued commands.
func (q *Queue) ClearPending(targetID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, targetID)
}

// Preview copies the target's directory to a sandbox, runs the pending
// commands against the copy, and diffs openclaw.json before/after. The real
// directory is never touched.
func (q *Queue) Preview(ctx context.Context, targetID string) (*PreviewResult, error) {
	target, ok := q.targets.Get(targetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	pending := q.ListPending(targetID)

	before, _, err := openclaw.ReadConfig(target.OpenClawDir)
	if err != nil {
		return nil, err
	}

	sandbox, err := os.MkdirTemp("", "patze-preview-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	defer os.RemoveAll(sandbox)
	if err := copyDir(target.OpenClawDir, sandbox); err != nil {
		return nil, fmt.Errorf("populate sandbox: %w", err)
	}

	res := &PreviewResult{Simulated: true, CommandCount: len(pending)}
	for _, cmd := range pending {
		out, err := runCommand(ctx, sandbox, cmd.Command, cmd.Args, q.timeout)
		if err != nil {
			return nil, err
		}
		res.Results = append(res.Results, *out)
		if out.ExitCode != 0 {
			break
		}
	}

	after, _, err := openclaw.ReadConfig(sandbox)
	if err != nil {
		return nil, err
	}
	res.Before = string(before)
	res.After = string(after)
	res.Changed = !bytes.Equal(before, after)
	return res, nil
}

// Apply runs the pending commands in the real directory. A snapshot is taken
// first; any non-zero exit restores it so openclaw.json ends byte-identical
// to the pre-apply contents.
func (q *Queue) Apply(ctx context.Context, targetID, source string) (*ApplyResult, error) {
	target, ok := q.targets.Get(targetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	pending := q.ListPending(targetID)
	if len(pending) == 0 {
		return nil, ErrNoPendingCommands
	}

	snap, err := q.takeSnapshot(target, "pre-apply", source)
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{SnapshotID: snap.ID}
	for _, cmd := range pending {
		out, err := runCommand(ctx, target.OpenClawDir, cmd.Command, cmd.Args, q.timeout)
		if err != nil {
			q.restore(snap)
			return nil, err
		}
		res.Results = append(res.Results, *out)
		if out.ExitCode != 0 {
			if rerr := q.restore(snap); rerr != nil {
				slog.Error("config rollback failed", "target_id", targetID, "snapshot_id", snap.ID, "error", rerr)
				res.Error = "command failed and rollback failed"
				return res, nil
			}
			slog.Warn("config apply rolled back",
				"target_id", targetID, "snapshot_id", snap.ID,
				"command", cmd.Command, "exit_code", out.ExitCode)
			res.Error = fmt.Sprintf("command exited with code %d; configuration restored", out.ExitCode)
			return res, nil
		}
	}

	q.ClearPending(targetID)
	res.OK = true
	slog.Info("config apply succeeded", "target_id", targetID, "snapshot_id", snap.ID, "commands", len(pending))
	return res, nil
}

// Snapshot captures the target's current config outside an apply, for
// callers like the cron service that record restore points per task run.
func (q *Queue) Snapshot(targetID, reason, source string) (*ConfigSnapshot, error) {
	target, ok := q.targets.Get(targetID)
	if !ok {
		return nil, ErrTargetNotFound
	}
	return q.takeSnapshot(target, reason, source)
}

// ListSnapshots returns the target's snapshots, newest first, without raw
// contents.
func (q *Queue) ListSnapshots(targetID string) []*ConfigSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snaps := q.snapshots[targetID]
	out := make([]*ConfigSnapshot, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		cp := *snaps[i]
		cp.Raw = nil
		out = append(out, &cp)
	}
	return out
}

// GetSnapshot returns one snapshot with contents.
func (q *Queue) GetSnapshot(targetID, snapshotID string) (*ConfigSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.snapshots[targetID] {
		if s.ID == snapshotID {
			cp := *s
			cp.Raw = append([]byte(nil), s.Raw...)
			return &cp, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

// RollbackToSnapshot restores a snapshot's config bytes, auto-creating a
// pre-rollback snapshot first. It returns the id of that safety snapshot.
func (q *Queue) RollbackToSnapshot(targetID, snapshotID string) (string, error) {
	target, ok := q.targets.Get(targetID)
	if !ok {
		return "", ErrTargetNotFound
	}
	snap, err := q.GetSnapshot(targetID, snapshotID)
	if err != nil {
		return "", err
	}
	pre, err := q.takeSnapshot(target, "pre-rollback", "")
	if err != nil {
		return "", err
	}
	if err := q.restore(snap); err != nil {
		return "", err
	}
	slog.Info("config rolled back", "target_id", targetID, "snapshot_id", snapshotID, "pre_rollback_id", pre.ID)
	return pre.ID, nil
}

func (q *Queue) takeSnapshot(target *openclaw.Target, reason, source string) (*ConfigSnapshot, error) {
	raw, path, err := openclaw.ReadConfig(target.OpenClawDir)
	if err != nil {
		return nil, err
	}
	snap := &ConfigSnapshot{
		ID:       uuid.NewString(),
		TargetID: target.ID,
		TakenAt:  time.Now().UTC().Format(time.RFC3339),
		Reason:   reason,
		Source:   source,
		Path:     path,
		Hash:     openclaw.HashConfig(raw),
		Raw:      append([]byte(nil), raw...),
	}
	if raw == nil {
		snap.Raw = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	snaps := append(q.snapshots[target.ID], snap)
	if len(snaps) > maxSnapshotsPerTarget {
		snaps = snaps[len(snaps)-maxSnapshotsPerTarget:]
	}
	q.snapshots[target.ID] = snaps
	return snap, nil
}

// restore writes the snapshot's bytes back to its path. A snapshot taken when
// no config existed removes the file.
func (q *Queue) restore(snap *ConfigSnapshot) error {
	if snap.Raw == nil {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(snap.Path), 0o755); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	tmp := snap.Path + ".tmp"
	if err := os.WriteFile(tmp, snap.Raw, 0o644); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if err := os.Rename(tmp, snap.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore snapshot: %w", err)
	}
	return nil
}

// copyDir mirrors src into dst. Symlinks are skipped so a preview sandbox
// cannot reach outside the copied tree.
func copyDir(src, dst string) error {
	entries := []struct{ src, dst string }{{src, dst}}
	for len(entries) > 0 {
		cur := entries[0]
		entries = entries[1:]

		items, err := os.ReadDir(cur.src)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cur.dst, 0o755); err != nil {
			return err
		}
		for _, item := range items {
			s := filepath.Join(cur.src, item.Name())
			d := filepath.Join(cur.dst, item.Name())
			if item.Type()&os.ModeSymlink != 0 {
				continue
			}
			if item.IsDir() {
				entries = append(entries, struct{ src, dst string }{s, d})
				continue
			}
			if err := copyFile(s, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
