// Package cron schedules recurring control-plane tasks (at, every, cron) and
// executes them against the fleet.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"
)

var ErrTaskNotFound = errors.New("task not found")

// Schedule kinds.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// minEveryInterval guards against busy-loop schedules.
const minEveryInterval = time.Second

// maxRunsPerTask bounds the in-memory run history ring.
const maxRunsPerTask = 100

// Schedule describes when a task fires.
type Schedule struct {
	Kind    string `json:"kind"`
	At      string `json:"at,omitempty"`      // RFC3339, kind=at
	EveryMs int64  `json:"everyMs,omitempty"` // kind=every
	Expr    string `json:"expr,omitempty"`    // standard cron, kind=cron
}

// Task is one persisted scheduled task.
type Task struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Schedule  Schedule `json:"schedule"`
	Action    Action   `json:"action"`
	Enabled   bool     `json:"enabled"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
	LastRunAt string   `json:"lastRunAt,omitempty"`
	NextRunAt string   `json:"nextRunAt,omitempty"`
}

// TaskRun is one completed execution.
type TaskRun struct {
	ID         string `json:"id"`
	TaskID     string `json:"taskId"`
	StartedAt  string `json:"startedAt"`
	EndedAt    string `json:"endedAt"`
	Status     string `json:"status"` // ok or error
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

// TaskRunner executes one action; the Executor satisfies it.
type TaskRunner interface {
	Execute(ctx context.Context, action Action) (string, error)
}

// Service persists tasks and runs the single scheduler loop.
type Service struct {
	path   string
	runner TaskRunner

	// Snapshot, when set, captures a config restore point before a task
	// that names a targetId runs. The returned id is recorded on the run.
	Snapshot func(targetID string) (string, error)

	// TaskTimeout bounds one task execution.
	TaskTimeout time.Duration

	// OnRun, when set, receives every completed run. Called outside the
	// service lock.
	OnRun func(run TaskRun)

	mu      sync.Mutex
	tasks   map[string]*Task
	next    map[string]time.Time
	runs    map[string][]TaskRun
	running bool
	cancel  chan struct{}
	done    chan struct{}
	wake    chan struct{}
	now     func() time.Time
}

// NewService loads persisted tasks from <cronStoreDir>/tasks.json.
func NewService(cronStoreDir string, runner TaskRunner) (*Service, error) {
	s := &Service{
		path:        filepath.Join(cronStoreDir, "tasks.json"),
		runner:      runner,
		TaskTimeout: 60 * time.Second,
		tasks:       make(map[string]*Task),
		next:        make(map[string]time.Time),
		runs:        make(map[string][]TaskRun),
		wake:        make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tasks: %w", err)
	}
	var list []*Task
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse tasks: %w", err)
	}
	now := s.now()
	for _, t := range list {
		s.tasks[t.ID] = t
		if next, ok := s.nextRun(t, now); ok {
			s.next[t.ID] = next
		}
	}
	return s, nil
}

// validateSchedule checks the schedule is well formed.
func validateSchedule(sc Schedule) error {
	switch sc.Kind {
	case ScheduleAt:
		if _, err := time.Parse(time.RFC3339, sc.At); err != nil {
			return fmt.Errorf("schedule at must be RFC3339: %w", err)
		}
	case ScheduleEvery:
		if time.Duration(sc.EveryMs)*time.Millisecond < minEveryInterval {
			return fmt.Errorf("schedule interval must be at least %s", minEveryInterval)
		}
	case ScheduleCron:
		if _, err := robfig.ParseStandard(sc.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sc.Kind)
	}
	return nil
}

// nextRun computes the next fire time after the given instant. For kind=at
// the task fires once; after it has run there is no next time.
func (s *Service) nextRun(t *Task, after time.Time) (time.Time, bool) {
	switch t.Schedule.Kind {
	case ScheduleAt:
		if t.LastRunAt != "" {
			return time.Time{}, false
		}
		at, err := time.Parse(time.RFC3339, t.Schedule.At)
		if err != nil {
			return time.Time{}, false
		}
		return at, true
	case ScheduleEvery:
		return after.Add(time.Duration(t.Schedule.EveryMs) * time.Millisecond), true
	case ScheduleCron:
		sched, err := robfig.ParseStandard(t.Schedule.Expr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(after), true
	}
	return time.Time{}, false
}

// Create persists a new task.
func (s *Service) Create(t Task) (*Task, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("task name is required")
	}
	if t.Action.Type == "" {
		return nil, fmt.Errorf("task action is required")
	}
	if err := validateSchedule(t.Schedule); err != nil {
		return nil, err
	}
	now := s.now()
	t.ID = uuid.NewString()
	t.CreatedAt = now.Format(time.RFC3339)
	t.UpdatedAt = t.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &t
	if next, ok := s.nextRun(&t, now); ok && t.Enabled {
		s.next[t.ID] = next
		t.NextRunAt = next.Format(time.RFC3339)
	}
	if err := s.persistLocked(); err != nil {
		delete(s.tasks, t.ID)
		delete(s.next, t.ID)
		return nil, err
	}
	s.wakeLoop()
	cp := t
	return &cp, nil
}

// Update replaces a task's mutable fields and reschedules it.
func (s *Service) Update(id string, patch Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	next := *cur
	if patch.Name != "" {
		next.Name = patch.Name
	}
	if patch.Schedule.Kind != "" {
		if err := validateSchedule(patch.Schedule); err != nil {
			return nil, err
		}
		next.Schedule = patch.Schedule
	}
	if patch.Action.Type != "" {
		next.Action = patch.Action
	}
	next.Enabled = patch.Enabled
	next.UpdatedAt = s.now().Format(time.RFC3339)

	s.tasks[id] = &next
	delete(s.next, id)
	next.NextRunAt = ""
	if next.Enabled {
		if at, ok := s.nextRun(&next, s.now()); ok {
			s.next[id] = at
			next.NextRunAt = at.Format(time.RFC3339)
		}
	}
	if err := s.persistLocked(); err != nil {
		s.tasks[id] = cur
		return nil, err
	}
	s.wakeLoop()
	cp := next
	return &cp, nil
}

// Delete removes a task and its run history.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	delete(s.next, id)
	delete(s.runs, id)
	if err := s.persistLocked(); err != nil {
		return err
	}
	s.wakeLoop()
	return nil
}

// Get returns one task.
func (s *Service) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	if next, ok := s.next[id]; ok {
		cp.NextRunAt = next.Format(time.RFC3339)
	}
	return &cp, true
}

// List returns all tasks sorted by creation time then id.
func (s *Service) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for id, t := range s.tasks {
		cp := *t
		if next, ok := s.next[id]; ok {
			cp.NextRunAt = next.Format(time.RFC3339)
		}
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

// RunHistory returns up to limit most recent runs for a task. limit <= 0
// returns the full ring.
func (s *Service) RunHistory(taskID string, limit int) []TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := s.runs[taskID]
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	return append([]TaskRun(nil), runs...)
}

// Start launches the scheduler loop. Starting a running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.cancel = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()
	go s.loop()
	slog.Info("cron scheduler started")
}

// Stop halts the loop and drains the in-flight task.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	close(cancel)
	<-done
	slog.Info("cron scheduler stopped")
}

func (s *Service) wakeLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single scheduler goroutine: sleep until the earliest next fire
// time, run due tasks, repeat. Task mutations wake it early.
func (s *Service) loop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	defer close(done)

	for {
		wait := s.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-cancel:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.runDue()
		}
	}
}

// untilNext returns the sleep until the earliest scheduled task, bounded to
// keep the loop responsive even with no tasks.
func (s *Service) untilNext() time.Duration {
	const idleWait = time.Minute
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	wait := idleWait
	for _, at := range s.next {
		d := at.Sub(now)
		if d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// runDue executes every task whose next fire time has passed, sequentially.
func (s *Service) runDue() {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for id, at := range s.next {
		if !at.After(now) {
			if t, ok := s.tasks[id]; ok && t.Enabled {
				cp := *t
				due = append(due, &cp)
			}
			delete(s.next, id)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	for _, t := range due {
		s.runTask(t)
	}
}

func (s *Service) runTask(t *Task) {
	started := s.now()
	run := TaskRun{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		StartedAt: started.Format(time.RFC3339),
	}

	if s.Snapshot != nil {
		if targetID := t.Action.Params["targetId"]; targetID != "" {
			snapID, err := s.Snapshot(targetID)
			if err != nil {
				slog.Warn("pre-task snapshot failed", "task_id", t.ID, "target_id", targetID, "error", err)
			} else {
				run.SnapshotID = snapID
			}
		}
	}

	timeout := s.TaskTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), timeout)
	output, err := s.runner.Execute(ctx, t.Action)
	cancelCtx()

	run.EndedAt = s.now().Format(time.RFC3339)
	if err != nil {
		run.Status = "error"
		run.Error = err.Error()
		slog.Warn("task failed", "task_id", t.ID, "name", t.Name, "action", t.Action.Type, "error", err)
	} else {
		run.Status = "ok"
		run.Output = output
		slog.Info("task completed", "task_id", t.ID, "name", t.Name, "action", t.Action.Type)
	}
	if s.OnRun != nil {
		s.OnRun(run)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.runs[t.ID], run)
	if len(ring) > maxRunsPerTask {
		ring = ring[len(ring)-maxRunsPerTask:]
	}
	s.runs[t.ID] = ring

	cur, ok := s.tasks[t.ID]
	if !ok {
		return
	}
	cur.LastRunAt = run.StartedAt
	cur.NextRunAt = ""
	if next, ok := s.nextRun(cur, s.now()); ok && cur.Enabled {
		s.next[t.ID] = next
		cur.NextRunAt = next.Format(time.RFC3339)
	} else if cur.Schedule.Kind == ScheduleAt {
		// One-shot tasks disable themselves after firing.
		cur.Enabled = false
	}
	if err := s.persistLocked(); err != nil {
		slog.Error("task persist failed", "task_id", t.ID, "error", err)
	}
}

func (s *Service) persistLocked() error {
	list := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tasks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create cron store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tasks: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace tasks: %w", err)
	}
	return nil
}
