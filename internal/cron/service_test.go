package cron

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner records executed actions.
type countingRunner struct {
	mu      sync.Mutex
	actions []Action
	err     error
}

func (r *countingRunner) Execute(_ context.Context, a Action) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	if r.err != nil {
		return "", r.err
	}
	return "done", nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func newService(t *testing.T) (*Service, *countingRunner) {
	t.Helper()
	runner := &countingRunner{}
	s, err := NewService(t.TempDir(), runner)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, runner
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, validateSchedule(Schedule{Kind: ScheduleEvery, EveryMs: 5000}))
	assert.NoError(t, validateSchedule(Schedule{Kind: ScheduleCron, Expr: "*/5 * * * *"}))
	assert.NoError(t, validateSchedule(Schedule{Kind: ScheduleAt, At: "2026-09-01T00:00:00Z"}))

	assert.Error(t, validateSchedule(Schedule{Kind: ScheduleEvery, EveryMs: 10}))
	assert.Error(t, validateSchedule(Schedule{Kind: ScheduleCron, Expr: "not a cron"}))
	assert.Error(t, validateSchedule(Schedule{Kind: ScheduleAt, At: "tomorrow"}))
	assert.Error(t, validateSchedule(Schedule{Kind: "sometimes"}))
}

func TestTaskCRUDAndPersistence(t *testing.T) {
	dir := t.TempDir()
	runner := &countingRunner{}
	s, err := NewService(dir, runner)
	require.NoError(t, err)

	created, err := s.Create(Task{
		Name:     "nightly report",
		Schedule: Schedule{Kind: ScheduleCron, Expr: "0 3 * * *"},
		Action:   Action{Type: ActionGenerateReport},
		Enabled:  true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.NextRunAt)

	_, err = s.Create(Task{Name: "bad", Schedule: Schedule{Kind: "nope"}, Action: Action{Type: ActionHealthCheck}})
	assert.Error(t, err)

	updated, err := s.Update(created.ID, Task{Name: "renamed", Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Empty(t, updated.NextRunAt, "disabled tasks are not scheduled")

	reloaded, err := NewService(dir, runner)
	require.NoError(t, err)
	got, ok := reloaded.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)

	require.NoError(t, s.Delete(created.ID))
	assert.ErrorIs(t, s.Delete(created.ID), ErrTaskNotFound)
}

func TestEveryTaskFiresRepeatedly(t *testing.T) {
	s, runner := newService(t)

	// Compress time instead of sleeping through real intervals. The clock is
	// installed before the loop starts so the loop never races the swap.
	base := time.Now().UTC()
	var offset time.Duration
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}

	_, err := s.Create(Task{
		Name:     "tick",
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
		Action:   Action{Type: ActionHealthCheck},
		Enabled:  true,
	})
	require.NoError(t, err)
	s.Start()
	s.Start() // no-op

	advance := func(d time.Duration) {
		mu.Lock()
		offset += d
		mu.Unlock()
		s.wakeLoop()
	}

	require.Eventually(t, func() bool {
		advance(1100 * time.Millisecond)
		return runner.count() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	task := s.List()[0]
	assert.NotEmpty(t, task.LastRunAt)
	assert.NotEmpty(t, task.NextRunAt, "repeating tasks reschedule after running")

	history := s.RunHistory(task.ID, 0)
	require.NotEmpty(t, history)
	assert.Equal(t, "ok", history[0].Status)
	assert.Equal(t, "done", history[0].Output)
}

func TestAtTaskFiresOnceAndDisables(t *testing.T) {
	s, runner := newService(t)

	created, err := s.Create(Task{
		Name:     "once",
		Schedule: Schedule{Kind: ScheduleAt, At: time.Now().UTC().Add(10 * time.Millisecond).Format(time.RFC3339)},
		Action:   Action{Type: ActionGenerateReport},
		Enabled:  true,
	})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool { return runner.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, ok := s.Get(created.ID)
		return ok && !got.Enabled
	}, 3*time.Second, 10*time.Millisecond)
	got, _ := s.Get(created.ID)
	assert.Empty(t, got.NextRunAt)

	// It never fires again.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
}

func TestFailedRunIsRecorded(t *testing.T) {
	s, runner := newService(t)
	runner.err = assert.AnError

	created, err := s.Create(Task{
		Name:     "broken",
		Schedule: Schedule{Kind: ScheduleAt, At: time.Now().UTC().Format(time.RFC3339)},
		Action:   Action{Type: ActionHealthCheck},
		Enabled:  true,
	})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		return len(s.RunHistory(created.ID, 0)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	run := s.RunHistory(created.ID, 0)[0]
	assert.Equal(t, "error", run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestPreTaskSnapshotRecordedOnRun(t *testing.T) {
	s, _ := newService(t)
	var snapped []string
	s.Snapshot = func(targetID string) (string, error) {
		snapped = append(snapped, targetID)
		return "snap-1", nil
	}

	created, err := s.Create(Task{
		Name:     "job",
		Schedule: Schedule{Kind: ScheduleAt, At: time.Now().UTC().Format(time.RFC3339)},
		Action:   Action{Type: ActionOpenClawCronRun, Params: map[string]string{"targetId": "t1", "jobId": "j1"}},
		Enabled:  true,
	})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		return len(s.RunHistory(created.ID, 0)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"t1"}, snapped)
	assert.Equal(t, "snap-1", s.RunHistory(created.ID, 0)[0].SnapshotID)
}
