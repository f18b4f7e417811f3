package openclaw

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedManager(t *testing.T) (*SyncManager, *Target, string) {
	t.Helper()
	store, _ := newTargetStore(t)
	target, err := store.Create(Target{OpenClawDir: "~/.openclaw/default", Enabled: true, PollIntervalMs: 25})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(target.OpenClawDir, 0o755))

	m := NewSyncManager(store)
	t.Cleanup(m.StopAll)
	return m, target, target.OpenClawDir
}

func waitStatus(t *testing.T, m *SyncManager, targetID string, ok func(SyncStatus) bool) SyncStatus {
	t.Helper()
	var last SyncStatus
	require.Eventually(t, func() bool {
		last = m.GetStatus(targetID)
		return ok(last)
	}, 3*time.Second, 10*time.Millisecond)
	return last
}

func TestSyncManagerPicksUpJobsAndRuns(t *testing.T) {
	m, target, dir := startedManager(t)

	_, err := WriteJobsAtomic(dir, &JobsFile{Jobs: []CronJob{{ID: "j1", Schedule: "@hourly", Enabled: true}}})
	require.NoError(t, err)
	require.NoError(t, AppendRuns(dir, "j1", []RunRecord{{RunID: "r1", Status: RunOK}}))

	require.NoError(t, m.StartTarget(target.ID))

	st := waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.Available && s.JobsCount == 1 })
	assert.True(t, st.Running)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.NotEmpty(t, st.LastSuccessfulSyncAt)

	jobs := m.GetJobs(target.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)

	require.Eventually(t, func() bool {
		return len(m.GetRunHistory(target.ID, "j1", 0)) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// New runs appended by the bridge show up on a later tick.
	require.NoError(t, AppendRuns(dir, "j1", []RunRecord{{RunID: "r2", Status: RunError}}))
	require.Eventually(t, func() bool {
		return len(m.GetRunHistory(target.ID, "j1", 0)) == 2
	}, 3*time.Second, 10*time.Millisecond)

	limited := m.GetRunHistory(target.ID, "j1", 1)
	require.Len(t, limited, 1)
	assert.Equal(t, "r2", limited[0].RunID, "limit keeps the most recent records")
}

func TestSyncManagerCorruptJobsKeepsPreviousList(t *testing.T) {
	m, target, dir := startedManager(t)

	_, err := WriteJobsAtomic(dir, &JobsFile{Jobs: []CronJob{{ID: "j1", Enabled: true}}})
	require.NoError(t, err)
	require.NoError(t, m.StartTarget(target.ID))
	waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.JobsCount == 1 })

	require.NoError(t, os.WriteFile(jobsPath(dir), []byte("{broken"), 0o644))
	st := waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.ConsecutiveFailures > 0 })
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, 1, st.JobsCount, "previous jobs survive a failed parse")
	require.Len(t, m.GetJobs(target.ID), 1)

	// Recovery resets the failure counter.
	_, err = WriteJobsAtomic(dir, &JobsFile{Jobs: []CronJob{{ID: "j1", Enabled: true}, {ID: "j2", Enabled: false}}})
	require.NoError(t, err)
	st = waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.ConsecutiveFailures == 0 && s.JobsCount == 2 })
	assert.Empty(t, st.LastError)
}

func TestSyncManagerLifecycle(t *testing.T) {
	m, target, _ := startedManager(t)

	assert.False(t, m.GetStatus(target.ID).Running)
	assert.True(t, m.GetStatus(target.ID).Stale)

	require.NoError(t, m.StartTarget(target.ID))
	require.NoError(t, m.StartTarget(target.ID), "starting a running target is a no-op")
	waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.Running })

	m.StopTarget(target.ID)
	assert.False(t, m.GetStatus(target.ID).Running)
	m.StopTarget(target.ID) // idempotent

	require.NoError(t, m.RestartTarget(target.ID))
	waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.Running })

	assert.Error(t, m.StartTarget("missing"))
}

func TestSyncManagerEmitsStatuses(t *testing.T) {
	m, target, _ := startedManager(t)

	got := make(chan SyncStatus, 64)
	m.Subscribe(func(st SyncStatus) {
		select {
		case got <- st:
		default:
		}
	})

	require.NoError(t, m.StartTarget(target.ID))
	select {
	case st := <-got:
		assert.Equal(t, target.ID, st.TargetID)
	case <-time.After(3 * time.Second):
		t.Fatal("no status emitted")
	}
}

func TestSyncManagerStatusDedupByDirectory(t *testing.T) {
	store, _ := newTargetStore(t)
	a, err := store.Create(Target{OpenClawDir: "~/.openclaw/shared", PollIntervalMs: 25})
	require.NoError(t, err)
	b, err := store.Create(Target{OpenClawDir: "~/.openclaw/shared", PollIntervalMs: 25})
	require.NoError(t, err)
	other, err := store.Create(Target{OpenClawDir: "~/.openclaw/solo", PollIntervalMs: 25})
	require.NoError(t, err)

	m := NewSyncManager(store)
	t.Cleanup(m.StopAll)

	statuses := m.GetAllStatuses()
	require.Len(t, statuses, 2, "targets sharing a directory collapse to one status")

	ids := map[string]bool{}
	for _, st := range statuses {
		ids[st.TargetID] = true
	}
	assert.True(t, ids[other.ID])
	assert.True(t, ids[a.ID] || ids[b.ID])
	assert.False(t, ids[a.ID] && ids[b.ID])
}

func TestCreateMergedView(t *testing.T) {
	m, target, dir := startedManager(t)

	_, err := WriteJobsAtomic(dir, &JobsFile{Jobs: []CronJob{
		{ID: "j2", Name: "", Schedule: "@daily", Enabled: true},
		{ID: "j1", Name: "report", Schedule: "@hourly", Enabled: false},
	}})
	require.NoError(t, err)
	require.NoError(t, m.StartTarget(target.ID))
	waitStatus(t, m, target.ID, func(s SyncStatus) bool { return s.JobsCount == 2 })

	user := []MergedEntry{{Source: "user", ID: "task-1", Name: "health check", Enabled: true}}
	merged := m.CreateMergedView(target.ID, user)
	require.Len(t, merged, 3)
	assert.Equal(t, "user", merged[0].Source)
	assert.Equal(t, "j1", merged[1].ID, "jobs are sorted by id after user tasks")
	assert.Equal(t, "report", merged[1].Name)
	assert.Equal(t, "j2", merged[2].Name, "unnamed jobs fall back to the id")
}
