package openclaw

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// SyncStatus is the derived sync state of one target.
type SyncStatus struct {
	TargetID             string `json:"targetId"`
	Running              bool   `json:"running"`
	Available            bool   `json:"available"`
	PollIntervalMs       int    `json:"pollIntervalMs"`
	JobsCount            int    `json:"jobsCount"`
	LastAttemptAt        string `json:"lastAttemptAt,omitempty"`
	LastSuccessfulSyncAt string `json:"lastSuccessfulSyncAt,omitempty"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	LastError            string `json:"lastError,omitempty"`
	Stale                bool   `json:"stale"`
}

// StatusListener receives a status after every completed tick.
type StatusListener func(status SyncStatus)

// MergedEntry is one row of the merged user-task/OpenClaw-job view.
type MergedEntry struct {
	Source   string `json:"source"` // "user" or "openclaw"
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// maxRunHistoryPerJob bounds the in-memory run ring per job.
const maxRunHistoryPerJob = 200

// syncWorker polls one target's spool on its interval.
type syncWorker struct {
	target Target
	cancel chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	jobs        []CronJob
	offsets     map[string]int64
	history     map[string][]RunRecord
	lastAttempt time.Time
	lastSuccess time.Time
	failures    int
	lastError   string
}

// SyncManager runs one worker per enabled target and owns their lifecycle.
type SyncManager struct {
	store *TargetStore

	// OnlineMachineIDs reports machine ids with a live bridge, used by the
	// status dedup rule. Nil means no dedup preference.
	OnlineMachineIDs func() []string

	mu      sync.Mutex
	workers map[string]*syncWorker
	subs    []StatusListener
	now     func() time.Time
}

// NewSyncManager creates a manager over the given target store.
func NewSyncManager(store *TargetStore) *SyncManager {
	return &SyncManager{
		store:   store,
		workers: make(map[string]*syncWorker),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers a status listener for every tick of every target.
func (m *SyncManager) Subscribe(fn StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *SyncManager) emit(status SyncStatus) {
	m.mu.Lock()
	subs := append([]StatusListener(nil), m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

// StartAll starts workers for every enabled target.
func (m *SyncManager) StartAll() {
	for _, t := range m.store.List() {
		if t.Enabled {
			m.StartTarget(t.ID)
		}
	}
}

// StartTarget starts the poller for one target. Starting a running target is
// a no-op.
func (m *SyncManager) StartTarget(targetID string) error {
	target, ok := m.store.Get(targetID)
	if !ok {
		return fmt.Errorf("target %q not found", targetID)
	}
	m.mu.Lock()
	if _, running := m.workers[targetID]; running {
		m.mu.Unlock()
		return nil
	}
	w := &syncWorker{
		target:  *target,
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
		offsets: make(map[string]int64),
		history: make(map[string][]RunRecord),
	}
	m.workers[targetID] = w
	m.mu.Unlock()

	go m.run(w)
	slog.Info("sync started", "target_id", targetID, "poll_interval_ms", target.PollIntervalMs)
	return nil
}

// StopTarget stops the poller and drains the in-flight tick. Stopping a
// stopped target is a no-op.
func (m *SyncManager) StopTarget(targetID string) {
	m.mu.Lock()
	w, ok := m.workers[targetID]
	if ok {
		delete(m.workers, targetID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	close(w.cancel)
	<-w.done
	slog.Info("sync stopped", "target_id", targetID)
}

// RestartTarget stops (draining the current tick) and starts again with the
// target's current settings.
func (m *SyncManager) RestartTarget(targetID string) error {
	m.StopTarget(targetID)
	return m.StartTarget(targetID)
}

// StopAll stops every worker.
func (m *SyncManager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.StopTarget(id)
	}
}

func (m *SyncManager) run(w *syncWorker) {
	defer close(w.done)
	interval := time.Duration(w.target.PollIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(w)
	for {
		select {
		case <-w.cancel:
			return
		case <-ticker.C:
			m.tick(w)
		}
	}
}

// tick performs one poll: re-read jobs, then read new run records per job.
// A jobs parse error counts a failure and keeps the previous jobs list.
func (m *SyncManager) tick(w *syncWorker) {
	now := m.now()

	jf, err := ReadJobs(w.target.OpenClawDir)

	w.mu.Lock()
	w.lastAttempt = now
	if err != nil {
		w.failures++
		w.lastError = "jobs file unreadable"
		w.mu.Unlock()
		slog.Warn("sync tick failed", "target_id", w.target.ID, "error", err)
		m.emit(m.statusOf(w))
		return
	}
	w.jobs = jf.Jobs
	jobs := append([]CronJob(nil), jf.Jobs...)
	w.mu.Unlock()

	tickOK := true
	for _, job := range jobs {
		w.mu.Lock()
		offset := w.offsets[job.ID]
		w.mu.Unlock()

		records, newOffset, err := ReadRunsSince(w.target.OpenClawDir, job.ID, offset)
		if err != nil {
			tickOK = false
			slog.Warn("run history read failed", "target_id", w.target.ID, "job_id", job.ID, "error", err)
			continue
		}

		w.mu.Lock()
		w.offsets[job.ID] = newOffset
		if len(records) > 0 {
			ring := append(w.history[job.ID], records...)
			if len(ring) > maxRunHistoryPerJob {
				ring = ring[len(ring)-maxRunHistoryPerJob:]
			}
			w.history[job.ID] = ring
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	if tickOK {
		w.lastSuccess = now
		w.failures = 0
		w.lastError = ""
	} else {
		w.failures++
		w.lastError = "run history unreadable"
	}
	w.mu.Unlock()

	m.emit(m.statusOf(w))
}

// statusOf derives the public status of one worker. Stale means the last
// successful sync is older than 3x the poll interval.
func (m *SyncManager) statusOf(w *syncWorker) SyncStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	interval := time.Duration(w.target.PollIntervalMs) * time.Millisecond
	st := SyncStatus{
		TargetID:            w.target.ID,
		Running:             true,
		Available:           !w.lastSuccess.IsZero(),
		PollIntervalMs:      w.target.PollIntervalMs,
		JobsCount:           len(w.jobs),
		ConsecutiveFailures: w.failures,
		LastError:           w.lastError,
	}
	if !w.lastAttempt.IsZero() {
		st.LastAttemptAt = w.lastAttempt.Format(time.RFC3339)
	}
	if !w.lastSuccess.IsZero() {
		st.LastSuccessfulSyncAt = w.lastSuccess.Format(time.RFC3339)
		st.Stale = m.now().Sub(w.lastSuccess) > 3*interval
	} else {
		st.Stale = true
	}
	return st
}

// GetStatus returns the status of one target, or a stopped placeholder if no
// worker is running.
func (m *SyncManager) GetStatus(targetID string) SyncStatus {
	m.mu.Lock()
	w, ok := m.workers[targetID]
	m.mu.Unlock()
	if !ok {
		interval := DefaultPollIntervalMs
		if t, found := m.store.Get(targetID); found {
			interval = t.PollIntervalMs
		}
		return SyncStatus{TargetID: targetID, Running: false, PollIntervalMs: interval, Stale: true}
	}
	return m.statusOf(w)
}

// GetAllStatuses returns one status per registered directory, deduped:
// between targets sharing an openclawDir, prefer the one whose directory
// contains an online bridge machine id; break ties by most recent updatedAt.
// The matching rule for remote targets whose directory does not embed the
// machine id is deliberately the updatedAt tiebreak.
func (m *SyncManager) GetAllStatuses() []SyncStatus {
	targets := m.store.List()

	var online []string
	if m.OnlineMachineIDs != nil {
		online = m.OnlineMachineIDs()
	}

	byDir := make(map[string]*Target)
	for _, t := range targets {
		cur, ok := byDir[t.OpenClawDir]
		if !ok || preferTarget(t, cur, online) {
			byDir[t.OpenClawDir] = t
		}
	}

	out := make([]SyncStatus, 0, len(byDir))
	for _, t := range byDir {
		out = append(out, m.GetStatus(t.ID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// preferTarget reports whether a should replace b as the representative of
// a shared directory.
func preferTarget(a, b *Target, online []string) bool {
	aOnline := dirContainsOnlineMachine(a.OpenClawDir, online)
	bOnline := dirContainsOnlineMachine(b.OpenClawDir, online)
	if aOnline != bOnline {
		return aOnline
	}
	return a.UpdatedAt > b.UpdatedAt
}

func dirContainsOnlineMachine(dir string, online []string) bool {
	for _, id := range online {
		if id != "" && strings.Contains(dir, id) {
			return true
		}
	}
	return false
}

// GetJobs returns the jobs last read for the target.
func (m *SyncManager) GetJobs(targetID string) []CronJob {
	m.mu.Lock()
	w, ok := m.workers[targetID]
	m.mu.Unlock()
	if !ok {
		// No worker: serve the on-disk jobs file so stopped and
		// bridge-fed targets still list their jobs.
		t, found := m.store.Get(targetID)
		if !found {
			return nil
		}
		jf, err := ReadJobs(t.OpenClawDir)
		if err != nil || jf == nil {
			return nil
		}
		return append([]CronJob(nil), jf.Jobs...)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]CronJob(nil), w.jobs...)
}

// GetRunHistory returns up to limit most recent run records for a job.
// limit <= 0 means the full ring.
func (m *SyncManager) GetRunHistory(targetID, jobID string, limit int) []RunRecord {
	m.mu.Lock()
	w, ok := m.workers[targetID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring := w.history[jobID]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return append([]RunRecord(nil), ring...)
}

// CreateMergedView overlays user-defined tasks with the target's OpenClaw
// jobs for the UI. User tasks come first, then jobs sorted by id.
func (m *SyncManager) CreateMergedView(targetID string, userTasks []MergedEntry) []MergedEntry {
	out := append([]MergedEntry(nil), userTasks...)
	jobs := m.GetJobs(targetID)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	for _, job := range jobs {
		name := job.Name
		if name == "" {
			name = job.ID
		}
		out = append(out, MergedEntry{
			Source:   "openclaw",
			ID:       job.ID,
			Name:     name,
			Schedule: job.Schedule,
			Enabled:  job.Enabled,
		})
	}
	return out
}
