package openclaw

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// CronJob is one scheduled job as written by a bridge into jobs.json.
type CronJob struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
	Command   string `json:"command,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
	Enabled   bool   `json:"enabled"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// JobsFile is the on-disk shape of <openclawDir>/cron/jobs.json.
type JobsFile struct {
	Version int       `json:"version"`
	Jobs    []CronJob `json:"jobs"`
}

// RunStatus is the outcome of one job run.
type RunStatus string

const (
	RunOK      RunStatus = "ok"
	RunError   RunStatus = "error"
	RunTimeout RunStatus = "timeout"
	RunRunning RunStatus = "running"
)

// RunRecord is one line of runs/<safe(jobId)>.jsonl. Bridges append; the
// sync manager reads forward-only.
type RunRecord struct {
	JobID      string    `json:"jobId"`
	RunID      string    `json:"runId"`
	StartedAt  string    `json:"startedAt"`
	EndedAt    string    `json:"endedAt,omitempty"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
}

var unsafeJobIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SafeJobID maps a job id to a filesystem-safe filename fragment.
func SafeJobID(jobID string) string {
	safe := unsafeJobIDChars.ReplaceAllString(jobID, "_")
	if safe == "" || safe == "." || safe == ".." {
		safe = "_"
	}
	return safe
}

func jobsPath(openclawDir string) string {
	return filepath.Join(openclawDir, "cron", "jobs.json")
}

func runsPath(openclawDir, jobID string) string {
	return filepath.Join(openclawDir, "cron", "runs", SafeJobID(jobID)+".jsonl")
}

// ReadJobs parses the jobs file. A missing file is an empty list; a corrupt
// file is an error the caller counts as a failed tick.
func ReadJobs(openclawDir string) (*JobsFile, error) {
	data, err := os.ReadFile(jobsPath(openclawDir))
	if os.IsNotExist(err) {
		return &JobsFile{Version: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs: %w", err)
	}
	var jf JobsFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse jobs: %w", err)
	}
	return &jf, nil
}

// WriteJobsAtomic replaces jobs.json via tmp write + rename. It returns
// whether the file content actually changed, so unchanged syncs leave disk
// byte-identical.
func WriteJobsAtomic(openclawDir string, jf *JobsFile) (bool, error) {
	if jf.Version == 0 {
		jf.Version = 1
	}
	data, err := json.MarshalIndent(jf, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal jobs: %w", err)
	}
	data = append(data, '\n')

	path := jobsPath(openclawDir)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create cron directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return false, fmt.Errorf("write jobs: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("replace jobs: %w", err)
	}
	return true, nil
}

// ReadRunsSince reads complete JSONL records from the job's run history
// starting at offset. It returns the records and the new offset; a trailing
// partial line is left for the next read.
func ReadRunsSince(openclawDir, jobID string, offset int64) ([]RunRecord, int64, error) {
	f, err := os.Open(runsPath(openclawDir, jobID))
	if os.IsNotExist(err) {
		return nil, offset, nil
	}
	if err != nil {
		return nil, offset, fmt.Errorf("open run history: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if offset > info.Size() {
		// File was replaced or truncated; start over.
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}

	var records []RunRecord
	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// Incomplete trailing line: leave it for the next tick.
			break
		}
		if err != nil {
			return records, pos, err
		}
		pos += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// A corrupt line is skipped, not fatal: the offset advances so
			// the poller does not re-read it forever.
			continue
		}
		if rec.JobID == "" {
			rec.JobID = jobID
		}
		records = append(records, rec)
	}
	return records, pos, nil
}

// AppendRuns appends run records to the job's JSONL history.
func AppendRuns(openclawDir, jobID string, records []RunRecord) error {
	if len(records) == 0 {
		return nil
	}
	path := runsPath(openclawDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runs directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal run record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append run record: %w", err)
		}
	}
	return w.Flush()
}

// WriteConfigAtomic replaces openclaw.json (at its current location, or the
// primary one if absent) and reports whether the bytes changed.
func WriteConfigAtomic(openclawDir string, raw []byte) (bool, error) {
	existing, path, err := ReadConfig(openclawDir)
	if err != nil {
		return false, err
	}
	if bytes.Equal(existing, raw) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("replace config: %w", err)
	}
	return true, nil
}

// CronSyncRequest is the bridge check-in body. jobsHash is accepted but not
// verified against jobs; idempotency is enforced by byte comparison on disk.
type CronSyncRequest struct {
	MachineID     string                 `json:"machineId"`
	MachineLabel  string                 `json:"machineLabel,omitempty"`
	BridgeVersion string                 `json:"bridgeVersion,omitempty"`
	JobsHash      string                 `json:"jobsHash"`
	Jobs          []CronJob              `json:"jobs,omitempty"`
	ConfigHash    string                 `json:"configHash"`
	ConfigRaw     json.RawMessage        `json:"configRaw,omitempty"`
	NewRuns       map[string][]RunRecord `json:"newRuns,omitempty"`
	SentAt        string                 `json:"sentAt,omitempty"`
}

// CronSyncResult summarizes what a check-in changed on disk.
type CronSyncResult struct {
	OK            bool   `json:"ok"`
	TargetID      string `json:"targetId"`
	JobsApplied   bool   `json:"jobsApplied"`
	ConfigApplied bool   `json:"configApplied"`
	RunDeltaJobs  int    `json:"runDeltaJobs"`
}

// ApplyCronSync writes the bridge-supplied spool content into the target
// directory. Re-applying an identical request leaves disk state
// byte-identical.
func ApplyCronSync(openclawDir string, req *CronSyncRequest) (*CronSyncResult, error) {
	res := &CronSyncResult{OK: true}

	if req.Jobs != nil {
		changed, err := WriteJobsAtomic(openclawDir, &JobsFile{Version: 1, Jobs: req.Jobs})
		if err != nil {
			return nil, err
		}
		res.JobsApplied = changed
	}

	if len(req.ConfigRaw) > 0 {
		current, _, err := ReadConfig(openclawDir)
		if err != nil {
			return nil, err
		}
		if HashConfig(current) != req.ConfigHash || !bytes.Equal(current, req.ConfigRaw) {
			changed, err := WriteConfigAtomic(openclawDir, req.ConfigRaw)
			if err != nil {
				return nil, err
			}
			res.ConfigApplied = changed
		}
	}

	jobIDs := make([]string, 0, len(req.NewRuns))
	for jobID := range req.NewRuns {
		jobIDs = append(jobIDs, jobID)
	}
	sort.Strings(jobIDs)
	for _, jobID := range jobIDs {
		records := req.NewRuns[jobID]
		if len(records) == 0 {
			continue
		}
		if err := AppendRuns(openclawDir, jobID, records); err != nil {
			return nil, err
		}
		res.RunDeltaJobs++
	}
	return res, nil
}
