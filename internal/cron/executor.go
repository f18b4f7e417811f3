package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/patze/control/internal/attach"
	"github.com/patze/control/internal/configqueue"
	"github.com/patze/control/internal/openclaw"
	"github.com/patze/control/internal/telemetry"
)

// Action types the executor understands.
const (
	ActionHealthCheck        = "health_check"
	ActionReconnectEndpoints = "reconnect_endpoints"
	ActionCleanupSessions    = "cleanup_sessions"
	ActionGenerateReport     = "generate_report"
	ActionCustomWebhook      = "custom_webhook"
	ActionOpenClawCronRun    = "openclaw_cron_run"
)

// Action is the payload of one scheduled task.
type Action struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// staleSessionAge is the threshold for cleanup_sessions counting.
const staleSessionAge = 30 * time.Minute

// AttachmentProber is the slice of the orchestrator the executor needs.
type AttachmentProber interface {
	ListAttachments() []*attach.Attachment
	ProbeHealth(ctx context.Context, endpointID string) error
	Reattach(ctx context.Context, endpointID string) (*attach.Attachment, error)
}

// SnapshotSource provides the current unified telemetry snapshot.
type SnapshotSource interface {
	Snapshot() *telemetry.UnifiedSnapshot
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Executor implements the concrete task actions.
type Executor struct {
	Attachments AttachmentProber
	Telemetry   SnapshotSource
	Targets     *openclaw.TargetStore

	// OpenClawBinary overrides the CLI for openclaw_cron_run; empty means
	// the default allowed name.
	OpenClawBinary string
	CLITimeout     time.Duration

	httpClient   *http.Client
	webhookGuard func(string) error
	now          func() time.Time
}

// NewExecutor wires an executor with defaults.
func NewExecutor(attachments AttachmentProber, snapshots SnapshotSource, targets *openclaw.TargetStore) *Executor {
	return &Executor{
		Attachments: attachments,
		Telemetry:   snapshots,
		Targets:     targets,
		CLITimeout:  configqueue.DefaultCommandTimeout,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one action and returns a human-readable outcome.
func (x *Executor) Execute(ctx context.Context, action Action) (string, error) {
	switch action.Type {
	case ActionHealthCheck:
		return x.healthCheck(ctx)
	case ActionReconnectEndpoints:
		return x.reconnectEndpoints(ctx)
	case ActionCleanupSessions:
		return x.cleanupSessions()
	case ActionGenerateReport:
		return x.generateReport()
	case ActionCustomWebhook:
		return x.customWebhook(ctx, action.Params)
	case ActionOpenClawCronRun:
		return x.openclawCronRun(ctx, action.Params)
	default:
		return "", fmt.Errorf("unknown task action %q", action.Type)
	}
}

func (x *Executor) healthCheck(ctx context.Context) (string, error) {
	if x.Attachments == nil {
		return "no attachments configured", nil
	}
	attachments := x.Attachments.ListAttachments()
	healthy := 0
	for _, a := range attachments {
		if err := x.Attachments.ProbeHealth(ctx, a.EndpointID); err == nil {
			healthy++
		}
	}
	return fmt.Sprintf("%d/%d attachments healthy", healthy, len(attachments)), nil
}

func (x *Executor) reconnectEndpoints(ctx context.Context) (string, error) {
	if x.Attachments == nil {
		return "no attachments configured", nil
	}
	attachments := x.Attachments.ListAttachments()
	reconnected, failed := 0, 0
	for _, a := range attachments {
		if err := x.Attachments.ProbeHealth(ctx, a.EndpointID); err == nil {
			continue
		}
		if _, err := x.Attachments.Reattach(ctx, a.EndpointID); err != nil {
			failed++
			slog.Warn("endpoint reconnect failed", "endpoint_id", a.EndpointID, "error", err)
			continue
		}
		reconnected++
	}
	return fmt.Sprintf("%d reconnected, %d failed of %d attachments", reconnected, failed, len(attachments)), nil
}

// cleanupSessions counts non-terminal sessions older than the threshold. It
// reports only; nothing is mutated.
func (x *Executor) cleanupSessions() (string, error) {
	if x.Telemetry == nil {
		return "no telemetry configured", nil
	}
	snap := x.Telemetry.Snapshot()
	cutoff := x.now().Add(-staleSessionAge)
	stale := 0
	for _, s := range snap.Sessions {
		if s.State.IsTerminal() {
			continue
		}
		ref := s.UpdatedAt
		if ref == "" {
			ref = s.StartedAt
		}
		if ref == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, ref); err == nil && ts.Before(cutoff) {
			stale++
		}
	}
	return fmt.Sprintf("%d stale sessions (non-terminal, older than %s)", stale, staleSessionAge), nil
}

func (x *Executor) generateReport() (string, error) {
	if x.Telemetry == nil {
		return "no telemetry configured", nil
	}
	snap := x.Telemetry.Snapshot()
	active := 0
	for _, runs := range snap.ActiveRunsByMachineID {
		active += len(runs)
	}
	report := map[string]int{
		"machines":   len(snap.Machines),
		"sessions":   len(snap.Sessions),
		"runs":       len(snap.Runs),
		"activeRuns": active,
		"events":     snap.EventCount,
	}
	slog.Info("fleet report",
		"machines", report["machines"],
		"sessions", report["sessions"],
		"runs", report["runs"],
		"active_runs", report["activeRuns"],
		"events", report["events"])
	out, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (x *Executor) customWebhook(ctx context.Context, params map[string]string) (string, error) {
	rawURL := params["url"]
	guard := x.webhookGuard
	if guard == nil {
		guard = func(raw string) error {
			_, err := ValidateWebhookURL(raw)
			return err
		}
	}
	if err := guard(rawURL); err != nil {
		return "", err
	}
	method, err := ValidateWebhookMethod(params["method"])
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	resp, err := x.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	return fmt.Sprintf("%s %s -> %d", method, rawURL, resp.StatusCode), nil
}

func (x *Executor) openclawCronRun(ctx context.Context, params map[string]string) (string, error) {
	jobID := params["jobId"]
	if !validJobID.MatchString(jobID) {
		return "", fmt.Errorf("invalid job id")
	}
	targetID := params["targetId"]
	target, ok := x.Targets.Get(targetID)
	if !ok {
		return "", fmt.Errorf("target %q not found", targetID)
	}

	binary := x.OpenClawBinary
	if binary == "" {
		binary = configqueue.AllowedBinary
	}
	timeout := x.CLITimeout
	if timeout <= 0 {
		timeout = configqueue.DefaultCommandTimeout
	}
	res, err := configqueue.RunCLI(ctx, target.OpenClawDir, binary, []string{"cron", "run", jobID}, timeout)
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("openclaw cron run timed out after %s", timeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("openclaw cron run exited with code %d", res.ExitCode)
	}
	return res.Stdout, nil
}
