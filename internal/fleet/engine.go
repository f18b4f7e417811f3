package fleet

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/patze/control/internal/openclaw"
)

var ErrFleetDisabled = errors.New("smart fleet is disabled")

// Config carries the engine knobs, usually sourced from SMART_FLEET_* env.
type Config struct {
	Enabled                   bool
	MaxSyncLagMs              int64
	MinBridgeVersion          string
	AlertCooldown             time.Duration
	ApprovalCriticalThreshold int
	ApprovalTTL               time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                   true,
		MaxSyncLagMs:              120000,
		AlertCooldown:             60 * time.Second,
		ApprovalCriticalThreshold: 3,
		ApprovalTTL:               5 * time.Minute,
	}
}

// Checkin is what the engine remembers from the latest bridge check-in.
type Checkin struct {
	BridgeVersion string    `json:"bridgeVersion,omitempty"`
	ConfigHash    string    `json:"configHash,omitempty"`
	HeartbeatAt   time.Time `json:"heartbeatAt"`
}

// Desired is the reconciliation target derived from the policy profile and
// the local directory.
type Desired struct {
	PolicyID             string `json:"policyId"`
	MinBridgeVersion     string `json:"minBridgeVersion,omitempty"`
	ConfigHash           string `json:"configHash"`
	MaxSyncLagMs         int64  `json:"maxSyncLagMs"`
	AllowAutoRemediation bool   `json:"allowAutoRemediation"`
}

// Reported is the observed state from the latest check-in and sync status.
type Reported struct {
	BridgeVersion string `json:"bridgeVersion,omitempty"`
	ConfigHash    string `json:"configHash,omitempty"`
	HeartbeatAt   string `json:"heartbeatAt,omitempty"`
	SyncLagMs     int64  `json:"syncLagMs"`
	SyncLagKnown  bool   `json:"syncLagKnown"`
}

// Drift is one detected divergence between desired and reported.
type Drift struct {
	Category string   `json:"category"` // config, version, sync, runtime
	Severity Severity `json:"severity"`
	Expected string   `json:"expected"`
	Actual   string   `json:"actual"`
}

// Violation is a policy rule breach surfaced to operators.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// RiskBand classifies a health score.
type RiskBand string

const (
	RiskLow      RiskBand = "low"
	RiskMedium   RiskBand = "medium"
	RiskHigh     RiskBand = "high"
	RiskCritical RiskBand = "critical"
)

func riskFor(score int) RiskBand {
	switch {
	case score >= 85:
		return RiskLow
	case score >= 65:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Assessment is the full reconciliation result for one target.
type Assessment struct {
	TargetID    string      `json:"targetId"`
	Desired     Desired     `json:"desired"`
	Reported    Reported    `json:"reported"`
	Drifts      []Drift     `json:"drifts"`
	Violations  []Violation `json:"violations"`
	HealthScore int         `json:"healthScore"`
	Risk        RiskBand    `json:"risk"`
	EvaluatedAt string      `json:"evaluatedAt"`
}

// SyncStatusProvider reports the sync state of a target; the sync manager
// satisfies it.
type SyncStatusProvider interface {
	GetStatus(targetID string) openclaw.SyncStatus
}

// Engine computes assessments from the target store, sync manager and
// recorded check-ins.
type Engine struct {
	cfg      Config
	targets  *openclaw.TargetStore
	sync     SyncStatusProvider
	policies *PolicyStore
	router   *AlertRouter

	// AuthMode reports the control plane's current auth mode for the
	// auth_mode_mismatch check. Nil skips the check.
	AuthMode func() string

	mu        sync.Mutex
	checkins  map[string]Checkin
	approvals map[string]approval
	now       func() time.Time
}

// NewEngine wires the engine. router may be nil to disable alerting.
func NewEngine(cfg Config, targets *openclaw.TargetStore, syncMgr SyncStatusProvider, policies *PolicyStore, router *AlertRouter) *Engine {
	if cfg.MaxSyncLagMs <= 0 {
		cfg.MaxSyncLagMs = 120000
	}
	return &Engine{
		cfg:      cfg,
		targets:  targets,
		sync:     syncMgr,
		policies: policies,
		router:   router,
		checkins: make(map[string]Checkin),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether the engine accepts fleet operations.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// RecordCheckin stores the latest bridge check-in for a target.
func (e *Engine) RecordCheckin(targetID string, c Checkin) {
	if c.HeartbeatAt.IsZero() {
		c.HeartbeatAt = e.now()
	}
	e.mu.Lock()
	e.checkins[targetID] = c
	e.mu.Unlock()
}

// EvaluateAll assesses every enabled production target and routes alerts for
// the findings.
func (e *Engine) EvaluateAll() ([]*Assessment, error) {
	if !e.cfg.Enabled {
		return nil, ErrFleetDisabled
	}
	var out []*Assessment
	for _, t := range e.targets.List() {
		if !t.Enabled || t.Purpose == openclaw.PurposeTest || t.Origin == openclaw.OriginSmoke {
			continue
		}
		a := e.Evaluate(t)
		out = append(out, a)
		e.routeFindings(a)
	}
	return out, nil
}

// Evaluate assesses one target under its assigned policy.
func (e *Engine) Evaluate(t *openclaw.Target) *Assessment {
	return e.evaluateUnder(t, e.policies.PolicyFor(t.ID))
}

// evaluateUnder assesses a target as if the given policy applied, used both
// for live evaluation and batch-apply previews.
func (e *Engine) evaluateUnder(t *openclaw.Target, policy *PolicyProfile) *Assessment {
	now := e.now()

	minVersion := policy.MinBridgeVersion
	if minVersion == "" {
		minVersion = e.cfg.MinBridgeVersion
	}
	maxLag := policy.MaxSyncLagMs
	if maxLag <= 0 {
		maxLag = e.cfg.MaxSyncLagMs
	}

	localConfig, _, err := openclaw.ReadConfig(t.OpenClawDir)
	if err != nil {
		slog.Warn("fleet config read failed", "target_id", t.ID, "error", err)
	}
	desired := Desired{
		PolicyID:             policy.ID,
		MinBridgeVersion:     minVersion,
		ConfigHash:           openclaw.HashConfig(localConfig),
		MaxSyncLagMs:         maxLag,
		AllowAutoRemediation: false,
	}

	e.mu.Lock()
	checkin, hasCheckin := e.checkins[t.ID]
	e.mu.Unlock()
	status := e.sync.GetStatus(t.ID)

	reported := Reported{
		BridgeVersion: checkin.BridgeVersion,
		ConfigHash:    checkin.ConfigHash,
	}
	if hasCheckin {
		reported.HeartbeatAt = checkin.HeartbeatAt.Format(time.RFC3339)
	}
	if status.LastSuccessfulSyncAt != "" {
		if ts, err := time.Parse(time.RFC3339, status.LastSuccessfulSyncAt); err == nil {
			reported.SyncLagMs = now.Sub(ts).Milliseconds()
			reported.SyncLagKnown = true
		}
	} else if hasCheckin {
		reported.SyncLagMs = now.Sub(checkin.HeartbeatAt).Milliseconds()
		reported.SyncLagKnown = true
	}

	var drifts []Drift
	if hasCheckin && reported.ConfigHash != "" && reported.ConfigHash != desired.ConfigHash {
		drifts = append(drifts, Drift{
			Category: "config",
			Severity: SeverityMajor,
			Expected: desired.ConfigHash,
			Actual:   reported.ConfigHash,
		})
	}
	if minVersion != "" && reported.BridgeVersion != "" {
		if versionBelow(reported.BridgeVersion, minVersion) {
			drifts = append(drifts, Drift{
				Category: "version",
				Severity: SeverityMajor,
				Expected: ">=" + minVersion,
				Actual:   reported.BridgeVersion,
			})
		}
	}
	lagOverMax := false
	if reported.SyncLagKnown && reported.SyncLagMs > maxLag {
		lagOverMax = true
		sev := SeverityMinor
		if reported.SyncLagMs > 2*maxLag {
			sev = SeverityCritical
		}
		drifts = append(drifts, Drift{
			Category: "sync",
			Severity: sev,
			Expected: fmt.Sprintf("<=%dms", maxLag),
			Actual:   fmt.Sprintf("%dms", reported.SyncLagMs),
		})
	}
	if status.ConsecutiveFailures >= 3 {
		drifts = append(drifts, Drift{
			Category: "runtime",
			Severity: SeverityCritical,
			Expected: "<3 consecutive failures",
			Actual:   fmt.Sprintf("%d consecutive failures", status.ConsecutiveFailures),
		})
	}

	var violations []Violation
	for _, d := range drifts {
		violations = append(violations, Violation{
			Code:     "drift_" + d.Category,
			Severity: d.Severity,
			Message:  fmt.Sprintf("%s drift: expected %s, got %s", d.Category, d.Expected, d.Actual),
		})
	}
	if !status.Running {
		violations = append(violations, Violation{
			Code:     "sync_not_running",
			Severity: SeverityWarn,
			Message:  "sync poller is not running for this target",
		})
	}
	if policy.MaxConsecutiveFailures > 0 && status.ConsecutiveFailures > policy.MaxConsecutiveFailures {
		violations = append(violations, Violation{
			Code:     "failure_burst",
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%d consecutive sync failures exceed the policy maximum of %d", status.ConsecutiveFailures, policy.MaxConsecutiveFailures),
		})
	}
	if policy.RequiredAuthMode != "" && e.AuthMode != nil {
		if mode := e.AuthMode(); mode != policy.RequiredAuthMode {
			violations = append(violations, Violation{
				Code:     "auth_mode_mismatch",
				Severity: SeverityWarn,
				Message:  fmt.Sprintf("auth mode %q does not match policy requirement %q", mode, policy.RequiredAuthMode),
			})
		}
	}

	score := 100
	if !status.Running {
		score -= 15
	}
	if !status.Available {
		score -= 20
	}
	if status.Stale {
		score -= 15
	}
	cf := status.ConsecutiveFailures
	if cf > 4 {
		cf = 4
	}
	score -= 5 * cf
	if t.Type == openclaw.TargetRemote && !hasCheckin {
		score -= 20
	}
	if lagOverMax {
		score -= 10
	}
	score -= 8 * len(drifts)
	score -= 5 * len(violations)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return &Assessment{
		TargetID:    t.ID,
		Desired:     desired,
		Reported:    reported,
		Drifts:      drifts,
		Violations:  violations,
		HealthScore: score,
		Risk:        riskFor(score),
		EvaluatedAt: now.Format(time.RFC3339),
	}
}

// routeFindings emits alerts for critical drifts and high-or-worse
// violations.
func (e *Engine) routeFindings(a *Assessment) {
	if e.router == nil {
		return
	}
	for _, d := range a.Drifts {
		if d.Severity.AtLeast(SeverityCritical) {
			e.router.Route(Alert{
				Kind:     "drift_" + d.Category,
				TargetID: a.TargetID,
				Severity: d.Severity,
				Summary:  fmt.Sprintf("%s drift on target", d.Category),
				Details:  map[string]string{"expected": d.Expected, "actual": d.Actual},
			})
		}
	}
	for _, v := range a.Violations {
		if v.Severity.AtLeast(SeverityHigh) {
			e.router.Route(Alert{
				Kind:     v.Code,
				TargetID: a.TargetID,
				Severity: v.Severity,
				Summary:  v.Message,
			})
		}
	}
	if a.Risk == RiskCritical {
		e.router.Route(Alert{
			Kind:     "health_critical",
			TargetID: a.TargetID,
			Severity: SeverityCritical,
			Summary:  fmt.Sprintf("health score %d", a.HealthScore),
		})
	}
}

// versionBelow reports whether reported is a lower semver than min. Unparsable
// versions are treated as below so stale ad-hoc builds surface as drift.
func versionBelow(reported, min string) bool {
	rv, err := semver.NewVersion(reported)
	if err != nil {
		return true
	}
	mv, err := semver.NewVersion(min)
	if err != nil {
		return false
	}
	return rv.LessThan(mv)
}
