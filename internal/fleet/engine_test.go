package fleet

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patze/control/internal/openclaw"
	"github.com/patze/control/internal/security"
)

// fakeSync returns canned statuses per target, defaulting to healthy.
type fakeSync struct {
	mu       sync.Mutex
	statuses map[string]openclaw.SyncStatus
}

func (f *fakeSync) GetStatus(targetID string) openclaw.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[targetID]; ok {
		st.TargetID = targetID
		return st
	}
	return openclaw.SyncStatus{TargetID: targetID, Running: true, Available: true}
}

func (f *fakeSync) set(targetID string, st openclaw.SyncStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]openclaw.SyncStatus)
	}
	f.statuses[targetID] = st
}

type fixture struct {
	engine   *Engine
	targets  *openclaw.TargetStore
	policies *PolicyStore
	sync     *fakeSync
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	g, err := security.NewPathGuard(t.TempDir())
	require.NoError(t, err)
	targets, err := openclaw.NewTargetStore(filepath.Join(g.Home(), ".patze-control", "cron"), g)
	require.NoError(t, err)

	fs := &fakeSync{}
	policies := NewPolicyStore(PolicyProfile{})
	e := NewEngine(cfg, targets, fs, policies, nil)

	f := &fixture{engine: e, targets: targets, policies: policies, sync: fs, now: time.Now().UTC().Truncate(time.Second)}
	e.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addTarget(t *testing.T, suffix string) *openclaw.Target {
	t.Helper()
	target, err := f.targets.Create(openclaw.Target{OpenClawDir: "~/.openclaw/" + suffix, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(target.OpenClawDir, 0o755))
	return target
}

func TestSyncLagDrift(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	target := f.addTarget(t, "t1")

	// Last successful sync four minutes ago against a two-minute budget.
	f.sync.set(target.ID, openclaw.SyncStatus{
		Running:              true,
		Available:            true,
		LastSuccessfulSyncAt: f.now.Add(-4 * time.Minute).Format(time.RFC3339),
	})

	a := f.engine.Evaluate(target)
	require.Len(t, a.Drifts, 1)
	assert.Equal(t, "sync", a.Drifts[0].Category)
	assert.Equal(t, SeverityCritical, a.Drifts[0].Severity, "lag over twice the budget is critical")
	assert.Equal(t, "240000ms", a.Drifts[0].Actual)

	var codes []string
	for _, v := range a.Violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, "drift_sync")
}

func TestSyncLagMinorBelowDoubleBudget(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	target := f.addTarget(t, "t1")

	f.sync.set(target.ID, openclaw.SyncStatus{
		Running:              true,
		Available:            true,
		LastSuccessfulSyncAt: f.now.Add(-3 * time.Minute).Format(time.RFC3339),
	})

	a := f.engine.Evaluate(target)
	require.Len(t, a.Drifts, 1)
	assert.Equal(t, SeverityMinor, a.Drifts[0].Severity)
}

func TestConfigDrift(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	target := f.addTarget(t, "t1")
	require.NoError(t, os.WriteFile(filepath.Join(target.OpenClawDir, "openclaw.json"), []byte(`{"a":1}`), 0o644))

	f.engine.RecordCheckin(target.ID, Checkin{
		ConfigHash:  openclaw.HashConfig([]byte(`{"a":2}`)),
		HeartbeatAt: f.now,
	})

	a := f.engine.Evaluate(target)
	require.NotEmpty(t, a.Drifts)
	assert.Equal(t, "config", a.Drifts[0].Category)
	assert.Equal(t, SeverityMajor, a.Drifts[0].Severity)
	assert.Equal(t, openclaw.HashConfig([]byte(`{"a":1}`)), a.Desired.ConfigHash)
}

func TestVersionDrift(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBridgeVersion = "2.3.0"
	f := newFixture(t, cfg)
	target := f.addTarget(t, "t1")

	f.engine.RecordCheckin(target.ID, Checkin{BridgeVersion: "2.2.9", HeartbeatAt: f.now})
	a := f.engine.Evaluate(target)
	require.Len(t, a.Drifts, 1)
	assert.Equal(t, "version", a.Drifts[0].Category)
	assert.Equal(t, ">=2.3.0", a.Drifts[0].Expected)

	f.engine.RecordCheckin(target.ID, Checkin{BridgeVersion: "2.3.0", HeartbeatAt: f.now})
	a = f.engine.Evaluate(target)
	assert.Empty(t, a.Drifts)

	// Unparsable versions count as below the minimum.
	f.engine.RecordCheckin(target.ID, Checkin{BridgeVersion: "dev-build", HeartbeatAt: f.now})
	a = f.engine.Evaluate(target)
	require.Len(t, a.Drifts, 1)
	assert.Equal(t, "version", a.Drifts[0].Category)
}

func TestRuntimeDriftAndFailureBurst(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	target := f.addTarget(t, "t1")

	f.sync.set(target.ID, openclaw.SyncStatus{
		Running:             true,
		Available:           true,
		ConsecutiveFailures: 6,
	})

	a := f.engine.Evaluate(target)
	require.Len(t, a.Drifts, 1)
	assert.Equal(t, "runtime", a.Drifts[0].Category)
	assert.Equal(t, SeverityCritical, a.Drifts[0].Severity)

	var codes []string
	for _, v := range a.Violations {
		codes = append(codes, v.Code)
	}
	assert.Contains(t, codes, "drift_runtime")
	assert.Contains(t, codes, "failure_burst", "6 failures exceed the default policy max of 5")
}

func TestHealthScoreAndRiskBands(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	healthy := f.addTarget(t, "healthy")

	a := f.engine.Evaluate(healthy)
	assert.Equal(t, 100, a.HealthScore)
	assert.Equal(t, RiskLow, a.Risk)

	sick := f.addTarget(t, "machine-sick")
	f.sync.set(sick.ID, openclaw.SyncStatus{
		Running:             false,
		Available:           false,
		Stale:               true,
		ConsecutiveFailures: 6,
	})

	a = f.engine.Evaluate(sick)
	assert.Equal(t, RiskCritical, a.Risk)
	assert.GreaterOrEqual(t, a.HealthScore, 0, "score is clamped at zero")
}

func TestAuthModeMismatchViolation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	target := f.addTarget(t, "t1")

	policy, err := f.policies.Create(PolicyProfile{Name: "secure", RequiredAuthMode: "token"})
	require.NoError(t, err)
	require.NoError(t, f.policies.Assign(target.ID, policy.ID))
	f.engine.AuthMode = func() string { return "none" }

	a := f.engine.Evaluate(target)
	require.Len(t, a.Violations, 1)
	assert.Equal(t, "auth_mode_mismatch", a.Violations[0].Code)
	assert.Equal(t, SeverityWarn, a.Violations[0].Severity)
}

func TestEvaluateAllSkipsTestAndSmokeTargets(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	prod := f.addTarget(t, "prod")

	_, err := f.targets.Create(openclaw.Target{OpenClawDir: "~/.openclaw/smoke", Origin: openclaw.OriginSmoke, Enabled: true})
	require.NoError(t, err)
	_, err = f.targets.Create(openclaw.Target{OpenClawDir: "~/.openclaw/test", Purpose: openclaw.PurposeTest, Enabled: true})
	require.NoError(t, err)

	all, err := f.engine.EvaluateAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, prod.ID, all[0].TargetID)
}

func TestEvaluateAllDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	f := newFixture(t, cfg)
	_, err := f.engine.EvaluateAll()
	assert.ErrorIs(t, err, ErrFleetDisabled)
}

func criticalStatus() openclaw.SyncStatus {
	return openclaw.SyncStatus{Running: false, Available: false, Stale: true, ConsecutiveFailures: 6}
}

func TestBatchApplyApprovalFlow(t *testing.T) {
	f := newFixture(t, DefaultConfig()) // threshold 3
	policy, err := f.policies.Create(PolicyProfile{Name: "strict", MaxSyncLagMs: 1000})
	require.NoError(t, err)

	var items []BatchItem
	for i := 0; i < 5; i++ {
		target := f.addTarget(t, "t"+string(rune('a'+i)))
		if i < 4 {
			f.sync.set(target.ID, criticalStatus())
		}
		items = append(items, BatchItem{TargetID: target.ID, PolicyID: policy.ID})
	}

	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items})
	var approvalErr *ApprovalRequiredError
	require.ErrorAs(t, err, &approvalErr, "4 critical targets over threshold 3 demand approval")
	assert.NotEmpty(t, approvalErr.Token)
	assert.Equal(t, 4, approvalErr.Critical)

	summary, err := f.engine.BatchApply(BatchApplyRequest{Items: items, ApprovalToken: approvalErr.Token})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Applied)
	assert.Equal(t, policy.ID, f.policies.PolicyFor(items[0].TargetID).ID)

	// Single use: the same token no longer exists.
	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items, ApprovalToken: approvalErr.Token})
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestBatchApplyTokenExpiryAndSignature(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	policy, err := f.policies.Create(PolicyProfile{Name: "strict"})
	require.NoError(t, err)

	var items []BatchItem
	for i := 0; i < 4; i++ {
		target := f.addTarget(t, "x"+string(rune('a'+i)))
		f.sync.set(target.ID, criticalStatus())
		items = append(items, BatchItem{TargetID: target.ID, PolicyID: policy.ID})
	}

	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items})
	var approvalErr *ApprovalRequiredError
	require.ErrorAs(t, err, &approvalErr)

	// Expired token.
	f.now = f.now.Add(6 * time.Minute)
	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items, ApprovalToken: approvalErr.Token})
	assert.ErrorIs(t, err, ErrApprovalExpired)

	// A token issued for different items does not authorize this batch.
	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items})
	require.ErrorAs(t, err, &approvalErr)
	_, err = f.engine.BatchApply(BatchApplyRequest{Items: items[:3], ApprovalToken: approvalErr.Token})
	assert.ErrorIs(t, err, ErrApprovalSignatureMismatch)
}

func TestBatchApplyBelowThresholdNeedsNoToken(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	policy, err := f.policies.Create(PolicyProfile{Name: "lenient"})
	require.NoError(t, err)
	target := f.addTarget(t, "ok")

	summary, err := f.engine.BatchApply(BatchApplyRequest{Items: []BatchItem{{TargetID: target.ID, PolicyID: policy.ID}}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Applied)
	assert.Zero(t, summary.CriticalPreviewed)
}

func TestBatchApplyValidation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.engine.BatchApply(BatchApplyRequest{})
	assert.Error(t, err)

	_, err = f.engine.BatchApply(BatchApplyRequest{Items: []BatchItem{{TargetID: "nope", PolicyID: DefaultPolicyID}}})
	assert.Error(t, err)

	target := f.addTarget(t, "t1")
	_, err = f.engine.BatchApply(BatchApplyRequest{Items: []BatchItem{{TargetID: target.ID, PolicyID: "nope"}}})
	assert.True(t, errors.Is(err, ErrPolicyNotFound))
}

func TestAlertRouterCooldownAndDelivery(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	router, err := NewAlertRouter(t.TempDir(), 60*time.Second)
	require.NoError(t, err)
	_, err = router.AddDestination(Destination{Name: "hook", URL: srv.URL, MinimumSeverity: SeverityWarn})
	require.NoError(t, err)

	alert := Alert{Kind: "drift_sync", TargetID: "t1", Severity: SeverityCritical, Summary: "lag"}
	router.Route(alert)
	router.Route(alert) // suppressed by cooldown
	router.Route(Alert{Kind: "drift_sync", TargetID: "t2", Severity: SeverityCritical, Summary: "lag"})
	router.Route(Alert{Kind: "noise", TargetID: "t1", Severity: SeverityInfo, Summary: "low"}) // below floor

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	targets := map[string]bool{received[0].TargetID: true, received[1].TargetID: true}
	assert.True(t, targets["t1"] && targets["t2"])
}

func TestAlertRouterRuleScoping(t *testing.T) {
	router, err := NewAlertRouter(t.TempDir(), time.Minute)
	require.NoError(t, err)
	_, err = router.AddDestination(Destination{Name: "hook", URL: "http://127.0.0.1:1", MinimumSeverity: SeverityInfo})
	require.NoError(t, err)
	_, err = router.AddRule(Rule{MinSeverity: SeverityHigh, Scope: "target_ids", TargetIDs: []string{"t1"}})
	require.NoError(t, err)

	assert.Empty(t, router.matchLocked(Alert{TargetID: "t2", Severity: SeverityCritical}), "out-of-scope target matches no rule")
	assert.Empty(t, router.matchLocked(Alert{TargetID: "t1", Severity: SeverityWarn}), "below the rule severity")
	assert.Len(t, router.matchLocked(Alert{TargetID: "t1", Severity: SeverityCritical}), 1)
}

func TestAlertConfigPersistence(t *testing.T) {
	dir := t.TempDir()
	router, err := NewAlertRouter(dir, time.Minute)
	require.NoError(t, err)
	dest, err := router.AddDestination(Destination{Name: "hook", URL: "https://example.com/hook"})
	require.NoError(t, err)

	reloaded, err := NewAlertRouter(dir, time.Minute)
	require.NoError(t, err)
	require.Len(t, reloaded.Destinations(), 1)
	assert.Equal(t, dest.ID, reloaded.Destinations()[0].ID)

	require.NoError(t, reloaded.RemoveDestination(dest.ID))
	assert.Empty(t, reloaded.Destinations())
}
