package fleet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patze/control/internal/circuitbreaker"
)

// Alert is one routable finding.
type Alert struct {
	Kind     string            `json:"kind"`
	TargetID string            `json:"targetId"`
	Severity Severity          `json:"severity"`
	Summary  string            `json:"summary"`
	Details  map[string]string `json:"details,omitempty"`
	SentAt   string            `json:"sentAt,omitempty"`
}

// Destination is a webhook sink with a severity floor.
type Destination struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	URL             string   `json:"url"`
	MinimumSeverity Severity `json:"minimumSeverity"`
}

// Rule selects destinations for alerts at or above a severity, scoped to all
// targets or an explicit list.
type Rule struct {
	ID          string   `json:"id"`
	MinSeverity Severity `json:"minSeverity"`
	Scope       string   `json:"scope"` // "all" or "target_ids"
	TargetIDs   []string `json:"targetIds,omitempty"`
}

// alertsFile is the on-disk shape of fleet-alerts.json.
type alertsFile struct {
	Destinations []Destination `json:"destinations"`
	Rules        []Rule        `json:"rules"`
}

// AlertRouter matches alerts to destinations and delivers them best-effort.
type AlertRouter struct {
	path     string
	cooldown time.Duration
	client   *http.Client
	breakers *circuitbreaker.Manager

	mu           sync.Mutex
	destinations []Destination
	rules        []Rule
	lastSent     map[string]time.Time
	now          func() time.Time
}

// NewAlertRouter loads fleet-alerts.json from settingsDir, if present.
func NewAlertRouter(settingsDir string, cooldown time.Duration) (*AlertRouter, error) {
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	r := &AlertRouter{
		path:     filepath.Join(settingsDir, "fleet-alerts.json"),
		cooldown: cooldown,
		client:   &http.Client{Timeout: 5 * time.Second},
		breakers: circuitbreaker.NewManager(3, 2*time.Minute),
		lastSent: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alert config: %w", err)
	}
	var f alertsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse alert config: %w", err)
	}
	r.destinations = f.Destinations
	r.rules = f.Rules
	return r, nil
}

// Destinations returns the configured sinks.
func (r *AlertRouter) Destinations() []Destination {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Destination(nil), r.destinations...)
}

// Rules returns the configured routing rules.
func (r *AlertRouter) Rules() []Rule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Rule(nil), r.rules...)
}

// AddDestination registers a sink and persists the config.
func (r *AlertRouter) AddDestination(d Destination) (*Destination, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("destination url is required")
	}
	if d.MinimumSeverity == "" {
		d.MinimumSeverity = SeverityWarn
	}
	d.ID = uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations = append(r.destinations, d)
	if err := r.persistLocked(); err != nil {
		r.destinations = r.destinations[:len(r.destinations)-1]
		return nil, err
	}
	cp := d
	return &cp, nil
}

// RemoveDestination drops a sink. Unknown ids are a no-op.
func (r *AlertRouter) RemoveDestination(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.destinations[:0]
	for _, d := range r.destinations {
		if d.ID != id {
			kept = append(kept, d)
		}
	}
	r.destinations = kept
	r.breakers.Remove(id)
	return r.persistLocked()
}

// AddRule registers a routing rule and persists the config.
func (r *AlertRouter) AddRule(rule Rule) (*Rule, error) {
	if rule.Scope != "target_ids" {
		rule.Scope = "all"
	}
	if rule.MinSeverity == "" {
		rule.MinSeverity = SeverityWarn
	}
	rule.ID = uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	if err := r.persistLocked(); err != nil {
		r.rules = r.rules[:len(r.rules)-1]
		return nil, err
	}
	cp := rule
	return &cp, nil
}

func (r *AlertRouter) persistLocked() error {
	data, err := json.MarshalIndent(alertsFile{Destinations: r.destinations, Rules: r.rules}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write alert config: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace alert config: %w", err)
	}
	return nil
}

// Route delivers the alert to every matching destination, suppressing repeats
// within the cooldown window. Delivery failures are logged, never retried.
func (r *AlertRouter) Route(alert Alert) {
	alert.SentAt = r.now().Format(time.RFC3339)

	r.mu.Lock()
	matched := r.matchLocked(alert)
	var due []Destination
	for _, d := range matched {
		key := d.ID + "\x00" + alert.Kind + "\x00" + alert.TargetID + "\x00" + alert.Summary
		if last, ok := r.lastSent[key]; ok && r.now().Sub(last) < r.cooldown {
			continue
		}
		r.lastSent[key] = r.now()
		due = append(due, d)
	}
	r.mu.Unlock()

	for _, d := range due {
		go r.deliver(d, alert)
	}
}

// matchLocked applies rules (no rules means every destination), then each
// destination's severity floor.
func (r *AlertRouter) matchLocked(alert Alert) []Destination {
	eligible := r.destinations
	if len(r.rules) > 0 {
		selected := false
		for _, rule := range r.rules {
			if !alert.Severity.AtLeast(rule.MinSeverity) {
				continue
			}
			if rule.Scope == "target_ids" && !contains(rule.TargetIDs, alert.TargetID) {
				continue
			}
			selected = true
			break
		}
		if !selected {
			return nil
		}
	}
	var out []Destination
	for _, d := range eligible {
		if alert.Severity.AtLeast(d.MinimumSeverity) {
			out = append(out, d)
		}
	}
	return out
}

// deliver posts one alert. A destination that keeps failing has its breaker
// opened and is skipped until the breaker's cooldown.
func (r *AlertRouter) deliver(d Destination, alert Alert) {
	breaker := r.breakers.Get(d.ID)
	if err := breaker.Allow(); err != nil {
		slog.Debug("alert delivery skipped, circuit open", "destination", d.ID, "kind", alert.Kind)
		return
	}
	body, err := json.Marshal(alert)
	if err != nil {
		slog.Error("alert marshal failed", "destination", d.ID, "error", err)
		return
	}
	resp, err := r.client.Post(d.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		breaker.Failure()
		slog.Warn("alert delivery failed", "destination", d.ID, "kind", alert.Kind, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		breaker.Failure()
		slog.Warn("alert delivery rejected", "destination", d.ID, "kind", alert.Kind, "status", resp.StatusCode)
		return
	}
	breaker.Success()
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
