package bridgesetup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patze/control/internal/sshtunnel"
)

// BridgeState is the lifecycle state of one managed bridge.
type BridgeState string

const (
	StateInstalling        BridgeState = "installing"
	StateNeedsSudoPassword BridgeState = "needs_sudo_password"
	StateTunnelOpen        BridgeState = "tunnel_open"
	StateTelemetryActive   BridgeState = "telemetry_active"
	StateRunning           BridgeState = "running"
	StateError             BridgeState = "error"
	StateDisconnected      BridgeState = "disconnected"
)

const (
	remoteDir       = ".patze-bridge"
	remoteBinary    = remoteDir + "/bridge.run"
	remoteConfig    = remoteDir + "/config.json"
	remoteInstaller = remoteDir + "/install.sh"

	installTimeout = 5 * time.Minute
	maxLogLines    = 500

	// defaultMachineWindow bounds the post-install wait for the bridge's
	// machine id to show up in telemetry.
	defaultMachineWindow = 30 * time.Second
)

// SetupInput describes one bridge to install.
type SetupInput struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label,omitempty"`
	ConnectInput
	// RemotePort is the bridge's telemetry port on the remote loopback.
	RemotePort int `json:"remotePort"`
	// Config is the bridge's config.json content, uploaded alongside the
	// bundle.
	Config []byte `json:"config,omitempty"`
}

// PreflightResult reports SSH reachability for a candidate host.
type PreflightResult struct {
	OK        bool       `json:"ok"`
	LatencyMs int64      `json:"latencyMs"`
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`
}

// LogLine is one ring-buffer entry for UI consumption.
type LogLine struct {
	At   time.Time `json:"at"`
	Line string    `json:"line"`
}

// Bridge is one managed installation.
type Bridge struct {
	ID        string      `json:"id"`
	Label     string      `json:"label,omitempty"`
	Host      string      `json:"host"`
	User      string      `json:"user"`
	State     BridgeState `json:"state"`
	UserMode  bool        `json:"userMode"`
	Error     *Diagnosis  `json:"error,omitempty"`
	MachineID string      `json:"machineId,omitempty"`
	TunnelID  string      `json:"tunnelId,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`

	input SetupInput
	logs  []LogLine
}

// TunnelOpener is the slice of the tunnel runtime setup needs.
type TunnelOpener interface {
	OpenForward(spec sshtunnel.ForwardSpec) (*sshtunnel.Tunnel, error)
	Close(id string)
}

// Manager installs bridges and tracks their lifecycle.
type Manager struct {
	dialer  Dialer
	tunnels TunnelOpener

	// Bundle is the bridge bundle uploaded to every host. The installer
	// script is part of the bundle contract.
	Bundle []byte
	// Installer is the install script content, uploaded next to the bundle.
	Installer []byte
	// OnlineMachineIDs reports machine ids currently visible in telemetry.
	OnlineMachineIDs func() []string
	// MachineWindow bounds the post-install telemetry wait; zero means 30s.
	MachineWindow time.Duration

	mu      sync.Mutex
	bridges map[string]*Bridge
	now     func() time.Time
}

// NewManager creates a bridge setup manager.
func NewManager(dialer Dialer, tunnels TunnelOpener) *Manager {
	return &Manager{
		dialer:  dialer,
		tunnels: tunnels,
		bridges: make(map[string]*Bridge),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Preflight probes SSH reachability and a trivial exec without touching the
// host. Failures come back classified with remediation hints.
func (m *Manager) Preflight(ctx context.Context, in ConnectInput) PreflightResult {
	start := m.now()
	shell, err := m.dialer.Dial(ctx, in)
	if err != nil {
		d := Diagnose(err)
		return PreflightResult{Diagnosis: &d}
	}
	defer shell.Close()

	out, err := shell.Run(ctx, "true")
	latency := m.now().Sub(start).Milliseconds()
	if err != nil {
		d := Diagnose(err)
		return PreflightResult{LatencyMs: latency, Diagnosis: &d}
	}
	if out.ExitCode != 0 {
		d := Diagnosis{
			Class:       FailureExec,
			Message:     fmt.Sprintf("probe command exited with %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr)),
			Remediation: remediations[FailureExec],
		}
		return PreflightResult{LatencyMs: latency, Diagnosis: &d}
	}
	return PreflightResult{OK: true, LatencyMs: latency}
}

// Setup installs the bridge on the host and drives it toward
// telemetry_active. If the system-mode install needs a sudo password, the
// bridge parks in needs_sudo_password and the caller resumes with
// RetryInstallWithSudoPassword.
func (m *Manager) Setup(ctx context.Context, in SetupInput) (*Bridge, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.RemotePort <= 0 {
		return nil, fmt.Errorf("remotePort is required")
	}

	b := &Bridge{
		ID:        in.ID,
		Label:     in.Label,
		Host:      in.Host,
		User:      in.User,
		State:     StateInstalling,
		UpdatedAt: m.now(),
		input:     in,
	}
	m.mu.Lock()
	if _, exists := m.bridges[in.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("bridge %q already exists", in.ID)
	}
	m.bridges[in.ID] = b
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	return m.install(ctx, in.ID, "", false)
}

// RetryInstallWithSudoPassword resumes a parked install with the password.
// If the service is already active and nothing changed, the restart path is
// skipped entirely; if sudo still fails, the install falls back to user mode.
func (m *Manager) RetryInstallWithSudoPassword(ctx context.Context, id, password string) (*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	return m.install(ctx, id, password, false)
}

// RetryInstallUserMode forces the user-mode install path.
func (m *Manager) RetryInstallUserMode(ctx context.Context, id string) (*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	return m.install(ctx, id, "", true)
}

func (m *Manager) install(ctx context.Context, id, sudoPassword string, forceUserMode bool) (*Bridge, error) {
	m.mu.Lock()
	b, ok := m.bridges[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("bridge %q not found", id)
	}
	in := b.input
	m.setStateLocked(b, StateInstalling, nil)
	m.mu.Unlock()

	shell, err := m.dialer.Dial(ctx, in.ConnectInput)
	if err != nil {
		return m.fail(id, err)
	}
	defer shell.Close()
	m.log(id, "connected to "+in.Host)

	changed, err := m.syncFiles(ctx, id, shell, in)
	if err != nil {
		return m.fail(id, err)
	}

	userMode := forceUserMode
	if !userMode {
		if !changed && m.serviceActive(ctx, shell, false) {
			m.log(id, "service active and bundle unchanged, restart skipped")
		} else {
			needsPassword, sudoErr := m.systemInstall(ctx, id, shell, sudoPassword)
			if needsPassword {
				m.mu.Lock()
				m.setStateLocked(b, StateNeedsSudoPassword, nil)
				m.mu.Unlock()
				m.log(id, "sudo requires a password, waiting for operator")
				return m.view(id), nil
			}
			if sudoErr != nil {
				if sudoPassword == "" {
					return m.fail(id, sudoErr)
				}
				// Password was supplied and sudo still failed: fall back to
				// a user-mode install rather than looping on the prompt.
				m.log(id, "system install failed, falling back to user mode: "+sudoErr.Error())
				userMode = true
			}
		}
	}

	if userMode {
		if err := m.userInstall(ctx, id, shell); err != nil {
			return m.fail(id, err)
		}
	}

	m.mu.Lock()
	b.UserMode = userMode
	m.mu.Unlock()

	return m.openTunnelAndWait(ctx, id, in)
}

// syncFiles uploads bundle, installer, and config, skipping any file whose
// remote content hash already matches. Returns whether anything changed.
func (m *Manager) syncFiles(ctx context.Context, id string, shell Shell, in SetupInput) (bool, error) {
	changed := false
	files := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{remoteBinary, m.Bundle, 0o755},
		{remoteInstaller, m.Installer, 0o755},
		{remoteConfig, in.Config, 0o600},
	}
	for _, f := range files {
		if len(f.data) == 0 {
			continue
		}
		if m.remoteHashMatches(ctx, shell, f.path, f.data) {
			m.log(id, f.path+" unchanged")
			continue
		}
		if err := shell.Push(ctx, f.path, f.data, f.mode); err != nil {
			return changed, err
		}
		m.log(id, "uploaded "+f.path)
		changed = true
	}
	return changed, nil
}

func (m *Manager) remoteHashMatches(ctx context.Context, shell Shell, path string, data []byte) bool {
	out, err := shell.Run(ctx, fmt.Sprintf("sha256sum %q 2>/dev/null", path))
	if err != nil || out.ExitCode != 0 {
		return false
	}
	fields := strings.Fields(out.Stdout)
	if len(fields) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	return fields[0] == hex.EncodeToString(sum[:])
}

// systemInstall runs the installer under sudo. Returns needsPassword=true
// when sudo prompts and no password is available.
func (m *Manager) systemInstall(ctx context.Context, id string, shell Shell, password string) (bool, error) {
	var (
		out RunOutput
		err error
	)
	if password == "" {
		out, err = shell.Run(ctx, fmt.Sprintf("sudo -n sh %q --system", remoteInstaller))
	} else {
		out, err = shell.RunInput(ctx,
			fmt.Sprintf("sudo -S -p '' sh %q --system", remoteInstaller),
			[]byte(password+"\n"))
	}
	if err != nil {
		return false, err
	}
	if out.ExitCode == 0 {
		m.log(id, "system-mode install complete")
		return false, nil
	}
	if password == "" && sudoWantsPassword(out.Stderr) {
		return true, nil
	}
	return false, fmt.Errorf("installer exited with %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
}

func (m *Manager) userInstall(ctx context.Context, id string, shell Shell) error {
	out, err := shell.Run(ctx, fmt.Sprintf("sh %q --user-mode", remoteInstaller))
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("user-mode installer exited with %d: %s", out.ExitCode, strings.TrimSpace(out.Stderr))
	}
	m.log(id, "user-mode install complete")
	return nil
}

func (m *Manager) serviceActive(ctx context.Context, shell Shell, userMode bool) bool {
	cmd := "systemctl is-active --quiet patze-bridge"
	if userMode {
		cmd = "systemctl --user is-active --quiet patze-bridge"
	}
	out, err := shell.Run(ctx, cmd)
	return err == nil && out.ExitCode == 0
}

// openTunnelAndWait opens the telemetry tunnel and waits for the bridge's
// machine id to surface. A quiet window leaves the bridge running, not
// failed.
func (m *Manager) openTunnelAndWait(ctx context.Context, id string, in SetupInput) (*Bridge, error) {
	tunnel, err := m.tunnels.OpenForward(sshtunnel.ForwardSpec{
		Host:            in.Host,
		Port:            in.Port,
		User:            in.User,
		PrivateKeyPath:  in.PrivateKeyPath,
		KnownHostsPath:  in.KnownHostsPath,
		RemoteHost:      "127.0.0.1",
		RemotePort:      in.RemotePort,
		TrustOnFirstUse: in.TrustOnFirstUse,
	})
	if err != nil {
		return m.fail(id, err)
	}

	m.mu.Lock()
	if b, ok := m.bridges[id]; ok {
		b.TunnelID = tunnel.ID
		m.setStateLocked(b, StateTunnelOpen, nil)
	}
	m.mu.Unlock()
	m.log(id, "tunnel open on "+tunnel.LocalBaseURL)

	baseline := make(map[string]bool)
	if m.OnlineMachineIDs != nil {
		for _, mid := range m.OnlineMachineIDs() {
			baseline[mid] = true
		}
	}

	window := m.MachineWindow
	if window <= 0 {
		window = defaultMachineWindow
	}
	deadline := m.now().Add(window)
	for m.OnlineMachineIDs != nil && m.now().Before(deadline) {
		for _, mid := range m.OnlineMachineIDs() {
			if !baseline[mid] {
				m.mu.Lock()
				if b, ok := m.bridges[id]; ok {
					b.MachineID = mid
					m.setStateLocked(b, StateTelemetryActive, nil)
				}
				m.mu.Unlock()
				m.log(id, "telemetry active for machine "+mid)
				return m.view(id), nil
			}
		}
		select {
		case <-ctx.Done():
			m.log(id, "telemetry wait cancelled")
			return m.markRunning(id), nil
		case <-time.After(500 * time.Millisecond):
		}
	}

	m.log(id, "telemetry not observed within window, bridge left running")
	return m.markRunning(id), nil
}

func (m *Manager) markRunning(id string) *Bridge {
	m.mu.Lock()
	if b, ok := m.bridges[id]; ok {
		m.setStateLocked(b, StateRunning, nil)
	}
	m.mu.Unlock()
	return m.view(id)
}

// MarkDisconnected flags a bridge whose tunnel dropped. The attachment
// orchestrator drives reconnection.
func (m *Manager) MarkDisconnected(id string) {
	m.mu.Lock()
	if b, ok := m.bridges[id]; ok {
		m.setStateLocked(b, StateDisconnected, nil)
	}
	m.mu.Unlock()
	m.log(id, "tunnel disconnected")
}

func (m *Manager) fail(id string, err error) (*Bridge, error) {
	d := Diagnose(err)
	m.mu.Lock()
	if b, ok := m.bridges[id]; ok {
		m.setStateLocked(b, StateError, &d)
	}
	m.mu.Unlock()
	m.log(id, "install failed: "+err.Error())
	slog.Warn("bridge install failed", "bridge_id", id, "class", d.Class, "error", err)
	return m.view(id), err
}

func (m *Manager) setStateLocked(b *Bridge, state BridgeState, diag *Diagnosis) {
	b.State = state
	b.Error = diag
	b.UpdatedAt = m.now()
}

func (m *Manager) log(id, line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return
	}
	b.logs = append(b.logs, LogLine{At: m.now(), Line: line})
	if len(b.logs) > maxLogLines {
		b.logs = b.logs[len(b.logs)-maxLogLines:]
	}
}

// Get returns a copy of one bridge.
func (m *Manager) Get(id string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return nil, false
	}
	cp := *b
	cp.logs = nil
	return &cp, true
}

// List returns copies of all bridges.
func (m *Manager) List() []*Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		cp := *b
		cp.logs = nil
		out = append(out, &cp)
	}
	return out
}

// Logs returns the bridge's log ring, oldest first.
func (m *Manager) Logs(id string) []LogLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return nil
	}
	out := make([]LogLine, len(b.logs))
	copy(out, b.logs)
	return out
}

// Remove forgets a bridge and closes its tunnel.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	b, ok := m.bridges[id]
	if ok {
		delete(m.bridges, id)
	}
	m.mu.Unlock()
	if ok && b.TunnelID != "" {
		m.tunnels.Close(b.TunnelID)
	}
}

func (m *Manager) view(id string) *Bridge {
	b, _ := m.Get(id)
	return b
}

func sudoWantsPassword(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "password is required") ||
		strings.Contains(s, "a terminal is required") ||
		strings.Contains(s, "sudo: no tty present")
}
