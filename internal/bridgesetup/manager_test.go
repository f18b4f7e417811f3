package bridgesetup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patze/control/internal/sshtunnel"
)

type fakeShell struct {
	mu      sync.Mutex
	pushes  map[string][]byte
	handler func(cmd string, stdin []byte) (RunOutput, error)
}

func newFakeShell(handler func(cmd string, stdin []byte) (RunOutput, error)) *fakeShell {
	return &fakeShell{pushes: make(map[string][]byte), handler: handler}
}

func (s *fakeShell) Run(_ context.Context, cmd string) (RunOutput, error) {
	return s.handler(cmd, nil)
}

func (s *fakeShell) RunInput(_ context.Context, cmd string, stdin []byte) (RunOutput, error) {
	return s.handler(cmd, stdin)
}

func (s *fakeShell) Push(_ context.Context, path string, data []byte, _ os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes[path] = append([]byte(nil), data...)
	return nil
}

func (s *fakeShell) Close() error { return nil }

type fakeDialer struct {
	shell Shell
	err   error
}

func (d *fakeDialer) Dial(context.Context, ConnectInput) (Shell, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.shell, nil
}

type fakeTunnels struct {
	mu     sync.Mutex
	opened []sshtunnel.ForwardSpec
	closed []string
	err    error
}

func (f *fakeTunnels) OpenForward(spec sshtunnel.ForwardSpec) (*sshtunnel.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opened = append(f.opened, spec)
	return &sshtunnel.Tunnel{
		ID:           "tun-1",
		Spec:         spec,
		LocalPort:    50123,
		LocalBaseURL: "http://127.0.0.1:50123",
		State:        sshtunnel.TunnelConnected,
	}, nil
}

func (f *fakeTunnels) Close(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
}

func setupInput() SetupInput {
	return SetupInput{
		Label: "lab box",
		ConnectInput: ConnectInput{
			Host:           "10.0.0.5",
			User:           "ops",
			PrivateKeyPath: "~/.ssh/id_ed25519",
		},
		RemotePort: 9710,
		Config:     []byte(`{"serverUrl":"http://127.0.0.1:9700"}`),
	}
}

// noFilesYet answers sha256sum with exit 1 so every upload happens.
func noFilesYet(cmd string) (RunOutput, bool) {
	if strings.HasPrefix(cmd, "sha256sum") {
		return RunOutput{ExitCode: 1}, true
	}
	return RunOutput{}, false
}

func TestPreflight(t *testing.T) {
	ok := newFakeShell(func(cmd string, _ []byte) (RunOutput, error) {
		return RunOutput{}, nil
	})
	m := NewManager(&fakeDialer{shell: ok}, &fakeTunnels{})
	res := m.Preflight(context.Background(), ConnectInput{Host: "h", User: "u"})
	assert.True(t, res.OK)
	assert.Nil(t, res.Diagnosis)

	m = NewManager(&fakeDialer{err: errors.New("ssh: unable to authenticate")}, &fakeTunnels{})
	res = m.Preflight(context.Background(), ConnectInput{Host: "h", User: "u"})
	assert.False(t, res.OK)
	require.NotNil(t, res.Diagnosis)
	assert.Equal(t, FailureAuthFailed, res.Diagnosis.Class)
	assert.NotEmpty(t, res.Diagnosis.Remediation)
}

func TestSetupSystemModeReachesTelemetryActive(t *testing.T) {
	shell := newFakeShell(func(cmd string, _ []byte) (RunOutput, error) {
		if out, handled := noFilesYet(cmd); handled {
			return out, nil
		}
		if strings.HasPrefix(cmd, "sudo -n") {
			return RunOutput{ExitCode: 0}, nil
		}
		return RunOutput{}, nil
	})
	tunnels := &fakeTunnels{}
	m := NewManager(&fakeDialer{shell: shell}, tunnels)
	m.Bundle = []byte("bundle-bytes")
	m.Installer = []byte("#!/bin/sh\n")
	m.MachineWindow = 2 * time.Second

	var calls int
	var mu sync.Mutex
	m.OnlineMachineIDs = func() []string {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return []string{"m-old"}
		}
		return []string{"m-old", "m-new"}
	}

	b, err := m.Setup(context.Background(), setupInput())
	require.NoError(t, err)
	assert.Equal(t, StateTelemetryActive, b.State)
	assert.Equal(t, "m-new", b.MachineID)
	assert.Equal(t, "tun-1", b.TunnelID)
	assert.False(t, b.UserMode)

	assert.Contains(t, shell.pushes, remoteBinary)
	assert.Contains(t, shell.pushes, remoteInstaller)
	assert.Contains(t, shell.pushes, remoteConfig)
	require.Len(t, tunnels.opened, 1)
	assert.Equal(t, 9710, tunnels.opened[0].RemotePort)

	logs := m.Logs(b.ID)
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].Line, "telemetry active")
}

func TestSetupParksOnSudoPasswordAndResumes(t *testing.T) {
	bundle := []byte("bundle-bytes")
	bundleSum := sha256.Sum256(bundle)
	configSum := sha256.Sum256(setupInput().Config)

	var phase2 bool
	shell := newFakeShell(nil)
	shell.handler = func(cmd string, stdin []byte) (RunOutput, error) {
		switch {
		case strings.HasPrefix(cmd, "sha256sum"):
			if !phase2 {
				return RunOutput{ExitCode: 1}, nil
			}
			// Resume: everything already uploaded and matching.
			if strings.Contains(cmd, remoteConfig) {
				return RunOutput{Stdout: hex.EncodeToString(configSum[:]) + "  " + remoteConfig}, nil
			}
			return RunOutput{Stdout: hex.EncodeToString(bundleSum[:]) + "  " + remoteBinary}, nil
		case strings.HasPrefix(cmd, "sudo -n"):
			return RunOutput{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
		case strings.HasPrefix(cmd, "systemctl is-active"):
			return RunOutput{ExitCode: 0}, nil
		}
		return RunOutput{}, nil
	}

	m := NewManager(&fakeDialer{shell: shell}, &fakeTunnels{})
	m.Bundle = bundle

	b, err := m.Setup(context.Background(), setupInput())
	require.NoError(t, err)
	assert.Equal(t, StateNeedsSudoPassword, b.State)
	assert.Empty(t, b.TunnelID)

	// Second pass: hashes match and the service is active, so the restart
	// path is skipped and setup proceeds straight to the tunnel.
	phase2 = true
	b, err = m.RetryInstallWithSudoPassword(context.Background(), b.ID, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, b.State, "no telemetry hook wired, bridge stays running")
	assert.Equal(t, "tun-1", b.TunnelID)
}

func TestSudoFailureWithPasswordFallsBackToUserMode(t *testing.T) {
	var sawPassword []byte
	var userModeRun bool
	shell := newFakeShell(nil)
	shell.handler = func(cmd string, stdin []byte) (RunOutput, error) {
		switch {
		case strings.HasPrefix(cmd, "sha256sum"):
			return RunOutput{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "systemctl is-active"):
			return RunOutput{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "sudo -n"):
			return RunOutput{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
		case strings.HasPrefix(cmd, "sudo -S"):
			sawPassword = stdin
			return RunOutput{ExitCode: 1, Stderr: "Sorry, try again."}, nil
		case strings.Contains(cmd, "--user-mode"):
			userModeRun = true
			return RunOutput{ExitCode: 0}, nil
		}
		return RunOutput{}, nil
	}

	m := NewManager(&fakeDialer{shell: shell}, &fakeTunnels{})
	m.Bundle = []byte("bundle")

	b, err := m.Setup(context.Background(), setupInput())
	require.NoError(t, err)
	require.Equal(t, StateNeedsSudoPassword, b.State)

	b, err = m.RetryInstallWithSudoPassword(context.Background(), b.ID, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2\n"), sawPassword)
	assert.True(t, userModeRun)
	assert.True(t, b.UserMode)
	assert.Equal(t, StateRunning, b.State)
}

func TestRetryInstallUserMode(t *testing.T) {
	var userModeRun bool
	shell := newFakeShell(nil)
	shell.handler = func(cmd string, _ []byte) (RunOutput, error) {
		switch {
		case strings.HasPrefix(cmd, "sha256sum"):
			return RunOutput{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "sudo -n"):
			return RunOutput{ExitCode: 1, Stderr: "sudo: a password is required"}, nil
		case strings.Contains(cmd, "--user-mode"):
			userModeRun = true
			return RunOutput{ExitCode: 0}, nil
		}
		return RunOutput{}, nil
	}

	m := NewManager(&fakeDialer{shell: shell}, &fakeTunnels{})
	m.Bundle = []byte("bundle")

	b, err := m.Setup(context.Background(), setupInput())
	require.NoError(t, err)
	require.Equal(t, StateNeedsSudoPassword, b.State)

	b, err = m.RetryInstallUserMode(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, userModeRun)
	assert.True(t, b.UserMode)
}

func TestSetupDialFailureIsClassified(t *testing.T) {
	m := NewManager(&fakeDialer{err: errors.New("knownhosts: key mismatch for host 10.0.0.5")}, &fakeTunnels{})
	b, err := m.Setup(context.Background(), setupInput())
	require.Error(t, err)
	assert.Equal(t, StateError, b.State)
	require.NotNil(t, b.Error)
	assert.Equal(t, FailureHostVerification, b.Error.Class)
}

func TestUploadsSkippedWhenHashesMatch(t *testing.T) {
	bundle := []byte("bundle-bytes")
	installer := []byte("#!/bin/sh\n")
	config := []byte(`{"serverUrl":"http://127.0.0.1:9700"}`)
	sums := map[string][32]byte{
		remoteBinary:    sha256.Sum256(bundle),
		remoteInstaller: sha256.Sum256(installer),
		remoteConfig:    sha256.Sum256(config),
	}

	var installerRan bool
	shell := newFakeShell(nil)
	shell.handler = func(cmd string, _ []byte) (RunOutput, error) {
		switch {
		case strings.HasPrefix(cmd, "sha256sum"):
			for path, sum := range sums {
				if strings.Contains(cmd, path) {
					return RunOutput{Stdout: hex.EncodeToString(sum[:]) + "  " + path}, nil
				}
			}
			return RunOutput{ExitCode: 1}, nil
		case strings.HasPrefix(cmd, "systemctl is-active"):
			return RunOutput{ExitCode: 0}, nil
		case strings.HasPrefix(cmd, "sudo"):
			installerRan = true
			return RunOutput{ExitCode: 0}, nil
		}
		return RunOutput{}, nil
	}

	m := NewManager(&fakeDialer{shell: shell}, &fakeTunnels{})
	m.Bundle = bundle
	m.Installer = installer

	in := setupInput()
	in.Config = config
	b, err := m.Setup(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, shell.pushes, "matching hashes skip every upload")
	assert.False(t, installerRan, "unchanged bundle with active service skips restart")
	assert.Equal(t, StateRunning, b.State)
}

func TestRemoveClosesTunnel(t *testing.T) {
	shell := newFakeShell(func(cmd string, _ []byte) (RunOutput, error) {
		if out, handled := noFilesYet(cmd); handled {
			return out, nil
		}
		return RunOutput{}, nil
	})
	tunnels := &fakeTunnels{}
	m := NewManager(&fakeDialer{shell: shell}, tunnels)
	m.Bundle = []byte("b")

	b, err := m.Setup(context.Background(), setupInput())
	require.NoError(t, err)
	require.Equal(t, "tun-1", b.TunnelID)

	m.Remove(b.ID)
	assert.Equal(t, []string{"tun-1"}, tunnels.closed)
	_, ok := m.Get(b.ID)
	assert.False(t, ok)
}
