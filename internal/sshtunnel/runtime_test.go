package sshtunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/patze/control/internal/security"
)

func newRuntime(t *testing.T) (*Runtime, string) {
	t.Helper()
	home := t.TempDir()
	guard, err := security.NewPathGuard(home)
	require.NoError(t, err)
	return NewRuntime(guard, 0), guard.Home()
}

func testPublicKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func fakeAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}
}

func TestOpenForwardRejectsKeyOutsideSSHDir(t *testing.T) {
	r, _ := newRuntime(t)

	_, err := r.OpenForward(ForwardSpec{
		Host:           "edge.example.com",
		User:           "ops",
		PrivateKeyPath: "/etc/stolen_key",
		RemotePort:     9700,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "~/.ssh")
}

func TestOpenForwardRequiresRemotePort(t *testing.T) {
	r, home := newRuntime(t)
	keyPath := filepath.Join(home, ".ssh", "id_ed25519")
	require.NoError(t, os.MkdirAll(filepath.Dir(keyPath), 0o700))
	require.NoError(t, os.WriteFile(keyPath, []byte("not-a-key"), 0o600))

	_, err := r.OpenForward(ForwardSpec{
		Host:           "edge.example.com",
		User:           "ops",
		PrivateKeyPath: keyPath,
	})
	assert.Error(t, err)
}

func TestHostKeyCallbackRequiresKnownHostsWithoutTOFU(t *testing.T) {
	r, _ := newRuntime(t)

	_, err := r.hostKeyCallback(ForwardSpec{Host: "edge.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "known_hosts")
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	r, home := newRuntime(t)
	khPath := filepath.Join(home, ".ssh", "known_hosts")

	cb, err := r.hostKeyCallback(ForwardSpec{
		Host:            "edge.example.com",
		KnownHostsPath:  khPath,
		TrustOnFirstUse: true,
	})
	require.NoError(t, err)

	key := testPublicKey(t)
	require.NoError(t, cb("edge.example.com:22", fakeAddr(), key), "first use records the key")

	// A different key for the same host must now be rejected, TOFU or not.
	cb2, err := r.hostKeyCallback(ForwardSpec{
		Host:            "edge.example.com",
		KnownHostsPath:  khPath,
		TrustOnFirstUse: true,
	})
	require.NoError(t, err)
	other := testPublicKey(t)
	assert.Error(t, cb2("edge.example.com:22", fakeAddr(), other), "key mismatch must fail")

	// The original key still verifies.
	require.NoError(t, cb2("edge.example.com:22", fakeAddr(), key))
}

func TestCloseUnknownTunnelIsNoOp(t *testing.T) {
	r, _ := newRuntime(t)
	r.Close("missing")
	assert.Empty(t, r.ListTunnels())
}
