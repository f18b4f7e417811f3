// Package sshtunnel dials SSH hosts and forwards a local listener to a port
// on the remote side, so a remote bridge's HTTP telemetry surface becomes
// reachable on the operator's loopback.
package sshtunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/patze/control/internal/security"
)

// TunnelState is the lifecycle state of one forward.
type TunnelState string

const (
	TunnelConnected    TunnelState = "connected"
	TunnelDisconnected TunnelState = "disconnected"
	TunnelClosed       TunnelState = "closed"
)

// ForwardSpec describes one local→remote forward.
type ForwardSpec struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	PrivateKeyPath string `json:"privateKeyPath"`
	KnownHostsPath string `json:"knownHostsPath,omitempty"`
	RemoteHost     string `json:"remoteHost"`
	RemotePort     int    `json:"remotePort"`
	LocalPort      int    `json:"localPort,omitempty"`

	// TrustOnFirstUse lets bridge-managed tunnels record an unknown host key
	// instead of failing. Ad-hoc connections must keep this false: for them,
	// known-host verification is mandatory.
	TrustOnFirstUse bool `json:"trustOnFirstUse,omitempty"`
}

// Tunnel is one open forward. State transitions are guarded by the runtime
// lock.
type Tunnel struct {
	ID           string      `json:"id"`
	Spec         ForwardSpec `json:"spec"`
	LocalPort    int         `json:"localPort"`
	LocalBaseURL string      `json:"localBaseUrl"`
	State        TunnelState `json:"state"`
	LastError    string      `json:"lastError,omitempty"`
	OpenedAt     time.Time   `json:"openedAt"`

	client   *ssh.Client
	listener net.Listener
	done     chan struct{}
	closeOne sync.Once
}

// Runtime owns all tunnels. The attachment orchestrator references tunnels
// by id and is responsible for reconnection after a disconnect.
type Runtime struct {
	guard       *security.PathGuard
	dialTimeout time.Duration

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewRuntime creates a tunnel runtime. dialTimeout bounds the SSH ready
// window; zero means 15s.
func NewRuntime(guard *security.PathGuard, dialTimeout time.Duration) *Runtime {
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	return &Runtime{
		guard:       guard,
		dialTimeout: dialTimeout,
		tunnels:     make(map[string]*Tunnel),
	}
}

// OpenForward validates the spec, dials SSH, binds the local listener, and
// starts proxying. On any failure the partially opened tunnel is torn down.
func (r *Runtime) OpenForward(spec ForwardSpec) (*Tunnel, error) {
	if spec.Host == "" || spec.User == "" {
		return nil, fmt.Errorf("host and user are required")
	}
	if spec.Port <= 0 {
		spec.Port = 22
	}
	if spec.RemoteHost == "" {
		spec.RemoteHost = "127.0.0.1"
	}
	if spec.RemotePort <= 0 {
		return nil, fmt.Errorf("remotePort is required")
	}

	keyPath, err := r.guard.ValidateSSHKeyPath(spec.PrivateKeyPath)
	if err != nil {
		return nil, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback, err := r.hostKeyCallback(spec)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            spec.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.dialTimeout,
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", spec.LocalPort))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("bind local listener: %w", err)
	}
	localPort := listener.Addr().(*net.TCPAddr).Port

	t := &Tunnel{
		ID:           uuid.NewString(),
		Spec:         spec,
		LocalPort:    localPort,
		LocalBaseURL: fmt.Sprintf("http://127.0.0.1:%d", localPort),
		State:        TunnelConnected,
		OpenedAt:     time.Now().UTC(),
		client:       client,
		listener:     listener,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.tunnels[t.ID] = t
	r.mu.Unlock()

	go r.acceptLoop(t)
	go r.watchConnection(t)

	slog.Info("ssh tunnel opened",
		"tunnel_id", t.ID, "host", spec.Host, "remote_port", spec.RemotePort, "local_port", localPort)
	r.mu.Lock()
	view := t.view()
	r.mu.Unlock()
	return view, nil
}

// acceptLoop proxies each local connection to the remote port over the SSH
// client.
func (r *Runtime) acceptLoop(t *Tunnel) {
	remoteAddr := net.JoinHostPort(t.Spec.RemoteHost, fmt.Sprintf("%d", t.Spec.RemotePort))
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				r.markDisconnected(t, fmt.Errorf("local accept: %w", err))
			}
			return
		}
		go func() {
			remote, err := t.client.Dial("tcp", remoteAddr)
			if err != nil {
				local.Close()
				r.markDisconnected(t, fmt.Errorf("remote dial %s: %w", remoteAddr, err))
				return
			}
			pipe(local, remote)
		}()
	}
}

// watchConnection surfaces the disconnected state when the underlying SSH
// connection drops.
func (r *Runtime) watchConnection(t *Tunnel) {
	err := t.client.Wait()
	select {
	case <-t.done:
		return
	default:
	}
	if err == nil {
		err = errors.New("ssh connection closed")
	}
	r.markDisconnected(t, err)
}

func (r *Runtime) markDisconnected(t *Tunnel, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.State == TunnelClosed || t.State == TunnelDisconnected {
		return
	}
	t.State = TunnelDisconnected
	t.LastError = err.Error()
	slog.Warn("ssh tunnel disconnected", "tunnel_id", t.ID, "host", t.Spec.Host, "error", err)
}

func pipe(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	<-done
	a.Close()
	b.Close()
}

// Get returns a copy of the tunnel with the given id.
func (r *Runtime) Get(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok {
		return nil, false
	}
	return t.view(), true
}

// ListTunnels returns copies of all tunnels.
func (r *Runtime) ListTunnels() []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t.view())
	}
	return out
}

// Close shuts one tunnel down and removes it. Closing an unknown id is a
// no-op.
func (r *Runtime) Close(id string) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if ok {
		delete(r.tunnels, id)
		t.State = TunnelClosed
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	t.shutdown()
	slog.Info("ssh tunnel closed", "tunnel_id", id)
}

// CloseAll shuts every tunnel down.
func (r *Runtime) CloseAll() {
	r.mu.Lock()
	all := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		t.State = TunnelClosed
		all = append(all, t)
	}
	r.tunnels = make(map[string]*Tunnel)
	r.mu.Unlock()
	for _, t := range all {
		t.shutdown()
	}
}

func (t *Tunnel) shutdown() {
	t.closeOne.Do(func() {
		close(t.done)
		if t.listener != nil {
			t.listener.Close()
		}
		if t.client != nil {
			t.client.Close()
		}
	})
}

// view returns a copy without the connection internals, safe to hand to
// callers.
func (t *Tunnel) view() *Tunnel {
	return &Tunnel{
		ID:           t.ID,
		Spec:         t.Spec,
		LocalPort:    t.LocalPort,
		LocalBaseURL: t.LocalBaseURL,
		State:        t.State,
		LastError:    t.LastError,
		OpenedAt:     t.OpenedAt,
	}
}
