package bridgesetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/patze/control/internal/security"
)

// ConnectInput identifies one SSH host for preflight and setup.
type ConnectInput struct {
	Host            string `json:"host"`
	Port            int    `json:"port,omitempty"`
	User            string `json:"user"`
	PrivateKeyPath  string `json:"privateKeyPath"`
	KnownHostsPath  string `json:"knownHostsPath,omitempty"`
	TrustOnFirstUse bool   `json:"trustOnFirstUse,omitempty"`
}

// RunOutput is the result of one remote command.
type RunOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Shell is an open SSH session factory against one host.
type Shell interface {
	// Run executes a command and returns its output. A non-zero exit code is
	// reported in RunOutput, not as an error; err covers transport failures.
	Run(ctx context.Context, command string) (RunOutput, error)
	// RunInput is Run with data piped to the command's stdin. Used for
	// `sudo -S`, which must never see the password on a command line.
	RunInput(ctx context.Context, command string, stdin []byte) (RunOutput, error)
	// Push writes data to path on the remote host with the given mode,
	// creating parent directories.
	Push(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Close() error
}

// Dialer opens shells. The production implementation speaks SSH; tests
// substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, in ConnectInput) (Shell, error)
}

// SSHDialer dials with public-key auth and known-hosts verification, the
// same contract the tunnel runtime enforces. Managed bridges may record an
// unknown host key on first use; a key mismatch always fails.
type SSHDialer struct {
	Guard       *security.PathGuard
	DialTimeout time.Duration
}

func (d *SSHDialer) Dial(ctx context.Context, in ConnectInput) (Shell, error) {
	if in.Host == "" || in.User == "" {
		return nil, fmt.Errorf("host and user are required")
	}
	if in.PrivateKeyPath == "" {
		return nil, fmt.Errorf("private key path is required")
	}
	if in.Port <= 0 {
		in.Port = 22
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	keyPath, err := d.Guard.ValidateSSHKeyPath(in.PrivateKeyPath)
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

	verify, err := d.hostKeyCallback(in)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            in.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: verify,
		Timeout:         timeout,
	}
	addr := net.JoinHostPort(in.Host, fmt.Sprintf("%d", in.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &sshShell{client: client}, nil
}

func (d *SSHDialer) hostKeyCallback(in ConnectInput) (ssh.HostKeyCallback, error) {
	path := in.KnownHostsPath
	if path == "" {
		path = filepath.Join(d.Guard.Home(), ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !in.TrustOnFirstUse {
			return nil, fmt.Errorf("known_hosts file %s does not exist", filepath.Base(path))
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create ssh directory: %w", err)
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create known_hosts: %w", err)
		}
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if in.TrustOnFirstUse && errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			f, openErr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
			if openErr != nil {
				return fmt.Errorf("record host key: %w", openErr)
			}
			defer f.Close()
			if _, writeErr := fmt.Fprintln(f, knownhosts.Line([]string{hostname}, key)); writeErr != nil {
				return fmt.Errorf("record host key: %w", writeErr)
			}
			return nil
		}
		return err
	}, nil
}

type sshShell struct {
	client *ssh.Client
}

func (s *sshShell) Run(ctx context.Context, command string) (RunOutput, error) {
	return s.RunInput(ctx, command, nil)
}

func (s *sshShell) RunInput(ctx context.Context, command string, stdin []byte) (RunOutput, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return RunOutput{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(stdin) > 0 {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		return RunOutput{ExitCode: -1}, ctx.Err()
	case err = <-done:
	}

	out := RunOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
			return out, nil
		}
		return out, fmt.Errorf("run %q: %w", command, err)
	}
	return out, nil
}

// Push streams data through a shell redirect. The bridge bundle is small
// enough that a full SFTP subsystem is not worth carrying.
func (s *sshShell) Push(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	cmd := fmt.Sprintf("mkdir -p %q && cat > %q && chmod %o %q",
		filepath.Dir(path), path, mode.Perm(), path)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		return ctx.Err()
	case err = <-done:
	}
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (s *sshShell) Close() error {
	return s.client.Close()
}
