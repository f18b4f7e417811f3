package sshtunnel

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCallback builds the verifier for one forward. Known-host
// verification is mandatory; bridge-managed tunnels may additionally record
// an unknown host on first use. A key MISMATCH always fails, TOFU or not.
func (r *Runtime) hostKeyCallback(spec ForwardSpec) (ssh.HostKeyCallback, error) {
	path := spec.KnownHostsPath
	if path == "" {
		path = filepath.Join(r.guard.Home(), ".ssh", "known_hosts")
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if !spec.TrustOnFirstUse {
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
		if spec.TrustOnFirstUse && errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			if appendErr := appendKnownHost(path, hostname, key); appendErr != nil {
				return fmt.Errorf("record host key: %w", appendErr)
			}
			slog.Info("recorded new host key", "host", hostname, "key_type", key.Type())
			return nil
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{hostname}, key)
	_, err = fmt.Fprintln(f, line)
	return err
}
