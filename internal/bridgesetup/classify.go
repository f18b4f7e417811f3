// Package bridgesetup installs and supervises remote bridge processes over
// SSH: preflight diagnosis, idempotent bundle upload, system or user mode
// install, and a per-bridge lifecycle state machine.
package bridgesetup

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// FailureClass labels why an SSH probe or install attempt failed.
type FailureClass string

const (
	FailureKeyUnreadable    FailureClass = "ssh_key_unreadable"
	FailureAuthMissing      FailureClass = "ssh_auth_missing"
	FailureAuthFailed       FailureClass = "ssh_auth_failed"
	FailureDNS              FailureClass = "ssh_dns_failed"
	FailureNetwork          FailureClass = "ssh_network_unreachable"
	FailureTimeout          FailureClass = "ssh_timeout"
	FailureHostVerification FailureClass = "ssh_host_verification_failed"
	FailureExec             FailureClass = "ssh_exec_failed"
	FailureUnknown          FailureClass = "unknown"
)

// Diagnosis is the structured result of a failed probe, surfaced to callers
// and to the UI.
type Diagnosis struct {
	Class       FailureClass `json:"class"`
	Message     string       `json:"message"`
	Remediation string       `json:"remediation,omitempty"`
}

var remediations = map[FailureClass]string{
	FailureKeyUnreadable:    "check that the private key file exists and is readable by the control plane user",
	FailureAuthMissing:      "provide a private key path for the connection",
	FailureAuthFailed:       "verify the key is authorized for this user on the remote host (authorized_keys)",
	FailureDNS:              "verify the hostname resolves; try the IP address directly",
	FailureNetwork:          "verify the host is up and port 22 (or the configured port) is reachable",
	FailureTimeout:          "the host did not answer in time; check firewalls and network path",
	FailureHostVerification: "the host key changed or is unknown; update known_hosts or enable trust-on-first-use for managed bridges",
	FailureExec:             "the SSH session opened but the remote command failed; check the remote shell and permissions",
}

// Diagnose classifies err into a failure class with a remediation hint.
func Diagnose(err error) Diagnosis {
	class := classify(err)
	return Diagnosis{
		Class:       class,
		Message:     err.Error(),
		Remediation: remediations[class],
	}
}

func classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return FailureKeyUnreadable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied (publickey"):
		return FailureAuthFailed
	case strings.Contains(msg, "no key") || strings.Contains(msg, "private key path is required"):
		return FailureAuthMissing
	case strings.Contains(msg, "knownhosts") ||
		strings.Contains(msg, "host key") ||
		strings.Contains(msg, "key mismatch"):
		return FailureHostVerification
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "name resolution"):
		return FailureDNS
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "no route to host"):
		return FailureNetwork
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return FailureTimeout
	case strings.Contains(msg, "read private key") ||
		strings.Contains(msg, "parse private key") ||
		strings.Contains(msg, "cannot decode encrypted private key"):
		return FailureKeyUnreadable
	case strings.Contains(msg, "exit status") || strings.Contains(msg, "exited with"):
		return FailureExec
	}
	return FailureUnknown
}
