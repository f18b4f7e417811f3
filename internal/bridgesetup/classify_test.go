package bridgesetup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnoseClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "bad.example", IsNotFound: true}, FailureDNS},
		{"dns string", errors.New("dial tcp: lookup bad.example: no such host"), FailureDNS},
		{"key missing", fmt.Errorf("read private key: %w", os.ErrNotExist), FailureKeyUnreadable},
		{"key unparsable", errors.New("parse private key: ssh: no key found"), FailureKeyUnreadable},
		{"auth failed", errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]"), FailureAuthFailed},
		{"auth missing", errors.New("private key path is required"), FailureAuthMissing},
		{"host verification", errors.New("knownhosts: key mismatch for host 10.0.0.5"), FailureHostVerification},
		{"refused", errors.New("ssh dial 10.0.0.5:22: dial tcp 10.0.0.5:22: connect: connection refused"), FailureNetwork},
		{"unreachable", errors.New("dial tcp: connect: network is unreachable"), FailureNetwork},
		{"deadline", context.DeadlineExceeded, FailureTimeout},
		{"timeout string", errors.New("dial tcp 10.0.0.5:22: i/o timeout"), FailureTimeout},
		{"exec", errors.New(`run "sh install.sh": ssh: command exited with status 127`), FailureExec},
		{"unknown", errors.New("something odd"), FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Diagnose(tc.err)
			assert.Equal(t, tc.want, d.Class)
			assert.Equal(t, tc.err.Error(), d.Message)
			if tc.want != FailureUnknown {
				assert.NotEmpty(t, d.Remediation)
			}
		})
	}
}
