package configqueue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultCommandTimeout bounds one CLI invocation.
	DefaultCommandTimeout = 60 * time.Second
	// MaxCommandTimeout is the hard cap for configured timeouts.
	MaxCommandTimeout = 600 * time.Second
	// maxCapturedOutput caps captured stdout/stderr per command.
	maxCapturedOutput = 32 * 1024
)

// AllowedBinary is the only relative command name the queue will execute.
const AllowedBinary = "openclaw"

// validateBinary enforces the executable restriction: the bare name
// "openclaw", or an absolute path with no relative components.
func validateBinary(command string) error {
	if command == AllowedBinary {
		return nil
	}
	if !filepath.IsAbs(command) {
		return fmt.Errorf("command %q is not allowed: only %q or an absolute path", command, AllowedBinary)
	}
	if command != filepath.Clean(command) || strings.Contains(command, "..") {
		return fmt.Errorf("command path must be absolute with no relative components")
	}
	return nil
}

// cappedBuffer keeps at most max bytes and records whether it overflowed.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = c.truncated || n > 0
		return n, nil
	}
	if n > room {
		c.truncated = true
		p = p[:room]
	}
	c.buf.Write(p)
	return n, nil
}

// String returns the captured bytes, backed up to a rune boundary if the cap
// split a multi-byte character.
func (c *cappedBuffer) String() string {
	b := c.buf.Bytes()
	if !c.truncated {
		return string(b)
	}
	for len(b) > 0 && !utf8.Valid(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// ExecResult is the outcome of one CLI invocation.
type ExecResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"durationMs"`
	TimedOut   bool   `json:"timedOut,omitempty"`
}

// RunCLI executes one validated command in dir with a bounded timeout, for
// callers outside the queue such as the cron task executor.
func RunCLI(ctx context.Context, dir, command string, args []string, timeout time.Duration) (*ExecResult, error) {
	return runCommand(ctx, dir, command, args, timeout)
}

// runCommand executes one validated command in dir with a bounded timeout.
// A non-zero exit is reported in the result, not as an error.
func runCommand(ctx context.Context, dir, command string, args []string, timeout time.Duration) (*ExecResult, error) {
	if err := validateBinary(command); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &cappedBuffer{max: maxCapturedOutput}
	stderr := &cappedBuffer{max: maxCapturedOutput}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.truncated || stderr.truncated,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("execute %s: %w", command, err)
	}
	return res, nil
}
