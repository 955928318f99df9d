package wireguard

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Runner executes external commands. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec, bounding each one by Timeout.
// WaitDelay caps how long Run waits for output pipes after the process is
// killed.
type ExecRunner struct {
	Timeout   time.Duration
	WaitDelay time.Duration
}

const (
	// DefaultCommandTimeout bounds a command when ExecRunner.Timeout is unset.
	DefaultCommandTimeout = 30 * time.Second
	DefaultWaitDelay      = 2 * time.Second
)

// Run returns the command's stdout. A non-zero exit, a missing binary or a
// timeout is reported as an *OSOperationError carrying the exit status and
// stderr.
func (r ExecRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	waitDelay := r.WaitDelay
	if waitDelay <= 0 {
		waitDelay = DefaultWaitDelay
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}

	opErr := &OSOperationError{
		Op:       "run command",
		Command:  strings.Join(append([]string{name}, args...), " "),
		ExitCode: -1,
		Output:   stderr.String(),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		opErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		opErr.Err = ctx.Err()
		opErr.ExitCode = -1
	}
	return nil, opErr
}
