package wireguard

import (
	"errors"
	"fmt"
	"strings"
)

// OSOperationError is a failed key-generation or service-control step.
// ExitCode is -1 when the command did not run to completion (not found,
// killed by timeout) and 0 when the failure was detected after a clean exit.
type OSOperationError struct {
	Op       string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *OSOperationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Command != "" {
		fmt.Fprintf(&b, " (%s)", e.Command)
	}
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString(": ")
		b.WriteString(out)
	}
	return b.String()
}

func (e *OSOperationError) Unwrap() error {
	return e.Err
}

// IsOSOperationError reports whether err is, or wraps, an OSOperationError.
func IsOSOperationError(err error) bool {
	var osErr *OSOperationError
	return errors.As(err, &osErr)
}
