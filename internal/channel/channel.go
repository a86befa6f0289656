package channel

import (
	"context"
	"time"
)

// Command is an opaque descriptor for one remote invocation. Builders in the
// command package are the only producers; the channel never inspects Text
// beyond passing it to the shell.
type Command struct {
	Text string
	// Sensitive marks commands whose text carries credentials and must be
	// redacted before logging.
	Sensitive bool
}

// Result captures the outcome of executing a single command.
type Result struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// Channel executes opaque command descriptors against the remote
// mailbox-administration service.
type Channel interface {
	// Execute runs cmd with the given timeout. Remote failures are reported
	// through Result; the error return is reserved for local failures such
	// as a missing shell binary.
	Execute(ctx context.Context, cmd Command, timeout time.Duration) (Result, error)

	// CheckModule reports whether the named shell module is installed.
	CheckModule(ctx context.Context, name string) bool

	// TestConnection runs a minimal read-only probe against the service.
	TestConnection(ctx context.Context) bool
}
