package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/mboxkit/mboxkit/internal/logger"
	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

// candidate executable names, PowerShell Core first for cross-platform use.
var shellCandidates = []string{"pwsh", "pwsh.exe", "powershell", "powershell.exe"}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\$token\s*=)\s*'(?:[^']|'')*'`),
	regexp.MustCompile(`(?i)(ConvertTo-SecureString\s+-String)\s+'(?:[^']|'')*'`),
	regexp.MustCompile(`(?i)(-AccessToken)\s+\S+`),
	regexp.MustCompile(`(?i)(-Password)\s+\S+`),
	regexp.MustCompile(`(?i)(-Credential)\s+\S+`),
}

// ShellChannel executes commands through a local PowerShell subprocess.
type ShellChannel struct {
	shellPath string
	baseArgs  []string
	logger    *logger.Logger
}

// NewShellChannel creates a channel backed by a PowerShell executable.
// When shellPath is empty the executable is auto-detected from PATH.
func NewShellChannel(shellPath string, log *logger.Logger) (*ShellChannel, error) {
	path := shellPath
	if path == "" {
		detected, err := detectShell()
		if err != nil {
			return nil, err
		}
		path = detected
	}

	return &ShellChannel{
		shellPath: path,
		baseArgs:  []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass"},
		logger:    log.WithComponent("channel"),
	}, nil
}

func detectShell() (string, error) {
	for _, exe := range shellCandidates {
		if path, err := exec.LookPath(exe); err == nil {
			return path, nil
		}
	}
	return "", mboxerrors.NewConnectionError(
		"no PowerShell executable found, install PowerShell Core 7.x (pwsh)", "", nil)
}

// ShellPath returns the resolved PowerShell executable path.
func (c *ShellChannel) ShellPath() string {
	return c.shellPath
}

// Execute runs the command with a hard timeout and structured result capture.
func (c *ShellChannel) Execute(ctx context.Context, cmd Command, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), c.baseArgs...), "-Command", wrapForErrors(cmd.Text))

	c.logger.WithFields(map[string]any{"command": sanitizeForLog(cmd)}).Debug("executing remote command")

	var stdout, stderr bytes.Buffer
	proc := exec.CommandContext(execCtx, c.shellPath, args...)
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	runErr := proc.Run()
	duration := time.Since(start)

	result := Result{
		Output:   strings.TrimSpace(stdout.String()),
		Error:    strings.TrimSpace(stderr.String()),
		Duration: duration,
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.Success = false
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command timed out after %s", timeout)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Success = false
			result.ExitCode = exitErr.ExitCode()
			if result.Error == "" {
				result.Error = runErr.Error()
			}
		} else {
			// Local launch failure, not a remote outcome.
			return result, mboxerrors.NewConnectionError("failed to start shell process", "", runErr)
		}
	default:
		result.Success = true
		result.ExitCode = 0
	}

	if result.Success {
		c.logger.WithFields(map[string]any{"duration_ms": duration.Milliseconds()}).Debug("command succeeded")
	} else {
		c.logger.WithFields(map[string]any{
			"exit_code": result.ExitCode,
			"error":     truncate(result.Error, 200),
		}).Warn("command failed")
	}

	return result, nil
}

// CheckModule reports whether the named module is installed locally.
func (c *ShellChannel) CheckModule(ctx context.Context, name string) bool {
	probe := Command{Text: fmt.Sprintf("if (Get-Module -ListAvailable -Name '%s') { Write-Output 'present' }", strings.ReplaceAll(name, "'", "''"))}
	result, err := c.Execute(ctx, probe, 30*time.Second)
	if err != nil {
		return false
	}
	return result.Success && strings.Contains(result.Output, "present")
}

// TestConnection runs a minimal mailbox lookup to probe the session.
func (c *ShellChannel) TestConnection(ctx context.Context) bool {
	probe := Command{Text: "Get-EXOMailbox -ResultSize 1 -ErrorAction Stop | Select-Object -First 1"}
	result, err := c.Execute(ctx, probe, 30*time.Second)
	if err != nil {
		return false
	}
	return result.Success
}

// wrapForErrors forces terminating errors so failures surface via exit code.
func wrapForErrors(command string) string {
	return fmt.Sprintf(`
$ErrorActionPreference = 'Stop'
try {
    %s
} catch {
    Write-Error $_.Exception.Message
    exit 1
}
`, command)
}

func sanitizeForLog(cmd Command) string {
	text := cmd.Text
	if cmd.Sensitive {
		for _, pattern := range sensitivePatterns {
			text = pattern.ReplaceAllString(text, "$1 ***REDACTED***")
		}
	}
	return truncate(text, 500)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

var _ Channel = (*ShellChannel)(nil)
