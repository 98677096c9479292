package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/telemetry"
)

// Runner executes host commands. Implementations return stdout and a
// *CommandError for non-zero exits.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError is returned when a command exits with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// IsCommandError reports whether err is a non-zero exit.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct {
	logger *telemetry.Logger
}

// NewExecRunner creates a local runner. A nil logger discards output.
func NewExecRunner(logger *telemetry.Logger) *ExecRunner {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &ExecRunner{logger: logger.NewComponentLogger("exec")}
}

// Run executes name with args and returns trimmed stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmdline := commandLine(name, args)
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	r.logger.Zerolog().Debug().
		Str("command", cmdline).
		Int("stdout_len", stdout.Len()).
		Dur("duration", duration).
		Err(err).
		Msg("command completed")

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", engine.NewTransientError(fmt.Sprintf("%s interrupted", cmdline), ctxErr).
				WithCode(engine.ErrCodeTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Command:  cmdline,
				ExitCode: exitErr.ExitCode(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return "", fmt.Errorf("failed to execute %s: %w", cmdline, err)
	}
	return stdout.String(), nil
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// splitLines returns the non-empty lines of command output.
func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
