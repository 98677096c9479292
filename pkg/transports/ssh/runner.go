package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tengil/tengil/pkg/backends"
	"github.com/tengil/tengil/pkg/engine"
)

var _ backends.Runner = (*Client)(nil)

// Run executes name with args on the host and returns stdout. A non-zero
// exit is a *backends.CommandError, as with the local runner.
func (c *Client) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmdline := CommandLine(name, args...)
	if c.config.Sudo {
		cmdline = "sudo -n " + cmdline
	}

	client, err := c.conn()
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", engine.NewTransientError("failed to open ssh session",
			&TransportError{Op: "session", Err: err, IsTemporary: true})
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmdline)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return "", engine.NewTransientError(fmt.Sprintf("%s interrupted", cmdline), ctx.Err()).
			WithCode(engine.ErrCodeTimeout)
	case runErr = <-done:
	}

	c.logger.Zerolog().Debug().
		Str("command", cmdline).
		Int("stdout_len", stdout.Len()).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("remote command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout.String(), &backends.CommandError{
				Command:  cmdline,
				ExitCode: exitErr.ExitStatus(),
				Stderr:   strings.TrimSpace(stderr.String()),
			}
		}
		return "", engine.NewTransientError(fmt.Sprintf("failed to execute %s", cmdline),
			&TransportError{Op: "exec", Err: runErr, IsTemporary: true})
	}
	return stdout.String(), nil
}

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_@%+=:,./-]+$`)

// CommandLine joins name and args into a POSIX shell command line,
// single-quoting any argument the shell would split or expand.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(name))
	for _, arg := range args {
		parts = append(parts, quote(arg))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
