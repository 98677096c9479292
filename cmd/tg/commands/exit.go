package commands

import (
	"errors"
	"fmt"

	"github.com/tengil/tengil/pkg/engine"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitAborted = 2
)

// exitError carries a process exit code out of a command. reported is set
// when the outcome was already printed and main should not log it again.
type exitError struct {
	code     int
	err      error
	reported bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// withCode attaches an exit code to err.
func withCode(code int, err error) error {
	if err == nil && code == ExitOK {
		return nil
	}
	return &exitError{code: code, err: err}
}

// reported marks an outcome that the command already rendered.
func reported(code int, err error) error {
	if code == ExitOK {
		return nil
	}
	return &exitError{code: code, err: err, reported: true}
}

// ExitCode maps a command error to the process exit code. Errors without a
// code are fatal and map to ExitAborted.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitAborted
}

// IsReported reports whether the command already rendered this outcome.
func IsReported(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.reported
}

// applyExit maps an apply outcome through the engine's exit code rules.
func applyExit(result *engine.ApplyResult, err error) error {
	code := engine.ExitCode(result, err)
	if code == ExitOK {
		return nil
	}
	if result == nil {
		return withCode(code, err)
	}
	if err == nil {
		err = fmt.Errorf("run %s %s: %d failed, %d skipped", result.RunID, result.Status, result.Failed, result.Skipped)
	}
	return reported(code, err)
}
