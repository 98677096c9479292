package backends

import (
	"context"
	"strings"
	"sync"
)

// fakeRunner answers commands from a table keyed by the full command line.
// Unknown commands succeed with empty output.
type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]fakeResponse
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (f *fakeRunner) on(cmd, out string) *fakeRunner {
	f.responses[cmd] = fakeResponse{out: out}
	return f
}

func (f *fakeRunner) fail(cmd string, code int, stderr string) *fakeRunner {
	f.responses[cmd] = fakeResponse{err: &CommandError{Command: cmd, ExitCode: code, Stderr: stderr}}
	return f
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := commandLine(name, args)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	if r, ok := f.responses[cmd]; ok {
		return r.out, r.err
	}
	return "", nil
}

func (f *fakeRunner) called(cmd string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == cmd {
			return true
		}
	}
	return false
}

func (f *fakeRunner) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
