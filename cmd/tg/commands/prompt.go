package commands

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// prompter asks yes/no questions on a terminal. It is safe for concurrent
// use; questions are serialized.
type prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

// confirm returns true only for an explicit yes. EOF is a no.
func (p *prompter) confirm(question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(p.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
