package permission

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter obtains the user's consent for a capability.
type Prompter interface {
	Ask(ctx context.Context, capability string) (bool, error)
}

// TerminalPrompter asks on out and reads a y/N answer from in. One reader
// is shared by every Ask so input typed ahead is not lost between prompts.
type TerminalPrompter struct {
	in  *bufio.Reader
	out io.Writer

	mu sync.Mutex
	// pending is a line read started by an earlier Ask whose context ended
	// first. The next Ask takes its answer instead of starting a second read.
	pending chan answer
}

type answer struct {
	line string
	err  error
}

// NewTerminalPrompter creates a prompter reading from in and printing to out.
// A nil out prints nothing.
func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

// Ask prints the question and waits for a line. Anything other than "y" or
// "yes" is a refusal. A cancelled context abandons the wait; the read itself
// stays blocked on in until a line arrives or the process exits.
func (p *TerminalPrompter) Ask(ctx context.Context, capability string) (bool, error) {
	if p.out != nil {
		fmt.Fprintf(p.out, "Allow access to %s? [y/N]: ", capability)
	}

	ch := p.readLine()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		p.mu.Lock()
		if p.pending == ch {
			p.pending = nil
		}
		p.mu.Unlock()

		if a.err != nil && a.err != io.EOF {
			return false, a.err
		}
		ans := strings.TrimSpace(strings.ToLower(a.line))
		return ans == "y" || ans == "yes", nil
	}
}

func (p *TerminalPrompter) readLine() chan answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		ch := make(chan answer, 1)
		p.pending = ch
		go func() {
			line, err := p.in.ReadString('\n')
			ch <- answer{line, err}
		}()
	}
	return p.pending
}

// StaticPrompter answers every request the same way. It backs --yes and
// non-interactive use.
type StaticPrompter bool

// Ask returns the fixed answer.
func (p StaticPrompter) Ask(context.Context, string) (bool, error) {
	return bool(p), nil
}
