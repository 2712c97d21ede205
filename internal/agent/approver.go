package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rviscarra/remotedesk/internal/notify"
)

// Approver asks the local user whether a request may proceed. It returns
// false when ctx ends before an answer.
type Approver interface {
	Approve(ctx context.Context, req notify.ConnectionRequest) (bool, error)
}

// AutoApprover accepts every request
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, notify.ConnectionRequest) (bool, error) {
	return true, nil
}

// PromptApprover asks on a terminal. Only one prompt is shown at a time.
type PromptApprover struct {
	in    io.Reader
	out   io.Writer
	lines chan string
	once  sync.Once
	mu    sync.Mutex
}

func NewPromptApprover(in io.Reader, out io.Writer) *PromptApprover {
	return &PromptApprover{in: in, out: out, lines: make(chan string)}
}

// scan reads input lines for the life of the process
func (p *PromptApprover) scan() {
	scanner := bufio.NewScanner(p.in)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}

func (p *PromptApprover) Approve(ctx context.Context, req notify.ConnectionRequest) (bool, error) {
	p.once.Do(func() { go p.scan() })

	p.mu.Lock()
	defer p.mu.Unlock()

	who := req.RequesterName
	if who == "" {
		who = req.RequesterID
	}
	if who == "" {
		who = "an anonymous controller"
	}

	_, err := fmt.Fprintf(p.out, "\n%s (%s) wants to view this screen. Allow? [y/N] ", who, req.RequesterIP)
	if err != nil {
		return false, err
	}

	select {
	case line, ok := <-p.lines:
		if !ok {
			return false, io.EOF
		}

		answer := strings.ToLower(strings.TrimSpace(line))

		return answer == "y" || answer == "yes", nil
	case <-ctx.Done():
		_, _ = fmt.Fprintln(p.out, "\nNo answer, request dropped.")
		return false, nil
	}
}
