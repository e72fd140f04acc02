package present

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/BlackMission/authflow/internal/flow"
)

// Prompt prints the authorize URL and reads the redirect URL the user
// pastes back. An empty line or end of input cancels.
type Prompt struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
}

// NewPrompt creates a Prompt reading from in and writing to out.
func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, out: out}
}

// readLines starts the single reader of in. Lines are only taken by a live
// attempt, so one typed for a resolved attempt goes to the next.
func (p *Prompt) readLines() {
	p.lines = make(chan string)
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(p.in)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
}

// Present prints instructions and waits for input in the background.
func (p *Prompt) Present(ctx context.Context, authorizeURL string, sink flow.Sink) error {
	p.once.Do(p.readLines)

	_, err := fmt.Fprintf(p.out,
		"Open this URL in a browser and authorize:\n\n  %s\n\nThen paste the URL you were redirected to (empty line cancels):\n> ",
		authorizeURL)
	if err != nil {
		return err
	}

	go func() {
		select {
		case line, ok := <-p.lines:
			line = strings.TrimSpace(line)
			if !ok || line == "" {
				sink.Cancel()
				return
			}
			sink.Redirect(line)
		case <-ctx.Done():
		}
	}()
	return nil
}

// Dismiss ends the prompt line.
func (p *Prompt) Dismiss() {
	fmt.Fprintln(p.out)
}
