package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"passfiles/internal/pf"
)

// TerminalPrompt reads passphrases from a terminal without echo. When the
// input is not a terminal (a pipe in scripts and tests) it reads plain lines.
// An empty answer or end of input counts as cancelling.
type TerminalPrompt struct {
	out    io.Writer
	lines  *bufio.Reader
	fd     int
	isTerm bool
}

// NewTerminalPrompt creates a prompt reading from in and writing questions to out.
func NewTerminalPrompt(in io.Reader, out io.Writer) *TerminalPrompt {
	p := &TerminalPrompt{out: out, lines: bufio.NewReader(in)}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.isTerm = true
	}
	return p
}

func (p *TerminalPrompt) read() (string, error) {
	if p.isTerm {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		return string(b), err
	}
	line, err := p.lines.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *TerminalPrompt) Ask(ctx context.Context, question string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	fmt.Fprint(p.out, question)
	answer, err := p.read()
	if err != nil || answer == "" {
		return "", false
	}
	return answer, true
}

func (p *TerminalPrompt) AskLooped(ctx context.Context, question, retry string, validate func(string) bool) (string, bool) {
	q := question
	for {
		answer, ok := p.Ask(ctx, q)
		if !ok {
			return "", false
		}
		if validate(answer) {
			return answer, true
		}
		q = retry
	}
}

var _ pf.Prompt = (*TerminalPrompt)(nil)
