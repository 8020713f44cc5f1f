package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Terminal abstracts the operator's console so the state machine can be
// driven by tests. Exactly one goroutine prompts at a time: the foreground
// loop while Interactive, the receive path while AwaitingResponse.
type Terminal interface {
	// ReadLine reads one line of input (shown as typed).
	ReadLine() (string, error)
	// ReadSecret reads one line without echoing it.
	ReadSecret() (string, error)
	// Print writes a line of output.
	Print(text string)
	// Prompt writes a prompt without a trailing newline.
	Prompt(text string)
}

// StdTerminal is the real console: stdin/stdout plus masked input via the
// terminal driver.
type StdTerminal struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

func NewStdTerminal() *StdTerminal {
	return &StdTerminal{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

func (t *StdTerminal) ReadLine() (string, error) {
	line, err := t.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *StdTerminal) ReadSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		// piped input; fall back to plain reads
		return t.ReadLine()
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(t.out)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func (t *StdTerminal) Print(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\r%s\n", text)
}

func (t *StdTerminal) Prompt(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "\r%s", text)
}
