package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/chzyer/readline"
)

// printer is where the controller writes user-facing lines.
type printer interface {
	Println(line string)
}

// Console wraps a readline instance so asynchronous output never tears the
// line the user is typing.
type Console struct {
	rl *readline.Instance
	mu sync.Mutex
}

// NewConsole opens an interactive console with prompt.
func NewConsole(prompt, historyFile string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return nil, fmt.Errorf("open console: %w", err)
	}
	return &Console{rl: rl}, nil
}

// Close releases the terminal.
func (c *Console) Close() { _ = c.rl.Close() }

// Readline reads one line of user input.
func (c *Console) Readline() (string, error) {
	return c.rl.Readline()
}

// Println prints msg above the prompt and redraws the pending input.
func (c *Console) Println(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rl.Stdout().Write([]byte("\r" + msg + "\n"))
	c.rl.Refresh()
}

// Stderr is where logs go while the console owns the terminal.
func (c *Console) Stderr() io.Writer {
	return c.rl.Stderr()
}

// linePrinter adapts a plain writer for non-interactive commands.
type linePrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *linePrinter) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, line)
}
