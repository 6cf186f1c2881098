package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"peerlink/nearby"
)

const chatHelp = `commands:
  /peers                 list nearby peers
  /invite <peer>         invite a peer into the session
  /kick <peer>           disconnect a peer
  /send <peer> <path>    send a file
  /u <text>              send text without delivery guarantees
  /quit                  leave
anything else is sent to every connected peer`

// runChat runs the interactive chat loop until the user quits or ctx ends.
func runChat(ctx context.Context, opts RunOptions, console *Console) error {
	opts.Out = console
	opts.Bars = console.Stderr()

	c, err := newController(ctx, opts)
	if err != nil {
		return err
	}
	defer c.shutdown()

	prompt := newAcceptPrompt(console, opts.Config.InviteTimeout())
	defer prompt.close()
	if err := c.start(prompt.policy(c.session, c.recordInvitation)); err != nil {
		return err
	}

	console.Println(fmt.Sprintf("you are %s (%s) in %q. /help for commands", c.identity.DisplayName, shortID(c.identity.ID), opts.Namespace))

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := console.Readline()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case line := <-lines:
			if prompt.answer(line) {
				continue
			}
			if quit := handleChatLine(c, console, line); quit {
				return nil
			}
		}
	}
}

// handleChatLine executes one line of chat input. It reports true on /quit.
func handleChatLine(c *controller, out printer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := c.sendText(line, nearby.Reliable); err != nil {
			out.Println(fmt.Sprintf("! %v", err))
		}
		return false
	}

	command, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		out.Println(chatHelp)
	case "/peers":
		for _, row := range c.peerTable() {
			out.Println(row)
		}
	case "/invite":
		p, err := c.findPeer(rest)
		if err != nil {
			out.Println(fmt.Sprintf("! %v", err))
			return false
		}
		c.invite(p, c.opts.Config.InviteTimeout())
	case "/kick":
		p, err := c.findPeer(rest)
		if err != nil {
			out.Println(fmt.Sprintf("! %v", err))
			return false
		}
		if err := c.session.DisconnectPeer(p); err != nil {
			out.Println(fmt.Sprintf("! %v", err))
		}
	case "/send":
		target, path, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(path) == "" {
			out.Println("usage: /send <peer> <path>")
			return false
		}
		p, err := c.findPeer(target)
		if err != nil {
			out.Println(fmt.Sprintf("! %v", err))
			return false
		}
		path = filepath.Clean(strings.TrimSpace(path))
		if err := c.sendFile(path, p); err != nil {
			out.Println(fmt.Sprintf("! %v", err))
		}
	case "/u":
		if rest == "" {
			return false
		}
		if err := c.sendText(rest, nearby.Unreliable); err != nil {
			out.Println(fmt.Sprintf("! %v", err))
		}
	default:
		out.Println(fmt.Sprintf("unknown command %s, /help lists commands", command))
	}
	return false
}
