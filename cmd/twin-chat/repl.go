package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/tjfontaine/twin-chat/internal/conversation"
	"github.com/tjfontaine/twin-chat/internal/session"
	"github.com/tjfontaine/twin-chat/internal/tokens"
	"github.com/tjfontaine/twin-chat/internal/transcript"
)

const helpText = `Commands:
  /clear           start over (the service keeps your session)
  /export [path]   save the conversation (.txt or .html)
  /stats           show message and token counts
  /help            show this help
  /quit            exit
Press Ctrl+C to stop a reply, or to exit while idle.
`

type repl struct {
	ctrl      *session.Controller
	counter   tokens.Counter
	exportDir string
	out       io.Writer
	now       func() time.Time

	userLabel      *color.Color
	assistantLabel *color.Color
	notice         *color.Color
	failure        *color.Color

	// rendering position within the current turn
	shownPending int
	historyLen   int
}

func newREPL(ctrl *session.Controller, counter tokens.Counter, exportDir string, out io.Writer) *repl {
	return &repl{
		ctrl:           ctrl,
		counter:        counter,
		exportDir:      exportDir,
		out:            out,
		now:            time.Now,
		userLabel:      color.New(color.FgGreen, color.Bold),
		assistantLabel: color.New(color.FgCyan, color.Bold),
		notice:         color.New(color.FgYellow),
		failure:        color.New(color.FgRed),
	}
}

// run reads lines from in until EOF, /quit, or an interrupt while idle.
func (r *repl) run(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	r.notice.Fprintln(r.out, "Connected. Type /help for commands.")
	for {
		r.prompt()

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			fmt.Fprintln(r.out)
			return nil
		case line, ok = <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				return nil
			}
		}

		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "/") {
			if quit := r.command(line); quit {
				return nil
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		r.turn(ctx, line, interrupts)
	}
}

func (r *repl) prompt() {
	r.userLabel.Fprint(r.out, "you> ")
}

// turn sends one message and renders the reply as it streams in.
func (r *repl) turn(ctx context.Context, text string, interrupts <-chan os.Signal) {
	updates, stop := r.ctrl.Subscribe(ctx)
	defer stop()

	type result struct {
		outcome session.Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := r.ctrl.Send(ctx, text)
		done <- result{outcome, err}
	}()

	for {
		select {
		case s, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			r.render(s)
		case <-interrupts:
			r.ctrl.Cancel()
		case res := <-done:
			if res.err != nil {
				r.failure.Fprintf(r.out, "%v\n", res.err)
				return
			}
			r.render(r.ctrl.State())
			if res.outcome == session.OutcomeCancelled {
				r.notice.Fprintln(r.out, "[stopped]")
			}
			return
		}
	}
}

// render prints whatever s adds to what has already been shown.
func (r *repl) render(s conversation.State) {
	if len(s.History) < r.historyLen {
		r.historyLen = len(s.History)
	}

	if s.Phase.Active() && len(s.PendingContent) > r.shownPending {
		if r.shownPending == 0 {
			r.assistantLabel.Fprint(r.out, "twin> ")
		}
		fmt.Fprint(r.out, s.PendingContent[r.shownPending:])
		r.shownPending = len(s.PendingContent)
	}

	for _, msg := range s.History[r.historyLen:] {
		if msg.Role != conversation.RoleAssistant {
			continue
		}
		switch {
		case msg.Content == conversation.FailureNotice:
			if r.shownPending > 0 {
				fmt.Fprintln(r.out)
			}
			r.assistantLabel.Fprint(r.out, "twin> ")
			r.failure.Fprintln(r.out, msg.Content)
		case r.shownPending > 0 && r.shownPending <= len(msg.Content):
			fmt.Fprintln(r.out, msg.Content[r.shownPending:])
		default:
			r.assistantLabel.Fprint(r.out, "twin> ")
			fmt.Fprintln(r.out, msg.Content)
		}
		r.shownPending = 0
	}
	r.historyLen = len(s.History)

	// cancelled mid-reply
	if s.Phase == conversation.PhaseIdle && r.shownPending > 0 {
		fmt.Fprintln(r.out)
		r.shownPending = 0
	}
}

// command runs a slash command and reports whether the session should end.
func (r *repl) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprint(r.out, helpText)

	case "/clear":
		if err := r.ctrl.Clear(); err != nil {
			r.failure.Fprintf(r.out, "cannot clear: %v\n", err)
			return false
		}
		r.historyLen = 0
		r.notice.Fprintln(r.out, "Conversation cleared.")

	case "/stats":
		s := r.ctrl.State()
		u, err := tokens.CountHistory(r.counter, s.History)
		if err != nil {
			r.failure.Fprintf(r.out, "cannot count tokens: %v\n", err)
			return false
		}
		approx := ""
		if u.Estimated {
			approx = "~"
		}
		sessionID := s.SessionID
		if sessionID == "" {
			sessionID = "(none yet)"
		}
		fmt.Fprintf(r.out, "session %s: %d messages, %s%d tokens (you %d, twin %d; %s)\n",
			sessionID, u.Messages, approx, u.Total, u.User, u.Assistant, u.Counter)

	case "/export":
		path := filepath.Join(r.exportDir, transcript.Filename(r.now(), transcript.FormatText))
		if len(fields) > 1 {
			path = fields[1]
		}
		if err := r.export(path); err != nil {
			r.failure.Fprintf(r.out, "export failed: %v\n", err)
			return false
		}
		r.notice.Fprintf(r.out, "Saved %s\n", path)

	default:
		r.failure.Fprintf(r.out, "unknown command %s (try /help)\n", fields[0])
	}
	return false
}

func (r *repl) export(path string) error {
	history := r.ctrl.State().History
	if len(history) == 0 {
		return errors.New("nothing to export")
	}
	u, err := tokens.CountHistory(r.counter, history)
	if err != nil {
		return err
	}
	return transcript.Save(path, history, &u)
}
