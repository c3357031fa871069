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
	"sync"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/chat"
	"github.com/dotsetgreg/companion/pkg/store"
)

const historyPreview = 10

// streamPrinter renders controller events as terminal text, printing only
// the new suffix of a streaming reply.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	seeded  bool
	replyID string
	printed string
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

func (p *streamPrinter) Render(ev bus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case bus.EventTurnsPrepended:
		p.renderHistory(ev.Turns)
	case bus.EventTurnAppended:
		for _, t := range ev.Turns {
			if t.Sender == string(store.SenderAI) {
				p.replyID = t.LocalID
				p.printed = ""
				fmt.Fprintf(p.out, "%s: ", appName)
			}
		}
	case bus.EventTurnUpdated:
		for _, t := range ev.Turns {
			if t.LocalID != p.replyID {
				continue
			}
			if t.Error {
				if p.printed != "" {
					fmt.Fprintln(p.out)
				}
				fmt.Fprint(p.out, t.Text)
				p.printed = t.Text
				continue
			}
			if strings.HasPrefix(t.Text, p.printed) {
				fmt.Fprint(p.out, t.Text[len(p.printed):])
			} else {
				fmt.Fprintf(p.out, "\n%s", t.Text)
			}
			p.printed = t.Text
		}
	case bus.EventTurnsCleared:
		p.replyID = ""
		p.printed = ""
		fmt.Fprintln(p.out, "Conversation cleared.")
	}
}

func (p *streamPrinter) renderHistory(turns []bus.TurnView) {
	if len(turns) == 0 {
		return
	}
	shown := turns
	if p.seeded {
		fmt.Fprintln(p.out, "Earlier messages:")
	} else if len(shown) > historyPreview {
		fmt.Fprintf(p.out, "(%d earlier messages; type /more to load older ones)\n", len(shown)-historyPreview)
		shown = shown[len(shown)-historyPreview:]
	}
	for _, t := range shown {
		who := "you"
		if t.Sender == string(store.SenderAI) {
			who = appName
		}
		fmt.Fprintf(p.out, "%s: %s\n", who, t.Text)
	}
	fmt.Fprintln(p.out)
	p.seeded = true
}

// pump forwards bus events to the printer until the channel closes.
// Sending on flush returns once every event published so far is rendered.
type pump struct {
	flush chan chan struct{}
	done  chan struct{}
}

func startPump(events <-chan bus.Event, p *streamPrinter) *pump {
	pm := &pump{flush: make(chan chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(pm.done)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.Render(ev)
			case ack := <-pm.flush:
				for drained := false; !drained; {
					select {
					case ev, ok := <-events:
						if !ok {
							close(ack)
							return
						}
						p.Render(ev)
					default:
						drained = true
					}
				}
				close(ack)
			}
		}
	}()
	return pm
}

func (pm *pump) Flush() {
	ack := make(chan struct{})
	select {
	case pm.flush <- ack:
		<-ack
	case <-pm.done:
	}
}

func runChat(ctx context.Context, a *app, userID, message string, out io.Writer) error {
	eb := bus.NewEventBus()
	defer eb.Close()
	events, cancel := eb.Subscribe()
	defer cancel()
	pm := startPump(events, newStreamPrinter(out))

	ctrl := a.controller(userID, eb)
	defer ctrl.Close()

	if strings.TrimSpace(message) != "" {
		if err := initController(ctx, ctrl); err != nil {
			return err
		}
		pm.Flush()
		return sendAndRender(ctx, ctrl, pm, out, message)
	}

	fmt.Fprintf(out, "%s - type a message, /more for older history, /clear to start over, exit to quit.\n\n", appName)
	if err := initController(ctx, ctrl); err != nil {
		return err
	}
	pm.Flush()
	return interactiveLoop(ctx, ctrl, pm, out)
}

func sendAndRender(ctx context.Context, ctrl *chat.Controller, pm *pump, out io.Writer, text string) error {
	res, err := ctrl.Send(ctx, text)
	pm.Flush()
	if err != nil {
		return err
	}
	if res.Status != chat.SendIgnored {
		fmt.Fprint(out, "\n\n")
	}
	return nil
}

func interactiveLoop(ctx context.Context, ctrl *chat.Controller, pm *pump, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".companion_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		return simpleLoop(ctx, ctrl, pm, out)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if quit := handleLine(ctx, ctrl, pm, out, line); quit {
			return nil
		}
	}
}

func simpleLoop(ctx context.Context, ctrl *chat.Controller, pm *pump, out io.Writer) error {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprint(out, "you: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if quit := handleLine(ctx, ctrl, pm, out, line); quit {
			return nil
		}
	}
}

// handleLine runs one prompt line and reports whether the user quit.
func handleLine(ctx context.Context, ctrl *chat.Controller, pm *pump, out io.Writer, line string) bool {
	if ctx.Err() != nil {
		return true
	}
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "exit", "quit":
		fmt.Fprintln(out, "Goodbye!")
		return true
	case "/clear":
		if err := ctrl.Clear(ctx); err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
		}
		pm.Flush()
		return false
	case "/more":
		n, err := ctrl.LoadMoreMessages(ctx)
		pm.Flush()
		switch {
		case err != nil:
			fmt.Fprintf(out, "Error: %v\n", err)
		case n == 0:
			fmt.Fprintln(out, "No older messages.")
		}
		return false
	}

	if err := sendAndRender(ctx, ctrl, pm, out, input); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}
