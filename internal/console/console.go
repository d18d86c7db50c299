// Package console turns operator keyboard lines into gateway events.
//
//	q                      quit
//	i <id>;<index>;<value> queue a command for a node
//	k                      log the current session key
//	s                      log the gateway state
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/chaz8081/gatewaynode/internal/model"
	"github.com/chaz8081/gatewaynode/internal/queue"
)

// EventKind identifies an operator action.
type EventKind int

const (
	EventQuit EventKind = iota
	EventCommand
	EventShowKey
	EventShowState
)

// Event is one parsed console line.
type Event struct {
	Kind    EventKind
	Command model.Command // EventCommand only
}

// ErrEmpty is returned by ParseLine for a blank line.
var ErrEmpty = errors.New("console: empty line")

// ParseLine parses a single console line.
func ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, ErrEmpty
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "q":
		return Event{Kind: EventQuit}, nil
	case "k":
		return Event{Kind: EventShowKey}, nil
	case "s":
		return Event{Kind: EventShowState}, nil
	case "i":
		cmd, err := parseCommand(strings.TrimSpace(rest))
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventCommand, Command: cmd}, nil
	default:
		return Event{}, fmt.Errorf("console: unknown command %q", verb)
	}
}

func parseCommand(s string) (model.Command, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 3 {
		return model.Command{}, fmt.Errorf("console: want <id>;<index>;<value>, got %q", s)
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return model.Command{}, errors.New("console: empty node id")
	}
	index, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return model.Command{}, fmt.Errorf("console: index: %w", err)
	}
	return model.Command{NodeID: id, Index: index, Value: strings.TrimSpace(parts[2])}, nil
}

// Read parses lines from r into events until r is exhausted or ctx is done.
// Invalid lines are logged and skipped.
func Read(ctx context.Context, r io.Reader, events *queue.Queue[Event]) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		ev, err := ParseLine(scanner.Text())
		if err != nil {
			if !errors.Is(err, ErrEmpty) {
				slog.Warn("[MAIN] console input ignored", "error", err)
			}
			continue
		}
		events.Push(ev)
		if ev.Kind == EventQuit {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("console: read: %w", err)
	}
	return nil
}

// IsInteractive reports whether f is a terminal. The gateway only reads
// operator input from a terminal.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
