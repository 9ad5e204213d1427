package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/stream-relay/backend/internal/logger"
	"github.com/stream-relay/backend/internal/session"
)

// Console reads operator commands line by line and acts on them:
//
//	LIST          list live sessions
//	START <id>    send START to a session
//	STOP <id>     send STOP to a session
//	EXIT          shut the server down
type Console struct {
	in         io.Reader
	out        io.Writer
	registry   *session.Registry
	dispatcher *Dispatcher
	shutdown   func()
	log        logger.Logger
}

func NewConsole(in io.Reader, out io.Writer, registry *session.Registry, dispatcher *Dispatcher, shutdown func(), log logger.Logger) *Console {
	return &Console{
		in:         in,
		out:        out,
		registry:   registry,
		dispatcher: dispatcher,
		shutdown:   shutdown,
		log:        log.With(logger.F("component", "console")),
	}
}

// Run interprets commands until EXIT or ctx is done. Reading happens on a
// separate goroutine so ctx can interrupt a pending read; that goroutine
// is left blocked on the reader when Run returns early.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go c.readLines(ctx, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// Input closed: keep serving until shut down another way.
				c.log.Info("operator input closed")
				<-ctx.Done()
				return nil
			}
			if exit := c.Execute(line); exit {
				return nil
			}
		}
	}
}

func (c *Console) readLines(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("reading operator input", logger.Err(err))
	}
}

// Execute runs a single command line and reports whether it was EXIT.
func (c *Console) Execute(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	verb := strings.ToUpper(fields[0])
	switch {
	case verb == "LIST" && len(fields) == 1:
		c.list()
	case (verb == "START" || verb == "STOP") && len(fields) == 2:
		cmd, _ := session.ParseCommand(verb)
		c.send(fields[1], cmd)
	case verb == "EXIT" && len(fields) == 1:
		c.printf("shutting down\n")
		c.shutdown()
		return true
	default:
		c.printf("unrecognized command: %s\n", strings.TrimSpace(line))
	}
	return false
}

func (c *Console) list() {
	ids := c.registry.Snapshot()
	if len(ids) == 0 {
		c.printf("no active sessions\n")
		return
	}
	c.printf("active sessions (%d):\n", len(ids))
	for _, id := range ids {
		c.printf("  %s\n", id)
	}
}

func (c *Console) send(id string, cmd session.Command) {
	if c.dispatcher.Dispatch(id, cmd) == Found {
		c.printf("%s sent to %s\n", cmd, id)
		return
	}
	c.printf("session %s not found\n", id)
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.log.Warn("writing console output", logger.Err(err))
	}
}
