package session

import (
	"fmt"
	"strings"
)

// Command is a control word sent to a streaming client.
type Command string

const (
	CommandStart Command = "START"
	CommandStop  Command = "STOP"
)

// ParseCommand accepts a command word in any case.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToUpper(strings.TrimSpace(s))); c {
	case CommandStart, CommandStop:
		return c, nil
	default:
		return "", fmt.Errorf("unknown command %q", s)
	}
}
