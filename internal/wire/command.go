package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Responses the directory sends to a Join command.
const (
	ResponseSuccess = "Success"
	ResponseFull    = "Game already full"
	ResponseInPlay  = "Game already in play."
)

// DefaultPlayers is the player count assumed when a Join omits it.
const DefaultPlayers = 2

// CommandKind identifies a directory command.
type CommandKind int

const (
	// CommandUnknown is any line that matches no known verb; the directory ignores it.
	CommandUnknown CommandKind = iota
	CommandJoin
	CommandList
	CommandQuit
)

// String returns the command verb.
func (k CommandKind) String() string {
	switch k {
	case CommandJoin:
		return "Join"
	case CommandList:
		return "List Games"
	case CommandQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// Command is a parsed directory command.
type Command struct {
	Kind    CommandKind
	Game    string
	Session string
	// Players is the requested session size; only meaningful for CommandJoin.
	Players int
}

// String renders the command in its wire form.
func (c Command) String() string {
	switch c.Kind {
	case CommandJoin:
		return fmt.Sprintf("Join %s %s %d", c.Game, c.Session, c.Players)
	case CommandList, CommandQuit:
		return c.Kind.String()
	default:
		return ""
	}
}

// Join builds a Join command.
func Join(game, session string, players int) Command {
	return Command{Kind: CommandJoin, Game: game, Session: session, Players: players}
}

// ParseCommand parses one command line. Verbs are case-sensitive and matched by prefix.
//
// Postcondition: Join commands carry non-empty names and Players >= 1. A Join with
// missing names or a non-numeric count returns ErrProtocolViolation. Unrecognized
// lines return CommandUnknown and no error.
func ParseCommand(line string) (Command, error) {
	switch {
	case strings.HasPrefix(line, "Join"):
		return parseJoin(line)
	case strings.HasPrefix(line, "List Games"):
		return Command{Kind: CommandList}, nil
	case strings.HasPrefix(line, "Quit"):
		return Command{Kind: CommandQuit}, nil
	default:
		return Command{Kind: CommandUnknown}, nil
	}
}

func parseJoin(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return Command{}, fmt.Errorf("%w: join needs a game and session name: %q", ErrProtocolViolation, line)
	}
	cmd := Join(parts[1], parts[2], DefaultPlayers)
	if len(parts) > 3 {
		n, err := strconv.Atoi(parts[3])
		if err != nil {
			return Command{}, fmt.Errorf("%w: player count %q", ErrProtocolViolation, parts[3])
		}
		cmd.Players = max(1, n)
	}
	return cmd, nil
}

// Listing is one entry of a List Games response.
type Listing struct {
	Game    string
	Session string
}

// String renders the entry in its wire form.
func (l Listing) String() string {
	return fmt.Sprintf("Game: %s Session: %s", l.Game, l.Session)
}

// FormatListing joins entries into a List Games response, one per line.
func FormatListing(entries []Listing) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseListing splits a List Games response back into entries. Malformed lines are skipped.
func ParseListing(s string) []Listing {
	var out []Listing
	for _, line := range strings.Split(s, "\n") {
		f := strings.Fields(line)
		if len(f) != 4 || f[0] != "Game:" || f[2] != "Session:" {
			continue
		}
		out = append(out, Listing{Game: f[1], Session: f[3]})
	}
	return out
}
