package cli

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/server"
)

// EngineState is the read-only view of the engine the server console shows.
type EngineState interface {
	Snapshot() *server.Snapshot
	Stats() server.Stats
	QueueDepth() int
	Started() time.Time
}

// ServerConsole is the operator console of the chat server.
type ServerConsole struct {
	con      *console
	in       io.Reader
	engine   EngineState
	eventBus *events.EventBus
}

// NewServerConsole creates the operator console.
func NewServerConsole(in io.Reader, out io.Writer, engine EngineState, eventBus *events.EventBus) *ServerConsole {
	return &ServerConsole{
		con:      &console{out: out},
		in:       in,
		engine:   engine,
		eventBus: eventBus,
	}
}

// Start runs the command loop until quit, end of input or ctx cancellation.
func (c *ServerConsole) Start(ctx context.Context) {
	c.con.println("\nChat server console ready. Type 'help' for available commands.")
	reader := newLineReader(c.in, c.con)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadLine("chat> ")
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.con.printf("Error: %v\n", err)
			}
			return
		}

		cmd, args := splitCommand(line)
		if cmd == "" {
			continue
		}
		if c.execute(ctx, cmd, args) {
			return
		}
	}
}

// execute runs one command and reports whether the console should stop.
func (c *ServerConsole) execute(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "users", "u":
		c.printUsers()
	case "groups", "g":
		c.printGroups()
	case "stats", "s":
		c.printStats()
	case "quit", "exit", "q":
		c.con.println("Shutting down chat server...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true
	default:
		c.con.printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false
}

func (c *ServerConsole) printHelp() {
	c.con.println(`
  users     List clients and their groups
  groups    List private groups with members and open invitations
  stats     Show traffic counters
  quit      Shut the server down
  help      Show this help message
`)
}

func (c *ServerConsole) printUsers() {
	snap := c.engine.Snapshot()
	rows := make([][]string, 0, len(snap.Clients))
	for _, cl := range snap.Clients {
		rows = append(rows, []string{
			strconv.Itoa(int(cl.ID)),
			cl.Username,
			cl.State,
			strconv.Itoa(int(cl.GroupID)),
			cl.Addr,
			strconv.FormatUint(uint64(cl.Version), 10),
		})
	}
	c.con.table([]string{"ID", "Username", "State", "Group", "Address", "Version"}, rows)
	c.con.printf("%d/%d clients\n", len(snap.Clients), snap.Capacity)
}

func (c *ServerConsole) printGroups() {
	snap := c.engine.Snapshot()
	if len(snap.Groups) == 0 {
		c.con.println("No private groups")
		return
	}
	rows := make([][]string, 0, len(snap.Groups))
	for _, g := range snap.Groups {
		rows = append(rows, []string{
			strconv.Itoa(int(g.ID)),
			g.Kind,
			strconv.Itoa(int(g.CreatorID)),
			joinIDs(g.Members),
			joinIDs(g.Pending),
		})
	}
	c.con.table([]string{"Group", "Kind", "Creator", "Members", "Invited"}, rows)
}

func (c *ServerConsole) printStats() {
	st := c.engine.Stats()
	snap := c.engine.Snapshot()
	c.con.table([]string{"Metric", "Value"}, [][]string{
		{"Uptime", time.Since(c.engine.Started()).Round(time.Second).String()},
		{"Connected clients", strconv.Itoa(snap.ConnectedCount())},
		{"Private groups", strconv.Itoa(len(snap.Groups))},
		{"Datagrams received", strconv.FormatUint(st.Received, 10)},
		{"Malformed", strconv.FormatUint(st.Malformed, 10)},
		{"Protocol violations", strconv.FormatUint(st.Violations, 10)},
		{"Messages relayed", strconv.FormatUint(st.Relayed, 10)},
		{"Send errors", strconv.FormatUint(st.SendErrors, 10)},
		{"Queue depth", strconv.Itoa(c.engine.QueueDepth())},
	})
}

func joinIDs(ids []uint16) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
