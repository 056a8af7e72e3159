package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/groupchat/internal/client"
	"github.com/energizer-project/groupchat/internal/protocol"
)

// ChatSession is the part of client.Session the console drives.
type ChatSession interface {
	Connect(username string) error
	Send(text string) error
	CreateGroup(kind protocol.GroupKind, members []uint16) error
	Accept(groupID uint16) error
	Reject(groupID uint16) error
	Disjoint() error
	Disconnect() error

	State() client.State
	ID() uint16
	Username() string
	GroupID() uint16
	Roster() []protocol.RosterEntry
	Invitations() []client.Invitation
}

// ClientConsole is the interactive front end of the chat client. It is also
// the session's observer.
type ClientConsole struct {
	con     *console
	in      io.Reader
	session ChatSession
}

// NewClientConsole creates a console reading commands from in and writing to out.
// Call Attach before Run.
func NewClientConsole(in io.Reader, out io.Writer) *ClientConsole {
	return &ClientConsole{con: &console{out: out}, in: in}
}

// Attach sets the session the console controls.
func (c *ClientConsole) Attach(s ChatSession) {
	c.session = s
}

// Run reads commands until QUIT, end of input or ctx cancellation.
func (c *ClientConsole) Run(ctx context.Context) error {
	c.con.println("Group chat client. Type HELP for the list of commands.")
	reader := newLineReader(c.in, c.con)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadLine("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read command: %w", err)
		}

		cmd, args := splitCommand(line)
		if cmd == "" {
			continue
		}
		if cmd == "quit" || cmd == "exit" {
			if c.session.State() != client.StateDisconnected {
				c.session.Disconnect()
			}
			c.con.println("bye")
			return nil
		}
		if err := c.execute(cmd, args, strings.TrimSpace(line)); err != nil {
			c.con.printf("error: %v\n", err)
		}
	}
}

func (c *ClientConsole) execute(cmd string, args []string, line string) error {
	switch cmd {
	case "help":
		c.printHelp()
		return nil
	case "connect":
		if c.session.State() != client.StateDisconnected {
			c.con.println("already connected")
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: CONNECT <username>")
		}
		return c.session.Connect(args[0])
	}

	if c.session.State() != client.StateConnected {
		c.con.println("not connected")
		return nil
	}

	switch cmd {
	case "send":
		text := strings.TrimSpace(line[len("send"):])
		if text == "" {
			return fmt.Errorf("usage: SEND <text>")
		}
		return c.session.Send(text)
	case "users":
		c.printUsers()
	case "print":
		c.printSelf()
	case "gcreate":
		return c.groupCreate(args)
	case "accept", "reject":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <group>", strings.ToUpper(cmd))
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if cmd == "accept" {
			return c.session.Accept(id)
		}
		return c.session.Reject(id)
	case "disjoint":
		return c.session.Disjoint()
	case "disconnect":
		return c.session.Disconnect()
	default:
		c.con.printf("unknown command %q, type HELP\n", cmd)
	}
	return nil
}

func (c *ClientConsole) groupCreate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: GCREATE <c|d> <id>...")
	}
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}
	members := make([]uint16, 0, len(args)-1)
	for _, a := range args[1:] {
		id, err := parseID(a)
		if err != nil {
			return err
		}
		members = append(members, id)
	}
	return c.session.CreateGroup(kind, members)
}

func parseKind(s string) (protocol.GroupKind, error) {
	switch strings.ToLower(s) {
	case "c", "0", "centralized":
		return protocol.Centralized, nil
	case "d", "1", "decentralized":
		return protocol.Decentralized, nil
	}
	return 0, fmt.Errorf("%w: unknown group kind %q", protocol.ErrInvalidUserInput, s)
}

func parseID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", protocol.ErrInvalidUserInput, s)
	}
	return uint16(v), nil
}

func (c *ClientConsole) printHelp() {
	c.con.println(`
Commands:
  HELP                   show this list
  CONNECT <name>         connect with a username of at most 8 characters
  SEND <text>            send text to your current group
  USERS                  list connected users
  PRINT                  show your id, group and pending invitations
  GCREATE <c|d> <id>...  create a centralized or decentralized group
  ACCEPT <group>         accept an invitation
  REJECT <group>         reject an invitation
  DISJOINT               leave your private group
  DISCONNECT             leave the server
  QUIT                   disconnect and exit
`)
}

func (c *ClientConsole) printUsers() {
	c.con.table([]string{"ID", "Username", "Group"}, rosterRows(c.session.Roster()))
}

func (c *ClientConsole) printSelf() {
	c.con.printf("You are %s [%d], %s, in group %d\n",
		c.session.Username(), c.session.ID(), c.session.State(), c.session.GroupID())

	invites := c.session.Invitations()
	if len(invites) == 0 {
		return
	}
	rows := make([][]string, 0, len(invites))
	for _, inv := range invites {
		rows = append(rows, []string{
			strconv.Itoa(int(inv.GroupID)),
			inv.Kind.String(),
			fmt.Sprintf("%s [%d]", inv.Creator, inv.CreatorID),
		})
	}
	c.con.table([]string{"Group", "Kind", "Invited by"}, rows)
}

func rosterRows(roster []protocol.RosterEntry) [][]string {
	rows := make([][]string, 0, len(roster))
	for _, e := range roster {
		rows = append(rows, []string{
			strconv.Itoa(int(e.ID)),
			e.Username,
			strconv.Itoa(int(e.GroupID)),
		})
	}
	return rows
}

// OnStatus prints a session status line.
func (c *ClientConsole) OnStatus(text string) {
	log.Debug().Str("status", text).Msg("session status")
	c.con.printf("* %s\n", text)
}

// OnRosterChanged is informational only; USERS prints the current mirror.
func (c *ClientConsole) OnRosterChanged(roster []protocol.RosterEntry) {
	log.Debug().Int("users", len(roster)).Msg("roster changed")
}

// OnMessageReceived prints a chat line.
func (c *ClientConsole) OnMessageReceived(m client.ChatMessage) {
	c.con.printf("%s [%d]: %s\n", m.Username, m.SenderID, m.Text)
}

// OnInvitationReceived prints an invitation prompt.
func (c *ClientConsole) OnInvitationReceived(inv client.Invitation) {
	c.con.printf("* %s [%d] invites you to %s group %d, answer with ACCEPT %d or REJECT %d\n",
		inv.Creator, inv.CreatorID, inv.Kind, inv.GroupID, inv.GroupID, inv.GroupID)
}
