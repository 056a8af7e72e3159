// Package client implements the client side of the group-chat protocol: a
// session that tracks its own connection state, mirrors the server roster
// and retransmits control requests until the server acknowledges them.
package client

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/energizer-project/groupchat/internal/protocol"
	"github.com/energizer-project/groupchat/internal/util"
)

// State is the client-side connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Invitation is an unanswered group invitation.
type Invitation struct {
	GroupID   uint16
	Kind      protocol.GroupKind
	CreatorID uint16
	Creator   string
}

// ChatMessage is a relayed data message.
type ChatMessage struct {
	SenderID uint16
	Username string
	GroupID  uint16
	Text     string
}

// Observer receives session notifications. Methods are called without any
// session lock held and may call back into the session.
type Observer interface {
	OnStatus(text string)
	OnRosterChanged(roster []protocol.RosterEntry)
	OnMessageReceived(msg ChatMessage)
	OnInvitationReceived(inv Invitation)
}

// Sender transmits one datagram to addr.
type Sender interface {
	Send(data []byte, addr *net.UDPAddr) error
}

// Config holds the session's retry policy.
type Config struct {
	MaxUsernameLength int
	RetryAttempts     int
	RetryBase         time.Duration
	RetryMax          time.Duration
}

// DefaultConfig returns the retry policy used by the console client.
func DefaultConfig() Config {
	return Config{
		MaxUsernameLength: protocol.MaxUsernameLength,
		RetryAttempts:     5,
		RetryBase:         250 * time.Millisecond,
		RetryMax:          4 * time.Second,
	}
}

// Session is one client's view of the conversation with the server.
type Session struct {
	mu       sync.Mutex
	cfg      Config
	sender   Sender
	server   *net.UDPAddr
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time

	state     State
	username  string
	id        uint16
	groupID   uint16
	roster    map[uint16]protocol.RosterEntry
	invites   map[uint16]Invitation
	listing   *assembly
	seq       uint16
	pending   map[uint16]*pendingRequest
	lastError error

	wake chan struct{}
}

// NewSession creates a disconnected session talking to server. observer may be nil.
func NewSession(cfg Config, sender Sender, server *net.UDPAddr, observer Observer) *Session {
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = protocol.MaxUsernameLength
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	s := &Session{
		cfg:      cfg,
		sender:   sender,
		server:   server,
		observer: observer,
		logger:   util.ComponentLogger("session"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
	s.reset()
	return s
}

// reset returns the session to Disconnected. Caller holds mu.
func (s *Session) reset() {
	s.state = StateDisconnected
	s.username = ""
	s.id = protocol.ServerID
	s.groupID = protocol.PublicGroupID
	s.roster = make(map[uint16]protocol.RosterEntry)
	s.invites = make(map[uint16]Invitation)
	s.listing = nil
	s.pending = make(map[uint16]*pendingRequest)
}

// Connect starts the handshake. The outcome is reported through the observer.
func (s *Session) Connect(username string) error {
	username = strings.TrimSpace(username)
	n := utf8.RuneCountInString(username)
	if n == 0 || n > s.cfg.MaxUsernameLength {
		return fmt.Errorf("%w: username must be 1 to %d characters", protocol.ErrInvalidUserInput, s.cfg.MaxUsernameLength)
	}

	var out notices
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: already connected", protocol.ErrInvalidUserInput)
	}
	s.state = StateConnecting
	s.username = username
	s.lastError = nil
	s.track(protocol.Message{
		Type:     protocol.ConnectionRequest,
		SourceID: protocol.ServerID,
		GroupID:  protocol.PublicGroupID,
		Payload:  protocol.BuildConnectionRequest(username),
	})
	out.status("connecting as %s", username)
	s.mu.Unlock()

	s.deliver(out)
	return nil
}

// Send broadcasts text to the client's current group. Data messages are
// not retransmitted.
func (s *Session) Send(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty message", protocol.ErrInvalidUserInput)
	}
	payload := protocol.BuildDataMessage(text)
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: message longer than %d bytes", protocol.ErrInvalidUserInput, protocol.MaxPayloadSize-2)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	return s.transmit(protocol.Message{
		Type:     protocol.DataMessage,
		SourceID: s.id,
		GroupID:  s.groupID,
		Payload:  payload,
	})
}

// CreateGroup invites members to a new private group.
func (s *Session) CreateGroup(kind protocol.GroupKind, members []uint16) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown group kind %d", protocol.ErrInvalidUserInput, uint8(kind))
	}
	if len(members) == 0 {
		return fmt.Errorf("%w: a group needs at least one member", protocol.ErrInvalidUserInput)
	}
	payload := protocol.BuildGroupCreation(kind, members)
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: too many members", protocol.ErrInvalidUserInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	s.track(protocol.Message{
		Type:     protocol.GroupCreationRequest,
		SourceID: s.id,
		GroupID:  s.groupID,
		Payload:  payload,
	})
	return nil
}

// Accept joins the group of a pending invitation.
func (s *Session) Accept(groupID uint16) error {
	return s.answer(groupID, protocol.GroupInvitationAccept)
}

// Reject declines a pending invitation.
func (s *Session) Reject(groupID uint16) error {
	return s.answer(groupID, protocol.GroupInvitationReject)
}

// answer sends the reply and forgets the invitation right away, whether
// accepted or rejected.
func (s *Session) answer(groupID uint16, t protocol.MessageType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	inv, ok := s.invites[groupID]
	if !ok {
		return fmt.Errorf("%w: no invitation to group %d", protocol.ErrInvalidUserInput, groupID)
	}
	delete(s.invites, groupID)

	s.track(protocol.Message{
		Type:     t,
		SourceID: s.id,
		GroupID:  groupID,
		Payload: protocol.BuildInvitationAnswer(protocol.AnswerPayload{
			CreatorID: inv.CreatorID,
			Kind:      inv.Kind,
			GroupID:   groupID,
			MemberID:  s.id,
		}),
	})
	return nil
}

// Disjoint leaves the current private group.
func (s *Session) Disjoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireConnected(); err != nil {
		return err
	}
	if s.groupID == protocol.PublicGroupID {
		return fmt.Errorf("%w: not in a private group", protocol.ErrInvalidUserInput)
	}
	s.track(protocol.Message{
		Type:     protocol.GroupDisjointRequest,
		SourceID: s.id,
		GroupID:  s.groupID,
	})
	return nil
}

// Disconnect asks the server to end the session. Local state is cleared
// when the server acknowledges.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return fmt.Errorf("%w: not connected", protocol.ErrInvalidUserInput)
	}
	if s.state == StateConnecting && s.id == protocol.ServerID {
		s.reset()
		return nil
	}
	s.track(protocol.Message{
		Type:     protocol.DisconnectionRequest,
		SourceID: s.id,
		GroupID:  s.groupID,
	})
	return nil
}

func (s *Session) requireConnected() error {
	if s.state != StateConnected {
		return fmt.Errorf("%w: not connected", protocol.ErrInvalidUserInput)
	}
	return nil
}

// transmit encodes and sends msg to the server. Caller holds mu.
func (s *Session) transmit(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.sender.Send(data, s.server); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	s.logger.Trace().Stringer("msg", msg).Msg("datagram sent")
	return nil
}

// State returns the connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the id assigned by the server, or 0 before the handshake.
func (s *Session) ID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Username returns the name the session connected with.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// GroupID returns the group the client currently belongs to.
func (s *Session) GroupID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupID
}

// Roster returns the mirrored roster ordered by id.
func (s *Session) Roster() []protocol.RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Session) rosterLocked() []protocol.RosterEntry {
	out := make([]protocol.RosterEntry, 0, len(s.roster))
	for _, e := range s.roster {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invitations returns the unanswered invitations ordered by group id.
func (s *Session) Invitations() []Invitation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invitation, 0, len(s.invites))
	for _, inv := range s.invites {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// LastError returns the most recent asynchronous failure, such as a
// handshake timeout or a refused connection.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// nameOf resolves a client id through the mirror. Caller holds mu.
func (s *Session) nameOf(id uint16) string {
	if e, ok := s.roster[id]; ok {
		return e.Username
	}
	return fmt.Sprintf("#%d", id)
}

// notices collects observer callbacks while the lock is held.
type notices struct {
	statuses    []string
	roster      []protocol.RosterEntry
	messages    []ChatMessage
	invitations []Invitation
}

func (n *notices) status(format string, args ...interface{}) {
	n.statuses = append(n.statuses, fmt.Sprintf(format, args...))
}

func (s *Session) deliver(n notices) {
	for _, text := range n.statuses {
		s.observer.OnStatus(text)
	}
	if n.roster != nil {
		s.observer.OnRosterChanged(n.roster)
	}
	for _, inv := range n.invitations {
		s.observer.OnInvitationReceived(inv)
	}
	for _, m := range n.messages {
		s.observer.OnMessageReceived(m)
	}
}

type nopObserver struct{}

func (nopObserver) OnStatus(string)                        {}
func (nopObserver) OnRosterChanged([]protocol.RosterEntry) {}
func (nopObserver) OnMessageReceived(ChatMessage)          {}
func (nopObserver) OnInvitationReceived(Invitation)        {}
