package client

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/groupchat/internal/protocol"
)

var serverAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: protocol.DefaultPort}

// wire records what the session sends.
type wire struct {
	mu     sync.Mutex
	msgs   []protocol.Message
	onSend func(protocol.Message)
}

func (w *wire) Send(data []byte, addr *net.UDPAddr) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.msgs = append(w.msgs, msg)
	hook := w.onSend
	w.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (w *wire) sent(t protocol.MessageType, ack bool) []protocol.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []protocol.Message
	for _, m := range w.msgs {
		if m.Type == t && m.Ack == ack {
			out = append(out, m)
		}
	}
	return out
}

func (w *wire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

type observer struct {
	mu          sync.Mutex
	statuses    []string
	rosters     [][]protocol.RosterEntry
	messages    []ChatMessage
	invitations []Invitation
}

func (o *observer) OnStatus(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, text)
}

func (o *observer) OnRosterChanged(r []protocol.RosterEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rosters = append(o.rosters, r)
}

func (o *observer) OnMessageReceived(m ChatMessage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, m)
}

func (o *observer) OnInvitationReceived(inv Invitation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invitations = append(o.invitations, inv)
}

func (o *observer) saw(substr string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.statuses {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestSession() (*Session, *wire, *observer) {
	w := &wire{}
	o := &observer{}
	cfg := Config{
		MaxUsernameLength: protocol.MaxUsernameLength,
		RetryAttempts:     3,
		RetryBase:         100 * time.Millisecond,
		RetryMax:          400 * time.Millisecond,
	}
	s := NewSession(cfg, w, serverAddr, o)
	s.now = func() time.Time { return epoch }
	return s, w, o
}

func fromServer(s *Session, msg protocol.Message) {
	s.HandleDatagram(protocol.MustEncode(msg), serverAddr)
}

// connected runs the handshake and returns the UserListRequest it triggers.
func connected(t *testing.T, s *Session, w *wire, id uint16) protocol.Message {
	t.Helper()
	require.NoError(t, s.Connect("alice"))
	reqs := w.sent(protocol.ConnectionRequest, false)
	require.NotEmpty(t, reqs)
	fromServer(s, protocol.Message{
		Type:    protocol.ConnectionAccept,
		GroupID: protocol.PublicGroupID,
		Seq:     reqs[len(reqs)-1].Seq,
		Payload: protocol.BuildClientID(id),
	})
	require.Equal(t, StateConnected, s.State())
	lists := w.sent(protocol.UserListRequest, false)
	require.Len(t, lists, 1)
	return lists[0]
}

func rosterResponse(seq uint16, part, parts uint8, entries ...protocol.RosterEntry) protocol.Message {
	return protocol.Message{
		Type:    protocol.UserListResponse,
		GroupID: protocol.PublicGroupID,
		Seq:     seq,
		Payload: protocol.BuildRoster(protocol.RosterPage{Part: part, Parts: parts, Entries: entries}),
	}
}

func delta(entries ...protocol.RosterEntry) protocol.Message {
	return protocol.Message{
		Type:    protocol.UpdateList,
		GroupID: protocol.PublicGroupID,
		Payload: protocol.BuildRoster(protocol.RosterPage{Part: 0, Parts: 1, Entries: entries}),
	}
}

func TestConnectValidatesUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		valid    bool
	}{
		{"eight characters", "abcdefgh", true},
		{"nine characters", "abcdefghi", false},
		{"empty", "", false},
		{"blank", "   ", false},
		{"multibyte counted by character", "日本語テキスト", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, w, _ := newTestSession()
			err := s.Connect(tt.username)
			if tt.valid {
				require.NoError(t, err)
				assert.Equal(t, StateConnecting, s.State())
				assert.Len(t, w.sent(protocol.ConnectionRequest, false), 1)
				return
			}
			assert.ErrorIs(t, err, protocol.ErrInvalidUserInput)
			assert.Equal(t, 0, w.count(), "nothing may be transmitted")
			assert.Equal(t, StateDisconnected, s.State())
		})
	}
}

func TestHandshakeAcksBeforeConnecting(t *testing.T) {
	s, w, o := newTestSession()

	var stateAtAck State = -1
	w.onSend = func(m protocol.Message) {
		if m.Type == protocol.ConnectionAccept && m.Ack {
			// Send runs with the session lock held.
			stateAtAck = s.state
		}
	}

	list := connected(t, s, w, 7)
	assert.Equal(t, StateConnecting, stateAtAck)

	acks := w.sent(protocol.ConnectionAccept, true)
	require.Len(t, acks, 1)
	assert.Equal(t, uint16(7), acks[0].SourceID)
	assert.Equal(t, uint16(7), s.ID())
	assert.Equal(t, uint16(7), list.SourceID)
	assert.True(t, o.saw("connected as alice [7]"))

	assert.ErrorIs(t, s.Connect("bob"), protocol.ErrInvalidUserInput)
}

func TestRepeatedAcceptIsReacknowledged(t *testing.T) {
	s, w, _ := newTestSession()
	connected(t, s, w, 7)

	fromServer(s, protocol.Message{Type: protocol.ConnectionAccept, Seq: 1, Payload: protocol.BuildClientID(7)})
	assert.Len(t, w.sent(protocol.ConnectionAccept, true), 2)
	assert.Len(t, w.sent(protocol.UserListRequest, false), 1)
}

func TestConnectionRejectCodes(t *testing.T) {
	tests := []struct {
		code   protocol.RejectCode
		err    error
		status string
	}{
		{protocol.RejectServerFull, protocol.ErrCapacityExceeded, "server is full"},
		{protocol.RejectUsernameTaken, protocol.ErrNameConflict, "already taken"},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			s, w, o := newTestSession()
			require.NoError(t, s.Connect("alice"))
			req := w.sent(protocol.ConnectionRequest, false)[0]

			fromServer(s, protocol.Message{
				Type:    protocol.ConnectionReject,
				Seq:     req.Seq,
				Payload: protocol.BuildConnectionReject(tt.code),
			})

			assert.Equal(t, StateDisconnected, s.State())
			assert.ErrorIs(t, s.LastError(), tt.err)
			assert.True(t, o.saw(tt.status))
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	s, w, o := newTestSession()
	require.NoError(t, s.Connect("alice"))

	assert.Equal(t, 50*time.Millisecond, s.Retransmit(epoch.Add(50*time.Millisecond)))
	assert.Len(t, w.sent(protocol.ConnectionRequest, false), 1)

	s.Retransmit(epoch.Add(100 * time.Millisecond))
	s.Retransmit(epoch.Add(300 * time.Millisecond))
	reqs := w.sent(protocol.ConnectionRequest, false)
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, reqs[0].Seq, r.Seq, "retransmissions reuse the sequence number")
	}
	assert.Equal(t, StateConnecting, s.State())

	s.Retransmit(epoch.Add(700 * time.Millisecond))
	assert.Len(t, w.sent(protocol.ConnectionRequest, false), 3)
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.LastError(), protocol.ErrHandshakeTimeout)
	assert.True(t, o.saw(protocol.ErrHandshakeTimeout.Error()))
}

func TestUnacknowledgedRequestTimesOut(t *testing.T) {
	s, w, _ := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1}))

	require.NoError(t, s.CreateGroup(protocol.Centralized, []uint16{3}))
	for _, d := range []time.Duration{100, 300, 700} {
		s.Retransmit(epoch.Add(d * time.Millisecond))
	}

	assert.ErrorIs(t, s.LastError(), protocol.ErrAckTimeout)
	assert.Equal(t, StateConnected, s.State())
}

func TestExpiredDisconnectDropsLaterRequests(t *testing.T) {
	s, w, _ := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1}))

	require.NoError(t, s.Disconnect())
	s.now = func() time.Time { return epoch.Add(250 * time.Millisecond) }
	require.NoError(t, s.CreateGroup(protocol.Centralized, []uint16{3}))

	s.Retransmit(epoch.Add(100 * time.Millisecond))
	s.Retransmit(epoch.Add(300 * time.Millisecond))
	require.Len(t, w.sent(protocol.GroupCreationRequest, false), 1)

	// The disconnection expires first and the session resets before the
	// creation request comes due.
	s.Retransmit(epoch.Add(700 * time.Millisecond))
	assert.Equal(t, StateDisconnected, s.State())
	assert.Len(t, w.sent(protocol.GroupCreationRequest, false), 1)
	assert.Len(t, w.sent(protocol.DisconnectionRequest, false), 3)
	assert.ErrorIs(t, s.LastError(), protocol.ErrAckTimeout)

	s.Retransmit(epoch.Add(2 * time.Second))
	assert.Len(t, w.sent(protocol.GroupCreationRequest, false), 1)
}

func TestSnapshotThenStaleDelta(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)

	fromServer(s, rosterResponse(list.Seq, 0, 1,
		protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1},
		protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 5},
	))
	require.Len(t, s.Roster(), 2)
	assert.Len(t, w.sent(protocol.UserListResponse, true), 1)

	fromServer(s, delta(protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 9, Version: 4}))
	assert.Equal(t, uint16(1), s.Roster()[0].GroupID, "older version must be discarded")

	fromServer(s, delta(protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 9, Version: 6}))
	assert.Equal(t, uint16(9), s.Roster()[0].GroupID)
	assert.Len(t, w.sent(protocol.UpdateList, true), 2)
	assert.True(t, o.saw("changes in the user list"))

	o.mu.Lock()
	assert.Len(t, o.rosters, 2)
	o.mu.Unlock()
}

func TestPagedSnapshotReplacesMirror(t *testing.T) {
	s, w, _ := newTestSession()
	list := connected(t, s, w, 7)

	fromServer(s, delta(protocol.RosterEntry{ID: 50, Username: "gone", GroupID: 1, Version: 1}))
	require.Len(t, s.Roster(), 1)

	fromServer(s, rosterResponse(list.Seq, 1, 2, protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 1}))
	assert.Len(t, s.Roster(), 1, "incomplete snapshot must not be applied")

	fromServer(s, rosterResponse(list.Seq, 0, 2, protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1}))
	roster := s.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, uint16(3), roster[0].ID)
	assert.Equal(t, uint16(7), roster[1].ID)

	// The request is settled, so nothing is retransmitted.
	before := w.count()
	s.Retransmit(epoch.Add(time.Second))
	assert.Equal(t, before, w.count())
}

func TestSnapshotKeepsNewerDeltaEntry(t *testing.T) {
	s, w, _ := newTestSession()
	list := connected(t, s, w, 7)

	fromServer(s, delta(protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 9, Version: 3}))
	fromServer(s, rosterResponse(list.Seq, 0, 1,
		protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 2},
		protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1},
	))

	roster := s.Roster()
	require.Len(t, roster, 2)
	assert.Equal(t, uint16(9), roster[0].GroupID)
	assert.Equal(t, uint32(3), roster[0].Version)
}

func TestInvitationAccepted(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1,
		protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1},
		protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 1},
	))

	fromServer(s, protocol.Message{
		Type:     protocol.GroupInvitationRequest,
		SourceID: 3,
		GroupID:  5,
		Payload:  protocol.BuildInvitation(protocol.InvitationPayload{Kind: protocol.Decentralized, GroupID: 5, MemberID: 7}),
	})
	assert.Len(t, w.sent(protocol.GroupInvitationRequest, true), 1)
	require.Len(t, o.invitations, 1)
	assert.Equal(t, Invitation{GroupID: 5, Kind: protocol.Decentralized, CreatorID: 3, Creator: "bob"}, o.invitations[0])

	assert.ErrorIs(t, s.Accept(6), protocol.ErrInvalidUserInput)
	require.NoError(t, s.Accept(5))
	assert.Empty(t, s.Invitations())

	reqs := w.sent(protocol.GroupInvitationAccept, false)
	require.Len(t, reqs, 1)
	ans, err := protocol.ParseInvitationAnswer(reqs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.AnswerPayload{CreatorID: 3, Kind: protocol.Decentralized, GroupID: 5, MemberID: 7}, ans)

	fromServer(s, protocol.Message{Type: protocol.GroupInvitationAccept, Ack: true, GroupID: 5, Seq: reqs[0].Seq})
	assert.Equal(t, uint16(5), s.GroupID())
	assert.True(t, o.saw("you joined group 5"))
}

func TestRejectClearsInvitationImmediately(t *testing.T) {
	s, w, _ := newTestSession()
	connected(t, s, w, 7)

	fromServer(s, protocol.Message{
		Type:     protocol.GroupInvitationRequest,
		SourceID: 3,
		GroupID:  5,
		Payload:  protocol.BuildInvitation(protocol.InvitationPayload{Kind: protocol.Centralized, GroupID: 5, MemberID: 7}),
	})
	require.Len(t, s.Invitations(), 1)

	require.NoError(t, s.Reject(5))
	assert.Empty(t, s.Invitations())
	assert.Len(t, w.sent(protocol.GroupInvitationReject, false), 1)
	assert.ErrorIs(t, s.Reject(5), protocol.ErrInvalidUserInput)
}

func TestDisjointGuard(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)

	before := w.count()
	assert.ErrorIs(t, s.Disjoint(), protocol.ErrInvalidUserInput)
	assert.Equal(t, before, w.count())

	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 4, Version: 2}))
	require.Equal(t, uint16(4), s.GroupID())

	require.NoError(t, s.Disjoint())
	req := w.sent(protocol.GroupDisjointRequest, false)
	require.Len(t, req, 1)

	fromServer(s, protocol.Message{Type: protocol.GroupDisjointRequest, Ack: true, GroupID: 1, Seq: req[0].Seq})
	assert.Equal(t, protocol.PublicGroupID, s.GroupID())
	assert.True(t, o.saw("you left the private group"))
}

func TestDisconnectClearsStateOnAck(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 7, Username: "alice", GroupID: 1, Version: 1}))

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateConnected, s.State())

	req := w.sent(protocol.DisconnectionRequest, false)
	require.Len(t, req, 1)
	fromServer(s, protocol.Message{Type: protocol.DisconnectionRequest, Ack: true, Seq: req[0].Seq})

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, uint16(0), s.ID())
	assert.Empty(t, s.Roster())
	assert.True(t, o.saw("disconnected"))
	assert.ErrorIs(t, s.Disconnect(), protocol.ErrInvalidUserInput)
}

func TestCommandsRequireConnection(t *testing.T) {
	s, w, _ := newTestSession()

	assert.ErrorIs(t, s.Send("hi"), protocol.ErrInvalidUserInput)
	assert.ErrorIs(t, s.CreateGroup(protocol.Centralized, []uint16{2}), protocol.ErrInvalidUserInput)
	assert.ErrorIs(t, s.Accept(2), protocol.ErrInvalidUserInput)
	assert.ErrorIs(t, s.Disjoint(), protocol.ErrInvalidUserInput)
	assert.Equal(t, 0, w.count())
}

func TestSendIsFireAndForget(t *testing.T) {
	s, w, _ := newTestSession()
	connected(t, s, w, 7)

	require.NoError(t, s.Send("hello"))
	msgs := w.sent(protocol.DataMessage, false)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint16(0), msgs[0].Seq)
	assert.Equal(t, protocol.PublicGroupID, msgs[0].GroupID)

	assert.ErrorIs(t, s.Send(strings.Repeat("x", protocol.MaxPayloadSize)), protocol.ErrInvalidUserInput)
}

func TestIncomingMessagesResolveNames(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 1}))

	fromServer(s, protocol.Message{Type: protocol.DataMessage, SourceID: 3, GroupID: 1, Payload: protocol.BuildDataMessage("hi")})
	fromServer(s, protocol.Message{Type: protocol.DataMessage, SourceID: 9, GroupID: 1, Payload: protocol.BuildDataMessage("who")})

	require.Len(t, o.messages, 2)
	assert.Equal(t, ChatMessage{SenderID: 3, Username: "bob", GroupID: 1, Text: "hi"}, o.messages[0])
	assert.Equal(t, "#9", o.messages[1].Username)
}

func TestCreatorNotifications(t *testing.T) {
	s, w, o := newTestSession()
	list := connected(t, s, w, 7)
	fromServer(s, rosterResponse(list.Seq, 0, 1, protocol.RosterEntry{ID: 3, Username: "bob", GroupID: 1, Version: 1}))

	fromServer(s, protocol.Message{Type: protocol.GroupInvitationReject, SourceID: 3, GroupID: 5})
	assert.True(t, o.saw("user bob rejected your invitation"))
	assert.False(t, o.saw("nobody accepted"))

	fromServer(s, protocol.Message{Type: protocol.GroupInvitationReject, Reject: true, SourceID: 4, GroupID: 5})
	assert.True(t, o.saw("nobody accepted your request"))

	fromServer(s, protocol.Message{Type: protocol.GroupCreationAccept, GroupID: 6})
	fromServer(s, protocol.Message{Type: protocol.GroupDissolution, GroupID: 6})
	assert.True(t, o.saw("group 6 was dissolved"))

	assert.Len(t, w.sent(protocol.GroupInvitationReject, true), 2)
	assert.Len(t, w.sent(protocol.GroupCreationAccept, true), 1)
	assert.Len(t, w.sent(protocol.GroupDissolution, true), 1)
}

func TestDatagramsFromOtherPeersIgnored(t *testing.T) {
	s, w, o := newTestSession()
	connected(t, s, w, 7)

	stranger := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9999}
	s.HandleDatagram(protocol.MustEncode(protocol.Message{Type: protocol.DataMessage, SourceID: 3, Payload: protocol.BuildDataMessage("x")}), stranger)
	assert.Empty(t, o.messages)
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	w := &wire{}
	s := NewSession(Config{RetryAttempts: 2, RetryBase: 5 * time.Millisecond, RetryMax: 10 * time.Millisecond}, w, serverAddr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.NoError(t, s.Connect("alice"))
	assert.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.LastError(), protocol.ErrHandshakeTimeout)
	assert.Len(t, w.sent(protocol.ConnectionRequest, false), 2)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
