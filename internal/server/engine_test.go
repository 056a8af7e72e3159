package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/protocol"
)

type sent struct {
	addr *net.UDPAddr
	msg  protocol.Message
}

// recorder is a Sender that keeps every outgoing datagram.
type recorder struct {
	mu  sync.Mutex
	out []sent
}

func (r *recorder) Send(data []byte, addr *net.UDPAddr) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.out = append(r.out, sent{addr: addr, msg: msg})
	r.mu.Unlock()
	return nil
}

// take returns and forgets everything sent so far.
func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	r.out = nil
	return out
}

func to(all []sent, addr *net.UDPAddr) []protocol.Message {
	var out []protocol.Message
	for _, s := range all {
		if sameAddr(s.addr, addr) {
			out = append(out, s.msg)
		}
	}
	return out
}

func ofType(msgs []protocol.Message, t protocol.MessageType) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func udpAddr(n int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + n}
}

type harness struct {
	t   *testing.T
	e   *Engine
	rec *recorder
	seq uint16
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.Capacity = capacity
	rec := &recorder{}
	return &harness{t: t, e: NewEngine(cfg, rec, nil), rec: rec}
}

func (h *harness) deliver(n int, msg protocol.Message) {
	h.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(h.t, err)
	h.e.run(job{data: data, addr: udpAddr(n)})
}

func (h *harness) nextSeq() uint16 {
	h.seq++
	return h.seq
}

// request delivers a control request from client id at address n.
func (h *harness) request(n int, id uint16, t protocol.MessageType, payload []byte) uint16 {
	seq := h.nextSeq()
	h.deliver(n, protocol.Message{Type: t, SourceID: id, GroupID: protocol.PublicGroupID, Seq: seq, Payload: payload})
	return seq
}

// connect runs the full handshake for name at address n and returns its id.
func (h *harness) connect(n int, name string) uint16 {
	h.t.Helper()
	h.request(n, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest(name))
	accepts := ofType(to(h.rec.take(), udpAddr(n)), protocol.ConnectionAccept)
	require.Len(h.t, accepts, 1)
	id, err := protocol.ParseClientID(accepts[0].Payload)
	require.NoError(h.t, err)
	h.deliver(n, accepts[0].AckOf(id))
	return id
}

func (h *harness) createGroup(n int, creator uint16, kind protocol.GroupKind, ids ...uint16) uint16 {
	h.t.Helper()
	h.request(n, creator, protocol.GroupCreationRequest, protocol.BuildGroupCreation(kind, ids))
	acks := ofType(to(h.rec.take(), udpAddr(n)), protocol.GroupCreationRequest)
	require.Len(h.t, acks, 1)
	require.True(h.t, acks[0].Ack)
	require.False(h.t, acks[0].Reject)
	return acks[0].GroupID
}

func (h *harness) answer(n int, member, creator, group uint16, t protocol.MessageType) {
	h.request(n, member, t, protocol.BuildInvitationAnswer(protocol.AnswerPayload{
		CreatorID: creator,
		Kind:      protocol.Decentralized,
		GroupID:   group,
		MemberID:  member,
	}))
}

func TestConnectionHandshake(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	h.rec.take()

	h.request(2, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("bob"))
	out := h.rec.take()

	accept := ofType(to(out, udpAddr(2)), protocol.ConnectionAccept)
	require.Len(t, accept, 1)
	bob, err := protocol.ParseClientID(accept[0].Payload)
	require.NoError(t, err)
	assert.NotEqual(t, alice, bob)
	assert.Empty(t, to(out, udpAddr(1)), "peers must not hear about an unconfirmed client")

	view, ok := h.e.Snapshot().Client(bob)
	require.True(t, ok)
	assert.Equal(t, "connecting", view.State)
	assert.Equal(t, protocol.PublicGroupID, view.GroupID)

	h.deliver(2, accept[0].AckOf(bob))
	out = h.rec.take()

	deltas := ofType(to(out, udpAddr(1)), protocol.UpdateList)
	require.Len(t, deltas, 1)
	page, err := protocol.ParseRoster(deltas[0].Payload)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "bob", page.Entries[0].Username)
	assert.Empty(t, to(out, udpAddr(2)), "the new client learns the roster by asking")

	view, _ = h.e.Snapshot().Client(bob)
	assert.Equal(t, "connected", view.State)
}

func TestConnectionRequestRetransmission(t *testing.T) {
	h := newHarness(t, 10)
	req := protocol.Message{Type: protocol.ConnectionRequest, Seq: 7, Payload: protocol.BuildConnectionRequest("alice")}

	h.deliver(1, req)
	h.deliver(1, req)

	accepts := ofType(to(h.rec.take(), udpAddr(1)), protocol.ConnectionAccept)
	require.Len(t, accepts, 2)
	assert.Equal(t, accepts[0].Payload, accepts[1].Payload)
	assert.Equal(t, uint16(7), accepts[1].Seq)
	assert.Equal(t, 1, h.e.roster.Len())
}

func TestUsernameTaken(t *testing.T) {
	h := newHarness(t, 10)
	h.connect(1, "alice")

	h.request(2, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("alice"))
	rejects := ofType(to(h.rec.take(), udpAddr(2)), protocol.ConnectionReject)
	require.Len(t, rejects, 1)

	code, err := protocol.ParseConnectionReject(rejects[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.RejectUsernameTaken, code)
	assert.Equal(t, 1, h.e.roster.Len())
}

func TestCapacityLimit(t *testing.T) {
	h := newHarness(t, 250)
	for i := 0; i < 250; i++ {
		h.connect(i, "u"+strconv.Itoa(i))
	}
	assert.Len(t, h.e.Snapshot().Clients, 250)

	h.request(250, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("late"))
	out := to(h.rec.take(), udpAddr(250))
	assert.Empty(t, ofType(out, protocol.ConnectionAccept))

	rejects := ofType(out, protocol.ConnectionReject)
	require.Len(t, rejects, 1)
	code, err := protocol.ParseConnectionReject(rejects[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.RejectServerFull, code)
	assert.Equal(t, 250, h.e.roster.Len())
}

func TestUsernameTooLongIsDropped(t *testing.T) {
	h := newHarness(t, 10)
	h.request(1, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("ninechars"))

	assert.Empty(t, h.rec.take())
	assert.Equal(t, 0, h.e.roster.Len())
	assert.Equal(t, uint64(1), h.e.Stats().Violations)
}

func TestUserListIncludesRequesterFirst(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	h.rec.take()

	seq := h.request(2, bob, protocol.UserListRequest, nil)
	resp := ofType(to(h.rec.take(), udpAddr(2)), protocol.UserListResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, seq, resp[0].Seq)

	page, err := protocol.ParseRoster(resp[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), page.Parts)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, bob, page.Entries[0].ID)
	assert.Equal(t, alice, page.Entries[1].ID)
}

func TestGroupInvitationAccepted(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	h.rec.take()

	group := h.createGroup(1, alice, protocol.Decentralized, bob)
	assert.Greater(t, group, protocol.PublicGroupID)

	h.rec.take()
	view, ok := h.e.Snapshot().Group(group)
	require.True(t, ok)
	assert.Equal(t, []uint16{bob}, view.Pending)
	assert.Empty(t, view.Members)

	h.answer(2, bob, alice, group, protocol.GroupInvitationAccept)
	out := h.rec.take()

	bobMsgs := to(out, udpAddr(2))
	acks := ofType(bobMsgs, protocol.GroupInvitationAccept)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Ack)
	assert.Equal(t, group, acks[0].GroupID)

	for _, n := range []int{1, 2} {
		deltas := ofType(to(out, udpAddr(n)), protocol.UpdateList)
		require.Len(t, deltas, 1, "client %d", n)
		page, err := protocol.ParseRoster(deltas[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, bob, page.Entries[0].ID)
		assert.Equal(t, group, page.Entries[0].GroupID)
	}

	created := ofType(to(out, udpAddr(1)), protocol.GroupCreationAccept)
	require.Len(t, created, 1)
	assert.Equal(t, group, created[0].GroupID)

	view, _ = h.e.Snapshot().Group(group)
	assert.Equal(t, []uint16{bob}, view.Members)
	assert.Empty(t, view.Pending)
}

func TestInvitationsDeliveredToEachInvitee(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	h.rec.take()

	h.request(1, alice, protocol.GroupCreationRequest, protocol.BuildGroupCreation(protocol.Centralized, []uint16{bob, carol, alice, 99}))
	out := h.rec.take()

	for n, id := range map[int]uint16{2: bob, 3: carol} {
		invs := ofType(to(out, udpAddr(n)), protocol.GroupInvitationRequest)
		require.Len(t, invs, 1)
		assert.Equal(t, alice, invs[0].SourceID)
		inv, err := protocol.ParseInvitation(invs[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, protocol.Centralized, inv.Kind)
		assert.Equal(t, id, inv.MemberID)
	}
	assert.Empty(t, ofType(to(out, udpAddr(1)), protocol.GroupInvitationRequest))
}

func TestGroupCreationWithoutEligibleInvitees(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	h.rec.take()

	h.request(1, alice, protocol.GroupCreationRequest, protocol.BuildGroupCreation(protocol.Centralized, []uint16{alice, 42}))
	acks := to(h.rec.take(), udpAddr(1))
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Ack)
	assert.True(t, acks[0].Reject)
	assert.Empty(t, h.e.Snapshot().Groups)
}

func TestAllInviteesReject(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	h.rec.take()

	group := h.createGroup(1, alice, protocol.Decentralized, bob, carol)
	h.rec.take()

	h.answer(2, bob, alice, group, protocol.GroupInvitationReject)
	out := h.rec.take()
	assert.Len(t, ofType(to(out, udpAddr(2)), protocol.GroupInvitationReject), 1)
	notices := ofType(to(out, udpAddr(1)), protocol.GroupInvitationReject)
	require.Len(t, notices, 1)
	assert.False(t, notices[0].Reject)
	assert.Equal(t, bob, notices[0].SourceID)

	h.answer(3, carol, alice, group, protocol.GroupInvitationReject)
	notices = ofType(to(h.rec.take(), udpAddr(1)), protocol.GroupInvitationReject)
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Reject)
	assert.Equal(t, carol, notices[0].SourceID)

	_, ok := h.e.Snapshot().Group(group)
	assert.False(t, ok)
}

func TestRejectAfterAnAcceptKeepsGroup(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	group := h.createGroup(1, alice, protocol.Decentralized, bob, carol)

	h.answer(2, bob, alice, group, protocol.GroupInvitationAccept)
	h.rec.take()
	h.answer(3, carol, alice, group, protocol.GroupInvitationReject)

	notices := ofType(to(h.rec.take(), udpAddr(1)), protocol.GroupInvitationReject)
	require.Len(t, notices, 1)
	assert.False(t, notices[0].Reject)

	view, ok := h.e.Snapshot().Group(group)
	require.True(t, ok)
	assert.Equal(t, []uint16{bob}, view.Members)
}

func TestAcceptWithoutInvitationIsViolation(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	group := h.createGroup(1, alice, protocol.Decentralized, bob)
	h.rec.take()

	h.answer(3, carol, alice, group, protocol.GroupInvitationAccept)
	h.answer(2, bob, alice, 77, protocol.GroupInvitationAccept)

	assert.Empty(t, h.rec.take())
	assert.Equal(t, uint64(2), h.e.Stats().Violations)
}

func TestAcceptDissolvesEmptiedGroup(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")

	first := h.createGroup(1, alice, protocol.Decentralized, bob)
	h.answer(2, bob, alice, first, protocol.GroupInvitationAccept)
	second := h.createGroup(3, carol, protocol.Centralized, bob)
	h.rec.take()

	h.answer(2, bob, carol, second, protocol.GroupInvitationAccept)
	out := h.rec.take()

	dissolved := ofType(to(out, udpAddr(1)), protocol.GroupDissolution)
	require.Len(t, dissolved, 1)
	assert.Equal(t, first, dissolved[0].GroupID)

	snap := h.e.Snapshot()
	_, ok := snap.Group(first)
	assert.False(t, ok)
	view, ok := snap.Group(second)
	require.True(t, ok)
	assert.Equal(t, []uint16{bob}, view.Members)
	client, _ := snap.Client(bob)
	assert.Equal(t, second, client.GroupID)
}

func TestDisjointDissolvesOnlyWhenEmpty(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")

	group := h.createGroup(1, alice, protocol.Decentralized, bob, carol)
	h.answer(2, bob, alice, group, protocol.GroupInvitationAccept)
	h.answer(3, carol, alice, group, protocol.GroupInvitationAccept)
	h.rec.take()

	h.request(2, bob, protocol.GroupDisjointRequest, nil)
	out := h.rec.take()
	assert.Len(t, ofType(to(out, udpAddr(2)), protocol.GroupDisjointRequest), 1)
	assert.Empty(t, ofType(to(out, udpAddr(1)), protocol.GroupDissolution))

	deltas := ofType(to(out, udpAddr(3)), protocol.UpdateList)
	require.Len(t, deltas, 1)
	page, err := protocol.ParseRoster(deltas[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.PublicGroupID, page.Entries[0].GroupID)

	h.request(3, carol, protocol.GroupDisjointRequest, nil)
	dissolved := ofType(to(h.rec.take(), udpAddr(1)), protocol.GroupDissolution)
	require.Len(t, dissolved, 1)
	assert.Equal(t, group, dissolved[0].GroupID)
	assert.Empty(t, h.e.Snapshot().Groups)
}

func TestDisjointFromPublicGroupIsNoop(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	h.rec.take()

	h.request(1, alice, protocol.GroupDisjointRequest, nil)
	out := h.rec.take()
	require.Len(t, out, 1)
	assert.True(t, out[0].msg.Ack)

	view, _ := h.e.Snapshot().Client(alice)
	assert.Equal(t, uint32(1), view.Version)
}

func TestDataRelayStaysInGroup(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	group := h.createGroup(2, bob, protocol.Decentralized, carol)
	h.answer(3, carol, bob, group, protocol.GroupInvitationAccept)
	h.rec.take()

	h.deliver(1, protocol.Message{Type: protocol.DataMessage, SourceID: alice, GroupID: 55, Payload: protocol.BuildDataMessage("hi")})
	out := h.rec.take()

	for _, n := range []int{1, 2} {
		msgs := ofType(to(out, udpAddr(n)), protocol.DataMessage)
		require.Len(t, msgs, 1, "client %d", n)
		assert.Equal(t, alice, msgs[0].SourceID)
		assert.Equal(t, protocol.PublicGroupID, msgs[0].GroupID)
		text, err := protocol.ParseDataMessage(msgs[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "hi", text)
	}
	assert.Empty(t, to(out, udpAddr(3)))

	h.deliver(3, protocol.Message{Type: protocol.DataMessage, SourceID: carol, Payload: protocol.BuildDataMessage("psst")})
	out = h.rec.take()
	assert.Len(t, to(out, udpAddr(3)), 1)
	assert.Empty(t, to(out, udpAddr(1)))
	assert.Empty(t, to(out, udpAddr(2)))
	assert.Equal(t, uint64(2), h.e.Stats().Relayed)
}

func TestDisconnection(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	h.rec.take()

	h.request(1, alice, protocol.DisconnectionRequest, nil)
	out := h.rec.take()

	acks := to(out, udpAddr(1))
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Ack)

	notices := ofType(to(out, udpAddr(2)), protocol.UpdateDisconnection)
	require.Len(t, notices, 1)
	id, err := protocol.ParseClientID(notices[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	// A retransmitted request from the departed client is still acknowledged.
	h.request(1, alice, protocol.DisconnectionRequest, nil)
	acks = to(h.rec.take(), udpAddr(1))
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Ack)

	h.deliver(1, protocol.Message{Type: protocol.DataMessage, SourceID: alice, Payload: protocol.BuildDataMessage("ghost")})
	assert.Empty(t, h.rec.take())
	assert.Equal(t, uint64(1), h.e.Stats().Violations)

	_, ok := h.e.Snapshot().Client(bob)
	assert.True(t, ok)
	_, ok = h.e.Snapshot().Client(alice)
	assert.False(t, ok)
}

func TestDisconnectWithdrawsInvitations(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	group := h.createGroup(1, alice, protocol.Decentralized, bob)
	h.rec.take()

	h.request(2, bob, protocol.DisconnectionRequest, nil)
	notices := ofType(to(h.rec.take(), udpAddr(1)), protocol.GroupInvitationReject)
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Reject)

	_, ok := h.e.Snapshot().Group(group)
	assert.False(t, ok)
}

func TestRetransmittedControlRequestIsReplayed(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	h.rec.take()

	req := protocol.Message{
		Type:     protocol.GroupCreationRequest,
		SourceID: alice,
		Seq:      300,
		Payload:  protocol.BuildGroupCreation(protocol.Centralized, []uint16{bob}),
	}
	h.deliver(1, req)
	h.deliver(1, req)
	out := h.rec.take()

	acks := to(out, udpAddr(1))
	require.Len(t, acks, 2)
	assert.Equal(t, acks[0], acks[1])
	assert.Len(t, ofType(to(out, udpAddr(2)), protocol.GroupInvitationRequest), 1)
	assert.Len(t, h.e.Snapshot().Groups, 1)
}

func TestOlderRetransmissionReplayedAfterNewerRequest(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	h.rec.take()

	creation := func(seq uint16) protocol.Message {
		return protocol.Message{
			Type:     protocol.GroupCreationRequest,
			SourceID: alice,
			Seq:      seq,
			Payload:  protocol.BuildGroupCreation(protocol.Centralized, []uint16{bob}),
		}
	}

	h.deliver(1, creation(10))
	first := to(h.rec.take(), udpAddr(1))
	require.Len(t, first, 1)

	h.deliver(1, creation(11))
	second := to(h.rec.take(), udpAddr(1))
	require.Len(t, second, 1)
	require.NotEqual(t, first[0].GroupID, second[0].GroupID)

	h.deliver(1, creation(10))
	out := h.rec.take()

	replayed := to(out, udpAddr(1))
	require.Len(t, replayed, 1)
	assert.Equal(t, first[0], replayed[0])
	assert.Empty(t, ofType(to(out, udpAddr(2)), protocol.GroupInvitationRequest))
	assert.Len(t, h.e.Snapshot().Groups, 2)
}

func TestRetransmittedAcceptAfterNewerRequest(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	bob := h.connect(2, "bob")
	carol := h.connect(3, "carol")
	group := h.createGroup(1, alice, protocol.Decentralized, bob)
	h.rec.take()

	accept := protocol.Message{
		Type:     protocol.GroupInvitationAccept,
		SourceID: bob,
		Seq:      40,
		Payload: protocol.BuildInvitationAnswer(protocol.AnswerPayload{
			CreatorID: alice,
			Kind:      protocol.Decentralized,
			GroupID:   group,
			MemberID:  bob,
		}),
	}
	h.deliver(2, accept)
	acks := ofType(to(h.rec.take(), udpAddr(2)), protocol.GroupInvitationAccept)
	require.Len(t, acks, 1)

	h.deliver(2, protocol.Message{
		Type:     protocol.GroupCreationRequest,
		SourceID: bob,
		Seq:      41,
		Payload:  protocol.BuildGroupCreation(protocol.Centralized, []uint16{carol}),
	})
	h.rec.take()

	h.deliver(2, accept)
	replayed := ofType(to(h.rec.take(), udpAddr(2)), protocol.GroupInvitationAccept)
	require.Len(t, replayed, 1)
	assert.Equal(t, acks[0], replayed[0])
	assert.Zero(t, h.e.Stats().Violations)
}

func TestAckWindowEvictsOldest(t *testing.T) {
	var w ackWindow
	for seq := uint16(1); seq <= ackWindowSize+1; seq++ {
		w.remember(protocol.Message{Type: protocol.GroupDisjointRequest, Ack: true, Seq: seq})
	}

	_, ok := w.lookup(protocol.GroupDisjointRequest, 1)
	assert.False(t, ok)
	_, ok = w.lookup(protocol.GroupDisjointRequest, 2)
	assert.True(t, ok)
	_, ok = w.lookup(protocol.GroupCreationRequest, 2)
	assert.False(t, ok, "type must match")
	assert.Len(t, w.order, ackWindowSize)
}

func TestSpoofedSourceIsViolation(t *testing.T) {
	h := newHarness(t, 10)
	alice := h.connect(1, "alice")
	h.rec.take()

	h.deliver(9, protocol.Message{Type: protocol.DataMessage, SourceID: alice, Payload: protocol.BuildDataMessage("x")})
	assert.Empty(t, h.rec.take())
	assert.Equal(t, uint64(1), h.e.Stats().Violations)
}

func TestUnconfirmedClientIsNudged(t *testing.T) {
	h := newHarness(t, 10)
	h.request(1, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("alice"))
	accept := ofType(to(h.rec.take(), udpAddr(1)), protocol.ConnectionAccept)
	require.Len(t, accept, 1)
	id, _ := protocol.ParseClientID(accept[0].Payload)

	h.deliver(1, protocol.Message{Type: protocol.DataMessage, SourceID: id, Payload: protocol.BuildDataMessage("early")})
	out := to(h.rec.take(), udpAddr(1))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.ConnectionAccept, out[0].Type)
	assert.Equal(t, accept[0].Seq, out[0].Seq)
}

func TestMalformedDatagram(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe("test", func(_ context.Context, ev events.Event) error {
		got <- ev
		return nil
	}, events.EventMalformedMessage)

	rec := &recorder{}
	e := NewEngine(DefaultEngineConfig(), rec, bus)
	e.run(job{data: []byte{1, 2, 3}, addr: udpAddr(1)})

	assert.Empty(t, rec.take())
	assert.Equal(t, uint64(1), e.Stats().Malformed)

	select {
	case ev := <-got:
		payload, ok := ev.Payload.(events.ViolationPayload)
		require.True(t, ok)
		assert.Equal(t, udpAddr(1).String(), payload.Addr)
	case <-time.After(time.Second):
		t.Fatal("malformed event not emitted")
	}
}

func TestExpireHandshakes(t *testing.T) {
	h := newHarness(t, 10)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.e.now = func() time.Time { return start }

	h.connect(1, "alice")
	h.request(2, protocol.ServerID, protocol.ConnectionRequest, protocol.BuildConnectionRequest("bob"))

	assert.Equal(t, 0, h.e.ExpireHandshakes(start.Add(10*time.Second)))
	assert.Equal(t, 1, h.e.ExpireHandshakes(start.Add(31*time.Second)))
	assert.Equal(t, 1, h.e.roster.Len())

	_, ok := h.e.roster.ByName("bob")
	assert.False(t, ok)
}

func TestRunConsumesQueue(t *testing.T) {
	rec := &recorder{}
	e := NewEngine(DefaultEngineConfig(), rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.HandleDatagram(protocol.MustEncode(protocol.Message{
		Type:    protocol.ConnectionRequest,
		Seq:     1,
		Payload: protocol.BuildConnectionRequest("alice"),
	}), udpAddr(1))
	require.True(t, e.SweepHandshakes())

	assert.Eventually(t, func() bool {
		return len(e.Snapshot().Clients) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, e.SweepHandshakes())
}
