// Package server implements the authoritative side of the group-chat
// protocol: the client roster, private groups and the single-consumer
// engine that applies every received datagram to them in arrival order.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/protocol"
	"github.com/energizer-project/groupchat/internal/util"
)

// Sender transmits one datagram to addr.
type Sender interface {
	Send(data []byte, addr *net.UDPAddr) error
}

// Config holds the engine's tunables.
type Config struct {
	Capacity          int
	MaxUsernameLength int
	HandshakeTimeout  time.Duration
}

// DefaultEngineConfig matches the reference deployment.
func DefaultEngineConfig() Config {
	return Config{
		Capacity:          250,
		MaxUsernameLength: protocol.MaxUsernameLength,
		HandshakeTimeout:  30 * time.Second,
	}
}

// Stats are monotonically increasing counters kept by the engine.
type Stats struct {
	Received   uint64 `json:"received"`
	Malformed  uint64 `json:"malformed"`
	Violations uint64 `json:"violations"`
	Relayed    uint64 `json:"relayed"`
	SendErrors uint64 `json:"send_errors"`
}

// Engine owns the roster and group table. Only the goroutine running Run
// mutates them; other goroutines observe state through Snapshot.
type Engine struct {
	cfg    Config
	sender Sender
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time

	queue   *Queue
	roster  *Roster
	groups  *GroupTable
	dirty   bool
	started time.Time

	snapshot atomic.Pointer[Snapshot]

	received   atomic.Uint64
	malformed  atomic.Uint64
	violations atomic.Uint64
	relayed    atomic.Uint64
	sendErrors atomic.Uint64
}

// NewEngine creates an engine. bus may be nil.
func NewEngine(cfg Config, sender Sender, bus *events.EventBus) *Engine {
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = protocol.MaxUsernameLength
	}
	e := &Engine{
		cfg:     cfg,
		sender:  sender,
		bus:     bus,
		logger:  util.ComponentLogger("engine"),
		now:     time.Now,
		queue:   NewQueue(),
		roster:  NewRoster(cfg.Capacity),
		groups:  NewGroupTable(),
		started: time.Now(),
	}
	e.publish()
	return e
}

// HandleDatagram queues a received datagram. It never blocks on engine
// work and copies data, so the caller may reuse its buffer.
func (e *Engine) HandleDatagram(data []byte, addr *net.UDPAddr) {
	buf := make([]byte, len(data))
	copy(buf, data)
	if !e.queue.Push(job{data: buf, addr: addr, received: e.now()}) {
		e.logger.Debug().Str("addr", addr.String()).Msg("engine stopped, datagram dropped")
	}
}

// Submit queues fn to run on the consumer goroutine, ordered with datagrams.
func (e *Engine) Submit(fn func(e *Engine)) bool {
	return e.queue.Push(job{task: fn})
}

// QueueDepth returns the number of jobs waiting for the consumer.
func (e *Engine) QueueDepth() int {
	return e.queue.Len()
}

// Run consumes queued jobs until ctx is cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			e.queue.Close()
		case <-stop:
		}
	}()

	e.logger.Info().
		Int("capacity", e.cfg.Capacity).
		Dur("handshake_timeout", e.cfg.HandshakeTimeout).
		Msg("engine started")

	for {
		j, ok := e.queue.Pop()
		if !ok {
			e.logger.Info().Msg("engine stopped")
			return ctx.Err()
		}
		e.run(j)
	}
}

// Close stops accepting work. Run returns once queued jobs are drained.
func (e *Engine) Close() {
	e.queue.Close()
}

func (e *Engine) run(j job) {
	if j.task != nil {
		j.task(e)
	} else {
		e.process(j.data, j.addr)
	}
	if e.dirty {
		e.publish()
		e.dirty = false
	}
}

// process applies one datagram. Failures are logged and the datagram is
// dropped; nothing is sent back for malformed input.
func (e *Engine) process(data []byte, addr *net.UDPAddr) {
	e.received.Add(1)

	msg, err := protocol.Decode(data)
	if err != nil {
		e.malformed.Add(1)
		e.logger.Warn().Err(err).Str("addr", addr.String()).Int("len", len(data)).Msg("malformed datagram dropped")
		e.emit(events.EventMalformedMessage, events.ViolationPayload{
			Addr:   addr.String(),
			Reason: err.Error(),
		})
		return
	}

	e.logger.Trace().Str("addr", addr.String()).Stringer("msg", msg).Msg("datagram received")

	if err := e.dispatch(msg, addr); err != nil {
		e.reject(msg, addr, err)
	}
}

func (e *Engine) dispatch(msg protocol.Message, addr *net.UDPAddr) error {
	if msg.Ack {
		return e.handleAck(msg, addr)
	}

	switch msg.Type {
	case protocol.ConnectionRequest:
		return e.handleConnectionRequest(msg, addr)
	case protocol.DisconnectionRequest:
		return e.handleDisconnection(msg, addr)
	case protocol.DataMessage:
		return e.handleData(msg, addr)
	case protocol.UserListRequest:
		return e.handleUserList(msg, addr)
	}

	c, err := e.source(msg, addr)
	if err != nil {
		return err
	}
	if c.State != StateConnected {
		e.nudge(c)
		return fmt.Errorf("%w: client %d has not confirmed its connection", protocol.ErrProtocolViolation, c.ID)
	}
	if e.replay(c, msg) {
		return nil
	}

	switch msg.Type {
	case protocol.GroupCreationRequest:
		return e.handleGroupCreation(c, msg)
	case protocol.GroupInvitationAccept:
		return e.handleInvitationAccept(c, msg)
	case protocol.GroupInvitationReject:
		return e.handleInvitationReject(c, msg)
	case protocol.GroupDisjointRequest:
		return e.handleDisjoint(c, msg)
	default:
		return fmt.Errorf("%w: clients may not send %s", protocol.ErrProtocolViolation, msg.Type)
	}
}

func (e *Engine) reject(msg protocol.Message, addr *net.UDPAddr, err error) {
	if errors.Is(err, protocol.ErrMalformedMessage) {
		e.malformed.Add(1)
		e.logger.Warn().Err(err).Str("addr", addr.String()).Stringer("msg", msg).Msg("malformed payload dropped")
		e.emit(events.EventMalformedMessage, events.ViolationPayload{
			Addr:        addr.String(),
			SourceID:    msg.SourceID,
			MessageType: msg.Type.String(),
			Reason:      err.Error(),
		})
		return
	}

	e.violations.Add(1)
	e.logger.Warn().Err(err).Str("addr", addr.String()).Stringer("msg", msg).Msg("datagram dropped")
	e.emit(events.EventProtocolViolation, events.ViolationPayload{
		Addr:        addr.String(),
		SourceID:    msg.SourceID,
		MessageType: msg.Type.String(),
		Reason:      err.Error(),
	})
}

// source resolves the sender of msg and checks it against the address the
// client registered from.
func (e *Engine) source(msg protocol.Message, addr *net.UDPAddr) (*Client, error) {
	c, ok := e.roster.Get(msg.SourceID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source id %d", protocol.ErrProtocolViolation, msg.SourceID)
	}
	if !sameAddr(c.Addr, addr) {
		return nil, fmt.Errorf("%w: source id %d is registered from %s", protocol.ErrProtocolViolation, c.ID, c.Addr)
	}
	return c, nil
}

// replay answers a retransmitted control request with the ack it already
// received. Requests with sequence number zero are never deduplicated.
func (e *Engine) replay(c *Client, msg protocol.Message) bool {
	if msg.Seq == 0 {
		return false
	}
	ack, ok := c.acks.lookup(msg.Type, msg.Seq)
	if !ok {
		return false
	}
	e.logger.Debug().Uint16("client", c.ID).Stringer("msg", msg).Msg("retransmission answered from cache")
	e.send(ack, c.Addr)
	return true
}

// ackTo acknowledges a control request and remembers the ack for replay.
func (e *Engine) ackTo(c *Client, msg protocol.Message, groupID uint16, reject bool) {
	ack := msg.AckOf(protocol.ServerID)
	ack.GroupID = groupID
	ack.Reject = reject
	if msg.Seq != 0 {
		c.acks.remember(ack)
	}
	e.send(ack, c.Addr)
}

func (e *Engine) send(msg protocol.Message, addr *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		e.logger.Error().Err(err).Stringer("msg", msg).Msg("failed to encode outgoing message")
		return
	}
	if err := e.sender.Send(data, addr); err != nil {
		e.sendErrors.Add(1)
		e.logger.Warn().Err(err).Str("addr", addr.String()).Stringer("msg", msg).Msg("send failed")
		return
	}
	e.logger.Trace().Str("addr", addr.String()).Stringer("msg", msg).Msg("datagram sent")
}

// sendToClient sends to id if it is still in the roster.
func (e *Engine) sendToClient(id uint16, msg protocol.Message) {
	if c, ok := e.roster.Get(id); ok {
		e.send(msg, c.Addr)
	}
}

// broadcastDelta announces a changed roster entry to every connected
// client except the one with id except (ServerID excludes nobody).
func (e *Engine) broadcastDelta(c *Client, except uint16) {
	payload := protocol.BuildRoster(protocol.RosterPage{
		Part:    0,
		Parts:   1,
		Entries: []protocol.RosterEntry{c.Entry()},
	})
	msg := protocol.Message{
		Type:     protocol.UpdateList,
		SourceID: protocol.ServerID,
		GroupID:  protocol.PublicGroupID,
		Payload:  payload,
	}
	for _, peer := range e.roster.Connected() {
		if peer.ID == except {
			continue
		}
		e.send(msg, peer.Addr)
	}
}

func (e *Engine) emit(t events.EventType, payload interface{}) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "engine",
		Payload: payload,
	})
}

func clientPayload(c *Client) events.ClientPayload {
	return events.ClientPayload{
		ClientID: c.ID,
		Username: c.Username,
		Addr:     c.Addr.String(),
		GroupID:  c.GroupID,
	}
}

func groupPayload(g *Group, member uint16) events.GroupPayload {
	return events.GroupPayload{
		GroupID:   g.ID,
		Kind:      g.Kind.String(),
		CreatorID: g.CreatorID,
		ClientID:  member,
		Members:   g.MemberIDs(),
	}
}

// ExpireHandshakes removes clients that have stayed in the Connecting state
// longer than the handshake timeout. It must run on the consumer goroutine;
// use SweepHandshakes from elsewhere.
func (e *Engine) ExpireHandshakes(now time.Time) int {
	expired := 0
	for _, c := range e.roster.All() {
		if c.State != StateConnecting || now.Sub(c.CreatedAt) < e.cfg.HandshakeTimeout {
			continue
		}
		e.roster.Remove(c.ID)
		e.dirty = true
		expired++
		e.logger.Info().
			Uint16("client", c.ID).
			Str("username", c.Username).
			Str("addr", c.Addr.String()).
			Msg("handshake expired")
		e.emit(events.EventClientExpired, clientPayload(c))
	}
	return expired
}

// SweepHandshakes queues a handshake expiry pass behind pending datagrams.
func (e *Engine) SweepHandshakes() bool {
	return e.Submit(func(e *Engine) {
		e.ExpireHandshakes(e.now())
	})
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Received:   e.received.Load(),
		Malformed:  e.malformed.Load(),
		Violations: e.violations.Load(),
		Relayed:    e.relayed.Load(),
		SendErrors: e.sendErrors.Load(),
	}
}

// Started returns when the engine was created.
func (e *Engine) Started() time.Time {
	return e.started
}
