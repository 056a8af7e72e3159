package server

import (
	"fmt"
	"net"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/protocol"
)

func (e *Engine) handleConnectionRequest(msg protocol.Message, addr *net.UDPAddr) error {
	name, err := protocol.ParseUsername(msg.Payload)
	if err != nil {
		return err
	}
	if !ValidUsername(name, e.cfg.MaxUsernameLength) {
		return fmt.Errorf("%w: username %q exceeds %d characters", protocol.ErrProtocolViolation, name, e.cfg.MaxUsernameLength)
	}

	if existing, ok := e.roster.ByName(name); ok {
		if sameAddr(existing.Addr, addr) {
			// Our accept was lost; hand out the same id again.
			e.logger.Debug().Uint16("client", existing.ID).Str("username", name).Msg("connection request retransmitted")
			e.sendAccept(existing, msg.Seq)
			return nil
		}
		e.refuseConnection(msg, addr, name, protocol.RejectUsernameTaken)
		return nil
	}
	if e.roster.Full() {
		e.refuseConnection(msg, addr, name, protocol.RejectServerFull)
		return nil
	}

	c := e.roster.Add(addr, name, e.now())
	c.handshakeSeq = msg.Seq
	e.dirty = true

	e.logger.Info().
		Uint16("client", c.ID).
		Str("username", name).
		Str("addr", addr.String()).
		Msg("client connecting")

	e.sendAccept(c, msg.Seq)
	e.emit(events.EventClientConnecting, clientPayload(c))
	return nil
}

func (e *Engine) sendAccept(c *Client, seq uint16) {
	e.send(protocol.Message{
		Type:     protocol.ConnectionAccept,
		SourceID: protocol.ServerID,
		GroupID:  protocol.PublicGroupID,
		Seq:      seq,
		Payload:  protocol.BuildClientID(c.ID),
	}, c.Addr)
}

// nudge repeats the accept to a client that keeps talking without having
// acknowledged it, so the client re-sends its ack.
func (e *Engine) nudge(c *Client) {
	if c.State == StateConnecting {
		e.sendAccept(c, c.handshakeSeq)
	}
}

func (e *Engine) refuseConnection(msg protocol.Message, addr *net.UDPAddr, name string, code protocol.RejectCode) {
	e.logger.Info().
		Str("username", name).
		Str("addr", addr.String()).
		Stringer("reason", code).
		Msg("connection refused")

	e.send(protocol.Message{
		Type:     protocol.ConnectionReject,
		SourceID: protocol.ServerID,
		Seq:      msg.Seq,
		Payload:  protocol.BuildConnectionReject(code),
	}, addr)
	e.emit(events.EventConnectionRejected, events.RejectPayload{
		Username: name,
		Addr:     addr.String(),
		Reason:   code.String(),
	})
}

func (e *Engine) handleAck(msg protocol.Message, addr *net.UDPAddr) error {
	switch msg.Type {
	case protocol.ConnectionAccept:
		c, err := e.source(msg, addr)
		if err != nil {
			return err
		}
		if c.State == StateConnected {
			return nil
		}
		c.State = StateConnected
		e.dirty = true

		e.logger.Info().Uint16("client", c.ID).Str("username", c.Username).Msg("client connected")
		e.broadcastDelta(c, c.ID)
		e.emit(events.EventClientConnected, clientPayload(c))
		return nil

	case protocol.UserListResponse, protocol.UpdateList, protocol.UpdateDisconnection,
		protocol.GroupCreationAccept, protocol.GroupInvitationRequest,
		protocol.GroupInvitationReject, protocol.GroupDissolution:
		// Notifications are never retransmitted, so their acks carry no state.
		e.logger.Trace().Uint16("client", msg.SourceID).Stringer("type", msg.Type).Msg("notification acknowledged")
		return nil

	default:
		return fmt.Errorf("%w: unexpected ack of %s", protocol.ErrProtocolViolation, msg.Type)
	}
}

func (e *Engine) handleUserList(msg protocol.Message, addr *net.UDPAddr) error {
	c, err := e.source(msg, addr)
	if err != nil {
		return err
	}
	e.nudge(c)

	entries := []protocol.RosterEntry{c.Entry()}
	for _, peer := range e.roster.Connected() {
		if peer.ID != c.ID {
			entries = append(entries, peer.Entry())
		}
	}

	pages := protocol.PaginateRoster(entries)
	for _, page := range pages {
		e.send(protocol.Message{
			Type:     protocol.UserListResponse,
			SourceID: protocol.ServerID,
			GroupID:  protocol.PublicGroupID,
			Seq:      msg.Seq,
			Payload:  protocol.BuildRoster(page),
		}, c.Addr)
	}

	e.logger.Debug().
		Uint16("client", c.ID).
		Int("entries", len(entries)).
		Int("pages", len(pages)).
		Msg("roster snapshot sent")
	return nil
}

func (e *Engine) handleDisconnection(msg protocol.Message, addr *net.UDPAddr) error {
	c, ok := e.roster.Get(msg.SourceID)
	if !ok {
		// Already gone: the client missed our ack and asked again.
		e.logger.Debug().Uint16("client", msg.SourceID).Str("addr", addr.String()).Msg("disconnection retransmitted")
		e.send(msg.AckOf(protocol.ServerID), addr)
		return nil
	}
	if !sameAddr(c.Addr, addr) {
		return fmt.Errorf("%w: source id %d is registered from %s", protocol.ErrProtocolViolation, c.ID, c.Addr)
	}

	wasConnected := c.State == StateConnected
	prev := e.detach(c)
	e.withdrawInvitations(c)
	e.roster.Remove(c.ID)
	e.dirty = true

	e.send(msg.AckOf(protocol.ServerID), addr)

	if wasConnected {
		notice := protocol.Message{
			Type:     protocol.UpdateDisconnection,
			SourceID: protocol.ServerID,
			GroupID:  protocol.PublicGroupID,
			Payload:  protocol.BuildClientID(c.ID),
		}
		for _, peer := range e.roster.Connected() {
			e.send(notice, peer.Addr)
		}
	}
	if prev != nil {
		e.dissolveIfEmpty(prev)
	}

	e.logger.Info().Uint16("client", c.ID).Str("username", c.Username).Msg("client disconnected")
	e.emit(events.EventClientDisconnected, clientPayload(c))
	return nil
}

func (e *Engine) handleData(msg protocol.Message, addr *net.UDPAddr) error {
	c, err := e.source(msg, addr)
	if err != nil {
		return err
	}
	if c.State != StateConnected {
		e.nudge(c)
		return fmt.Errorf("%w: client %d has not confirmed its connection", protocol.ErrProtocolViolation, c.ID)
	}
	if _, err := protocol.ParseDataMessage(msg.Payload); err != nil {
		return err
	}

	out := msg
	out.GroupID = c.GroupID

	recipients := 0
	for _, peer := range e.roster.Connected() {
		if peer.GroupID != c.GroupID {
			continue
		}
		e.send(out, peer.Addr)
		recipients++
	}
	e.relayed.Add(1)

	e.emit(events.EventMessageRelayed, events.RelayPayload{
		SourceID:   c.ID,
		GroupID:    c.GroupID,
		Recipients: recipients,
		Bytes:      len(msg.Payload),
	})
	return nil
}
