package client

import (
	"net"

	"github.com/energizer-project/groupchat/internal/protocol"
)

// assembly collects the pages of one roster snapshot.
type assembly struct {
	seq   uint16
	parts uint8
	pages map[uint8][]protocol.RosterEntry
}

// HandleDatagram applies one datagram received from the server.
func (s *Session) HandleDatagram(data []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("addr", addr.String()).Msg("malformed datagram dropped")
		return
	}

	var out notices
	s.mu.Lock()
	s.handle(msg, addr, &out)
	s.mu.Unlock()

	s.deliver(out)
}

func (s *Session) handle(msg protocol.Message, addr *net.UDPAddr, out *notices) {
	if s.server != nil && addr != nil && (addr.Port != s.server.Port || !addr.IP.Equal(s.server.IP)) {
		s.logger.Debug().Str("addr", addr.String()).Msg("datagram from unexpected peer dropped")
		return
	}
	if s.state == StateDisconnected {
		s.logger.Debug().Stringer("msg", msg).Msg("ignoring datagram while disconnected")
		return
	}
	s.logger.Trace().Stringer("msg", msg).Msg("datagram received")

	if msg.Ack {
		s.handleAck(msg, out)
		return
	}

	switch msg.Type {
	case protocol.ConnectionAccept:
		s.handleAccept(msg, out)
	case protocol.ConnectionReject:
		s.handleReject(msg, out)
	default:
		if s.state != StateConnected {
			s.logger.Debug().Stringer("msg", msg).Msg("ignoring datagram before handshake completed")
			return
		}
		s.handleNotification(msg, out)
	}
}

func (s *Session) handleAck(msg protocol.Message, out *notices) {
	req, ok := s.settle(msg.Type, msg.Seq)
	if !ok {
		s.logger.Debug().Stringer("msg", msg).Msg("duplicate or unexpected ack")
		return
	}

	switch req.Type {
	case protocol.DisconnectionRequest:
		s.reset()
		out.status("disconnected")
	case protocol.GroupDisjointRequest:
		s.groupID = protocol.PublicGroupID
		out.status("you left the private group")
	case protocol.GroupCreationRequest:
		if msg.Reject {
			out.status("group request refused: none of the invited users is connected")
		} else {
			out.status("group %d requested, invitations sent", msg.GroupID)
		}
	case protocol.GroupInvitationAccept:
		s.groupID = msg.GroupID
		out.status("you joined group %d", msg.GroupID)
	case protocol.GroupInvitationReject:
		out.status("invitation to group %d declined", msg.GroupID)
	}
}

func (s *Session) handleAccept(msg protocol.Message, out *notices) {
	id, err := protocol.ParseClientID(msg.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("bad connection accept dropped")
		return
	}

	if s.state == StateConnected {
		// The server did not see our ack.
		if id == s.id {
			s.ack(msg)
		}
		return
	}
	if _, ok := s.settle(protocol.ConnectionRequest, msg.Seq); !ok {
		s.logger.Debug().Stringer("msg", msg).Msg("connection accept for an unknown request")
		return
	}

	s.id = id
	s.ack(msg)
	s.state = StateConnected
	s.groupID = protocol.PublicGroupID
	out.status("connected as %s [%d]", s.username, id)

	s.track(protocol.Message{
		Type:     protocol.UserListRequest,
		SourceID: s.id,
		GroupID:  protocol.PublicGroupID,
	})
}

func (s *Session) handleReject(msg protocol.Message, out *notices) {
	if s.state != StateConnecting {
		return
	}
	if _, ok := s.settle(protocol.ConnectionRequest, msg.Seq); !ok {
		return
	}
	code, err := protocol.ParseConnectionReject(msg.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("bad connection reject")
		code = protocol.RejectCode(0xff)
	}

	s.reset()
	s.lastError = code.Err()
	switch code {
	case protocol.RejectServerFull:
		out.status("connection refused: the server is full")
	case protocol.RejectUsernameTaken:
		out.status("connection refused: that username is already taken")
	default:
		out.status("connection refused: %v", s.lastError)
	}
}

func (s *Session) handleNotification(msg protocol.Message, out *notices) {
	switch msg.Type {
	case protocol.UserListResponse:
		s.handleSnapshot(msg, out)

	case protocol.UpdateList:
		page, err := protocol.ParseRoster(msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("bad roster delta dropped")
			return
		}
		s.ack(msg)
		if s.merge(page.Entries) {
			out.status("changes in the user list")
			out.roster = s.rosterLocked()
		}

	case protocol.UpdateDisconnection:
		id, err := protocol.ParseClientID(msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("bad disconnection notice dropped")
			return
		}
		s.ack(msg)
		name := s.nameOf(id)
		delete(s.roster, id)
		out.status("%s disconnected", name)
		out.roster = s.rosterLocked()

	case protocol.DataMessage:
		text, err := protocol.ParseDataMessage(msg.Payload)
		if err != nil {
			s.logger.Debug().Err(err).Msg("bad data message dropped")
			return
		}
		out.messages = append(out.messages, ChatMessage{
			SenderID: msg.SourceID,
			Username: s.nameOf(msg.SourceID),
			GroupID:  msg.GroupID,
			Text:     text,
		})

	case protocol.GroupInvitationRequest:
		inv, err := protocol.ParseInvitation(msg.Payload)
		if err != nil || inv.MemberID != s.id {
			s.logger.Debug().Err(err).Stringer("msg", msg).Msg("bad invitation dropped")
			return
		}
		s.ack(msg)
		invitation := Invitation{
			GroupID:   inv.GroupID,
			Kind:      inv.Kind,
			CreatorID: msg.SourceID,
			Creator:   s.nameOf(msg.SourceID),
		}
		s.invites[inv.GroupID] = invitation
		out.invitations = append(out.invitations, invitation)

	case protocol.GroupCreationAccept:
		s.ack(msg)
		out.status("your group %d was created: an invited user accepted", msg.GroupID)

	case protocol.GroupInvitationReject:
		s.ack(msg)
		out.status("user %s rejected your invitation to group %d", s.nameOf(msg.SourceID), msg.GroupID)
		if msg.Reject {
			out.status("nobody accepted your request for group %d", msg.GroupID)
		}

	case protocol.GroupDissolution:
		s.ack(msg)
		delete(s.invites, msg.GroupID)
		if s.groupID == msg.GroupID {
			s.groupID = protocol.PublicGroupID
		}
		out.status("group %d was dissolved", msg.GroupID)

	default:
		s.logger.Debug().Stringer("msg", msg).Msg("unexpected message ignored")
	}
}

// handleSnapshot collects the pages of a UserListResponse and replaces the
// mirror once every page has arrived.
func (s *Session) handleSnapshot(msg protocol.Message, out *notices) {
	page, err := protocol.ParseRoster(msg.Payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("bad roster page dropped")
		return
	}
	s.ack(msg)

	if _, waiting := s.pending[msg.Seq]; !waiting {
		return
	}
	if s.listing == nil || s.listing.seq != msg.Seq || s.listing.parts != page.Parts {
		s.listing = &assembly{
			seq:   msg.Seq,
			parts: page.Parts,
			pages: make(map[uint8][]protocol.RosterEntry, page.Parts),
		}
	}
	s.listing.pages[page.Part] = page.Entries
	if len(s.listing.pages) < int(s.listing.parts) {
		return
	}

	s.settle(protocol.UserListRequest, msg.Seq)
	roster := make(map[uint16]protocol.RosterEntry)
	for _, entries := range s.listing.pages {
		for _, e := range entries {
			// A delta may have overtaken the snapshot.
			if cur, ok := s.roster[e.ID]; ok && cur.Version > e.Version {
				e = cur
			}
			roster[e.ID] = e
		}
	}
	s.roster = roster
	s.listing = nil
	if self, ok := roster[s.id]; ok {
		s.groupID = self.GroupID
	}
	out.roster = s.rosterLocked()
}

// merge applies a delta, keeping only entries newer than what the mirror
// holds. It reports whether anything changed.
func (s *Session) merge(entries []protocol.RosterEntry) bool {
	changed := false
	for _, e := range entries {
		if cur, ok := s.roster[e.ID]; ok && e.Version <= cur.Version {
			s.logger.Debug().
				Uint16("client", e.ID).
				Uint32("version", e.Version).
				Uint32("held", cur.Version).
				Msg("stale roster entry discarded")
			continue
		}
		s.roster[e.ID] = e
		if e.ID == s.id {
			s.groupID = e.GroupID
		}
		changed = true
	}
	return changed
}

// ack confirms msg to the server. Caller holds mu.
func (s *Session) ack(msg protocol.Message) {
	if err := s.transmit(msg.AckOf(s.id)); err != nil {
		s.logger.Warn().Err(err).Stringer("type", msg.Type).Msg("failed to send ack")
	}
}
