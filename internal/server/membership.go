package server

import (
	"fmt"

	"github.com/energizer-project/groupchat/internal/events"
	"github.com/energizer-project/groupchat/internal/protocol"
)

func (e *Engine) handleGroupCreation(c *Client, msg protocol.Message) error {
	kind, ids, err := protocol.ParseGroupCreation(msg.Payload)
	if err != nil {
		return err
	}

	seen := make(map[uint16]bool, len(ids))
	invitees := make([]uint16, 0, len(ids))
	for _, id := range ids {
		if seen[id] || id == c.ID {
			continue
		}
		seen[id] = true
		peer, ok := e.roster.Get(id)
		if !ok || peer.State != StateConnected {
			e.logger.Debug().Uint16("client", c.ID).Uint16("invitee", id).Msg("skipping unknown invitee")
			continue
		}
		invitees = append(invitees, id)
	}

	if len(invitees) == 0 {
		e.logger.Info().Uint16("client", c.ID).Msg("group creation refused, no eligible invitees")
		e.ackTo(c, msg, protocol.PublicGroupID, true)
		return nil
	}

	g := e.groups.Create(kind, c.ID, invitees)
	e.dirty = true

	e.ackTo(c, msg, g.ID, false)
	for _, id := range invitees {
		e.sendToClient(id, protocol.Message{
			Type:     protocol.GroupInvitationRequest,
			SourceID: c.ID,
			GroupID:  g.ID,
			Payload: protocol.BuildInvitation(protocol.InvitationPayload{
				Kind:     kind,
				GroupID:  g.ID,
				MemberID: id,
			}),
		})
	}

	e.logger.Info().
		Uint16("group", g.ID).
		Stringer("kind", kind).
		Uint16("creator", c.ID).
		Interface("invitees", invitees).
		Msg("group created")
	e.emit(events.EventGroupCreated, events.GroupPayload{
		GroupID:   g.ID,
		Kind:      kind.String(),
		CreatorID: c.ID,
		Members:   invitees,
	})
	return nil
}

// invitation resolves the group an answer refers to and checks that c was
// invited to it.
func (e *Engine) invitation(c *Client, msg protocol.Message) (*Group, error) {
	ans, err := protocol.ParseInvitationAnswer(msg.Payload)
	if err != nil {
		return nil, err
	}
	if ans.MemberID != c.ID {
		return nil, fmt.Errorf("%w: client %d answered for %d", protocol.ErrProtocolViolation, c.ID, ans.MemberID)
	}
	g, ok := e.groups.Get(ans.GroupID)
	if !ok {
		return nil, fmt.Errorf("%w: group %d does not exist", protocol.ErrProtocolViolation, ans.GroupID)
	}
	if _, invited := g.Pending[c.ID]; !invited {
		return nil, fmt.Errorf("%w: client %d has no invitation to group %d", protocol.ErrProtocolViolation, c.ID, g.ID)
	}
	return g, nil
}

func (e *Engine) handleInvitationAccept(c *Client, msg protocol.Message) error {
	g, err := e.invitation(c, msg)
	if err != nil {
		return err
	}

	delete(g.Pending, c.ID)
	prev := e.detach(c)
	g.Members[c.ID] = struct{}{}
	c.GroupID = g.ID
	c.touch()
	e.dirty = true

	e.ackTo(c, msg, g.ID, false)
	e.broadcastDelta(c, protocol.ServerID)
	if prev != nil {
		e.dissolveIfEmpty(prev)
	}

	if g.Accepted == 0 {
		e.sendToClient(g.CreatorID, protocol.Message{
			Type:     protocol.GroupCreationAccept,
			SourceID: protocol.ServerID,
			GroupID:  g.ID,
		})
	}
	g.Accepted++

	e.logger.Info().Uint16("group", g.ID).Uint16("client", c.ID).Msg("invitation accepted")
	e.emit(events.EventGroupJoined, groupPayload(g, c.ID))
	return nil
}

func (e *Engine) handleInvitationReject(c *Client, msg protocol.Message) error {
	g, err := e.invitation(c, msg)
	if err != nil {
		return err
	}

	e.ackTo(c, msg, g.ID, false)
	e.refuse(g, c.ID)
	return nil
}

// refuse withdraws member's invitation and tells the creator. The notice
// carries the reject flag when nobody is left who could still join.
func (e *Engine) refuse(g *Group, member uint16) {
	delete(g.Pending, member)
	abandoned := g.Abandoned()
	e.dirty = true

	e.sendToClient(g.CreatorID, protocol.Message{
		Type:     protocol.GroupInvitationReject,
		Reject:   abandoned,
		SourceID: member,
		GroupID:  g.ID,
		Payload: protocol.BuildInvitationAnswer(protocol.AnswerPayload{
			CreatorID: g.CreatorID,
			Kind:      g.Kind,
			GroupID:   g.ID,
			MemberID:  member,
		}),
	})

	e.logger.Info().Uint16("group", g.ID).Uint16("client", member).Bool("abandoned", abandoned).Msg("invitation refused")
	e.emit(events.EventInvitationRefused, groupPayload(g, member))

	if abandoned {
		e.groups.Delete(g.ID)
		e.emit(events.EventGroupAbandoned, groupPayload(g, member))
	}
}

// withdrawInvitations treats every open invitation of a leaving client as refused.
func (e *Engine) withdrawInvitations(c *Client) {
	for _, g := range e.groups.InvitedTo(c.ID) {
		e.refuse(g, c.ID)
	}
}

func (e *Engine) handleDisjoint(c *Client, msg protocol.Message) error {
	prev := e.detach(c)
	e.ackTo(c, msg, protocol.PublicGroupID, false)
	if prev == nil {
		e.logger.Debug().Uint16("client", c.ID).Msg("disjoint from public group ignored")
		return nil
	}

	c.touch()
	e.dirty = true
	e.broadcastDelta(c, protocol.ServerID)

	e.logger.Info().Uint16("group", prev.ID).Uint16("client", c.ID).Msg("client left group")
	e.emit(events.EventGroupLeft, groupPayload(prev, c.ID))
	e.dissolveIfEmpty(prev)
	return nil
}

// detach moves c back to the public group and returns the private group it
// was removed from, if any.
func (e *Engine) detach(c *Client) *Group {
	if c.GroupID == protocol.PublicGroupID {
		return nil
	}
	id := c.GroupID
	c.GroupID = protocol.PublicGroupID
	e.dirty = true

	g, ok := e.groups.Get(id)
	if !ok {
		return nil
	}
	delete(g.Members, c.ID)
	return g
}

// dissolveIfEmpty removes g once its last member has left and tells the
// creator and any invitee still holding an invitation.
func (e *Engine) dissolveIfEmpty(g *Group) {
	if !g.Empty() {
		return
	}
	e.groups.Delete(g.ID)
	e.dirty = true

	notice := protocol.Message{
		Type:     protocol.GroupDissolution,
		SourceID: protocol.ServerID,
		GroupID:  g.ID,
	}
	e.sendToClient(g.CreatorID, notice)
	for _, id := range g.PendingIDs() {
		if id != g.CreatorID {
			e.sendToClient(id, notice)
		}
	}

	e.logger.Info().Uint16("group", g.ID).Msg("group dissolved")
	e.emit(events.EventGroupDissolved, groupPayload(g, 0))
}
