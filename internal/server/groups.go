package server

import (
	"sort"

	"github.com/energizer-project/groupchat/internal/protocol"
)

// Group is an ad-hoc private group. Members join only by accepting an
// invitation; Pending holds invitees that have not answered yet.
type Group struct {
	ID        uint16
	Kind      protocol.GroupKind
	CreatorID uint16
	Members   map[uint16]struct{}
	Pending   map[uint16]struct{}
	Accepted  int
}

// MemberIDs returns the member ids in ascending order.
func (g *Group) MemberIDs() []uint16 {
	return sortedIDs(g.Members)
}

// PendingIDs returns the outstanding invitee ids in ascending order.
func (g *Group) PendingIDs() []uint16 {
	return sortedIDs(g.Pending)
}

// Empty reports whether the group has no members.
func (g *Group) Empty() bool {
	return len(g.Members) == 0
}

// Abandoned reports whether every invitee refused before anyone joined.
func (g *Group) Abandoned() bool {
	return len(g.Pending) == 0 && len(g.Members) == 0 && g.Accepted == 0
}

// GroupTable holds every private group. The public group is implicit and
// never stored here.
type GroupTable struct {
	groups map[uint16]*Group
	nextID uint16
}

// NewGroupTable creates an empty table. Ids start right above the public group.
func NewGroupTable() *GroupTable {
	return &GroupTable{
		groups: make(map[uint16]*Group),
		nextID: protocol.PublicGroupID + 1,
	}
}

// Create allocates a group with the given invitees.
func (t *GroupTable) Create(kind protocol.GroupKind, creator uint16, invitees []uint16) *Group {
	g := &Group{
		ID:        t.allocateID(),
		Kind:      kind,
		CreatorID: creator,
		Members:   make(map[uint16]struct{}),
		Pending:   make(map[uint16]struct{}, len(invitees)),
	}
	for _, id := range invitees {
		g.Pending[id] = struct{}{}
	}
	t.groups[g.ID] = g
	return g
}

func (t *GroupTable) allocateID() uint16 {
	for {
		id := t.nextID
		t.nextID++
		if id <= protocol.PublicGroupID {
			continue
		}
		if _, taken := t.groups[id]; !taken {
			return id
		}
	}
}

// Get returns the group with id.
func (t *GroupTable) Get(id uint16) (*Group, bool) {
	g, ok := t.groups[id]
	return g, ok
}

// Delete removes the group with id.
func (t *GroupTable) Delete(id uint16) {
	delete(t.groups, id)
}

// Len returns the number of private groups.
func (t *GroupTable) Len() int {
	return len(t.groups)
}

// All returns every group ordered by id.
func (t *GroupTable) All() []*Group {
	out := make([]*Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InvitedTo returns the groups that still wait for an answer from id.
func (t *GroupTable) InvitedTo(id uint16) []*Group {
	var out []*Group
	for _, g := range t.All() {
		if _, ok := g.Pending[id]; ok {
			out = append(out, g)
		}
	}
	return out
}

func sortedIDs(set map[uint16]struct{}) []uint16 {
	ids := make([]uint16, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
