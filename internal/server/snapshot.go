package server

import "time"

// ClientView is a read-only copy of a roster entry.
type ClientView struct {
	ID        uint16    `json:"id"`
	Username  string    `json:"username"`
	Addr      string    `json:"addr"`
	State     string    `json:"state"`
	GroupID   uint16    `json:"group_id"`
	Version   uint32    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupView is a read-only copy of a private group.
type GroupView struct {
	ID        uint16   `json:"id"`
	Kind      string   `json:"kind"`
	CreatorID uint16   `json:"creator_id"`
	Members   []uint16 `json:"members"`
	Pending   []uint16 `json:"pending"`
}

// Snapshot is an immutable view of engine state published after every
// change. Readers must not modify it.
type Snapshot struct {
	Clients  []ClientView `json:"clients"`
	Groups   []GroupView  `json:"groups"`
	Capacity int          `json:"capacity"`
	TakenAt  time.Time    `json:"taken_at"`
}

// ConnectedCount returns the number of clients past the handshake.
func (s *Snapshot) ConnectedCount() int {
	n := 0
	for _, c := range s.Clients {
		if c.State == StateConnected.String() {
			n++
		}
	}
	return n
}

// Client returns the view of the client with id.
func (s *Snapshot) Client(id uint16) (ClientView, bool) {
	for _, c := range s.Clients {
		if c.ID == id {
			return c, true
		}
	}
	return ClientView{}, false
}

// Group returns the view of the group with id.
func (s *Snapshot) Group(id uint16) (GroupView, bool) {
	for _, g := range s.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return GroupView{}, false
}

// Snapshot returns the latest published state. It is safe for concurrent use.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

func (e *Engine) publish() {
	snap := &Snapshot{
		Clients:  make([]ClientView, 0, e.roster.Len()),
		Groups:   make([]GroupView, 0, e.groups.Len()),
		Capacity: e.cfg.Capacity,
		TakenAt:  e.now(),
	}
	for _, c := range e.roster.All() {
		snap.Clients = append(snap.Clients, ClientView{
			ID:        c.ID,
			Username:  c.Username,
			Addr:      c.Addr.String(),
			State:     c.State.String(),
			GroupID:   c.GroupID,
			Version:   c.Version,
			CreatedAt: c.CreatedAt,
		})
	}
	for _, g := range e.groups.All() {
		snap.Groups = append(snap.Groups, GroupView{
			ID:        g.ID,
			Kind:      g.Kind.String(),
			CreatorID: g.CreatorID,
			Members:   g.MemberIDs(),
			Pending:   g.PendingIDs(),
		})
	}
	e.snapshot.Store(snap)
}
