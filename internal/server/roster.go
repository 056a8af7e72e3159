package server

import (
	"net"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/energizer-project/groupchat/internal/protocol"
)

// ClientState is the server-side connection state of a client.
type ClientState int

const (
	StateConnecting ClientState = iota
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client is the server's record of one session.
type Client struct {
	ID        uint16
	Addr      *net.UDPAddr
	Username  string
	State     ClientState
	GroupID   uint16
	Version   uint32
	CreatedAt time.Time

	handshakeSeq uint16

	// Acks of recent control requests, replayed when the client retransmits.
	acks ackWindow
}

// ackWindowSize bounds how many acks are kept per client. A client keeps
// several requests in flight, so one slot is not enough.
const ackWindowSize = 32

// ackWindow remembers the acks of the most recent control requests of one
// client, keyed by sequence number. The oldest entry is evicted first.
type ackWindow struct {
	bySeq map[uint16]protocol.Message
	order []uint16
}

// remember stores ack, evicting the oldest entry when the window is full.
func (w *ackWindow) remember(ack protocol.Message) {
	if w.bySeq == nil {
		w.bySeq = make(map[uint16]protocol.Message, ackWindowSize)
	}
	if _, ok := w.bySeq[ack.Seq]; !ok {
		if len(w.order) == ackWindowSize {
			delete(w.bySeq, w.order[0])
			w.order = w.order[1:]
		}
		w.order = append(w.order, ack.Seq)
	}
	w.bySeq[ack.Seq] = ack
}

// lookup returns the ack sent for the request of type t with sequence seq.
func (w *ackWindow) lookup(t protocol.MessageType, seq uint16) (protocol.Message, bool) {
	ack, ok := w.bySeq[seq]
	if !ok || ack.Type != t {
		return protocol.Message{}, false
	}
	return ack, true
}

// Entry returns the roster view of c.
func (c *Client) Entry() protocol.RosterEntry {
	return protocol.RosterEntry{
		ID:       c.ID,
		Username: c.Username,
		GroupID:  c.GroupID,
		Version:  c.Version,
	}
}

// touch records a roster-visible change.
func (c *Client) touch() {
	c.Version++
}

// Roster is the authoritative table of clients. It is owned by the engine's
// consumer goroutine and is not safe for concurrent use.
type Roster struct {
	clients  map[uint16]*Client
	byName   map[string]uint16
	nextID   uint16
	capacity int
}

// NewRoster creates an empty roster that holds at most capacity clients.
func NewRoster(capacity int) *Roster {
	return &Roster{
		clients:  make(map[uint16]*Client),
		byName:   make(map[string]uint16),
		nextID:   1,
		capacity: capacity,
	}
}

// Len returns the number of clients in any state.
func (r *Roster) Len() int {
	return len(r.clients)
}

// Full reports whether another client would exceed capacity.
func (r *Roster) Full() bool {
	return len(r.clients) >= r.capacity
}

// Get returns the client with id.
func (r *Roster) Get(id uint16) (*Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// ByName returns the client registered under username.
func (r *Roster) ByName(username string) (*Client, bool) {
	id, ok := r.byName[username]
	if !ok {
		return nil, false
	}
	return r.clients[id], true
}

// Add registers a new client in the Connecting state inside the public
// group. Callers check Full and name uniqueness first.
func (r *Roster) Add(addr *net.UDPAddr, username string, now time.Time) *Client {
	c := &Client{
		ID:        r.allocateID(),
		Addr:      addr,
		Username:  username,
		State:     StateConnecting,
		GroupID:   protocol.PublicGroupID,
		Version:   1,
		CreatedAt: now,
	}
	r.clients[c.ID] = c
	r.byName[username] = c.ID
	return c
}

// allocateID hands out ids monotonically from 1. After the id space wraps,
// ids still in use and the reserved server id are skipped.
func (r *Roster) allocateID() uint16 {
	for {
		id := r.nextID
		r.nextID++
		if id == protocol.ServerID {
			continue
		}
		if _, taken := r.clients[id]; !taken {
			return id
		}
	}
}

// Remove deletes the client with id and frees its username.
func (r *Roster) Remove(id uint16) (*Client, bool) {
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	delete(r.clients, id)
	delete(r.byName, c.Username)
	return c, true
}

// Connected returns every client in the Connected state, ordered by id.
func (r *Roster) Connected() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.State == StateConnected {
			out = append(out, c)
		}
	}
	sortClients(out)
	return out
}

// All returns every client ordered by id.
func (r *Roster) All() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sortClients(out)
	return out
}

func sortClients(cs []*Client) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

// ValidUsername reports whether name fits the configured limit, counted in
// characters rather than bytes.
func ValidUsername(name string, maxLen int) bool {
	n := utf8.RuneCountInString(name)
	return n > 0 && n <= maxLen
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
