package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// RosterEntry is the reduced client view carried by UserListResponse and
// UpdateList. Version increases every time the server changes the entry.
type RosterEntry struct {
	ID       uint16 `json:"id"`
	Username string `json:"username"`
	GroupID  uint16 `json:"group_id"`
	Version  uint32 `json:"version"`
}

// RosterPage is one datagram's worth of roster entries. A full snapshot may
// span several pages; Part counts from zero.
type RosterPage struct {
	Part    uint8
	Parts   uint8
	Entries []RosterEntry
}

// InvitationPayload is the body of a GroupInvitationRequest.
type InvitationPayload struct {
	Kind     GroupKind
	GroupID  uint16
	MemberID uint16
}

// AnswerPayload is the body of a GroupInvitationAccept or GroupInvitationReject.
type AnswerPayload struct {
	CreatorID uint16
	Kind      GroupKind
	GroupID   uint16
	MemberID  uint16
}

// PacketReader reads big-endian fields from a payload.
type PacketReader struct {
	r *bytes.Reader
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{r: bytes.NewReader(data)}
}

// ReadUint8 reads a single byte.
func (p *PacketReader) ReadUint8() (uint8, error) {
	b, err := p.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("failed to read uint8: %w", ErrTruncatedPayload)
	}
	return b, nil
}

// ReadUint16 reads a big-endian uint16.
func (p *PacketReader) ReadUint16() (uint16, error) {
	var v uint16
	if err := binary.Read(p.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("failed to read uint16: %w", ErrTruncatedPayload)
	}
	return v, nil
}

// ReadUint32 reads a big-endian uint32.
func (p *PacketReader) ReadUint32() (uint32, error) {
	var v uint32
	if err := binary.Read(p.r, binary.BigEndian, &v); err != nil {
		return 0, fmt.Errorf("failed to read uint32: %w", ErrTruncatedPayload)
	}
	return v, nil
}

// ReadString reads a length-prefixed string.
func (p *PacketReader) ReadString() (string, error) {
	n, err := p.ReadUint8()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return "", fmt.Errorf("failed to read string of %d bytes: %w", n, ErrTruncatedPayload)
	}
	return string(buf), nil
}

// Len returns the number of unread bytes.
func (p *PacketReader) Len() int {
	return p.r.Len()
}

// ---- Payload parsers ----

// ParseUsername extracts and validates the username of a ConnectionRequest.
func ParseUsername(payload []byte) (string, error) {
	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: username is not valid UTF-8", ErrMalformedMessage)
	}
	name := string(bytes.TrimSpace(payload))
	if name == "" {
		return "", fmt.Errorf("%w: empty username", ErrMalformedMessage)
	}
	return name, nil
}

// ParseClientID reads the payload of a ConnectionAccept or UpdateDisconnection.
func ParseClientID(payload []byte) (uint16, error) {
	id, err := NewPacketReader(payload).ReadUint16()
	if err != nil {
		return 0, fmt.Errorf("failed to parse client id: %w", err)
	}
	return id, nil
}

// ParseConnectionReject reads the reject code.
func ParseConnectionReject(payload []byte) (RejectCode, error) {
	code, err := NewPacketReader(payload).ReadUint8()
	if err != nil {
		return 0, fmt.Errorf("failed to parse reject code: %w", err)
	}
	return RejectCode(code), nil
}

// ParseDataMessage skips the two reserved bytes and returns the text.
func ParseDataMessage(payload []byte) (string, error) {
	if len(payload) < 2 {
		return "", fmt.Errorf("failed to parse data message: %w", ErrTruncatedPayload)
	}
	return string(payload[2:]), nil
}

// ParseRoster reads one page of a UserListResponse or UpdateList.
func ParseRoster(payload []byte) (RosterPage, error) {
	r := NewPacketReader(payload)
	var page RosterPage
	var err error

	if page.Part, err = r.ReadUint8(); err != nil {
		return page, fmt.Errorf("failed to read roster part: %w", err)
	}
	if page.Parts, err = r.ReadUint8(); err != nil {
		return page, fmt.Errorf("failed to read roster part count: %w", err)
	}
	if page.Parts == 0 || page.Part >= page.Parts {
		return page, fmt.Errorf("%w: roster part %d of %d", ErrMalformedMessage, page.Part, page.Parts)
	}
	count, err := r.ReadUint16()
	if err != nil {
		return page, fmt.Errorf("failed to read roster count: %w", err)
	}

	page.Entries = make([]RosterEntry, 0, count)
	for i := 0; i < int(count); i++ {
		var e RosterEntry
		if e.ID, err = r.ReadUint16(); err != nil {
			return page, fmt.Errorf("failed to read roster entry %d: %w", i, err)
		}
		if e.GroupID, err = r.ReadUint16(); err != nil {
			return page, fmt.Errorf("failed to read roster entry %d: %w", i, err)
		}
		if e.Version, err = r.ReadUint32(); err != nil {
			return page, fmt.Errorf("failed to read roster entry %d: %w", i, err)
		}
		if e.Username, err = r.ReadString(); err != nil {
			return page, fmt.Errorf("failed to read roster entry %d: %w", i, err)
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// ParseGroupCreation reads the kind and member list of a GroupCreationRequest.
func ParseGroupCreation(payload []byte) (GroupKind, []uint16, error) {
	r := NewPacketReader(payload)
	k, err := r.ReadUint8()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read group kind: %w", err)
	}
	kind := GroupKind(k)
	if !kind.Valid() {
		return 0, nil, fmt.Errorf("%w: group kind %d", ErrMalformedMessage, k)
	}
	if r.Len()%2 != 0 {
		return 0, nil, fmt.Errorf("failed to read member list: %w", ErrTruncatedPayload)
	}

	members := make([]uint16, 0, r.Len()/2)
	for r.Len() > 0 {
		id, _ := r.ReadUint16()
		members = append(members, id)
	}
	return kind, members, nil
}

// ParseInvitation reads a GroupInvitationRequest payload.
func ParseInvitation(payload []byte) (InvitationPayload, error) {
	r := NewPacketReader(payload)
	var inv InvitationPayload

	k, err := r.ReadUint8()
	if err != nil {
		return inv, fmt.Errorf("failed to read invitation kind: %w", err)
	}
	inv.Kind = GroupKind(k)
	if !inv.Kind.Valid() {
		return inv, fmt.Errorf("%w: group kind %d", ErrMalformedMessage, k)
	}
	if inv.GroupID, err = r.ReadUint16(); err != nil {
		return inv, fmt.Errorf("failed to read invitation group: %w", err)
	}
	if inv.MemberID, err = r.ReadUint16(); err != nil {
		return inv, fmt.Errorf("failed to read invitation member: %w", err)
	}
	return inv, nil
}

// ParseInvitationAnswer reads a GroupInvitationAccept or GroupInvitationReject payload.
func ParseInvitationAnswer(payload []byte) (AnswerPayload, error) {
	r := NewPacketReader(payload)
	var ans AnswerPayload
	var err error

	if ans.CreatorID, err = r.ReadUint16(); err != nil {
		return ans, fmt.Errorf("failed to read answer creator: %w", err)
	}
	k, err := r.ReadUint8()
	if err != nil {
		return ans, fmt.Errorf("failed to read answer kind: %w", err)
	}
	ans.Kind = GroupKind(k)
	if !ans.Kind.Valid() {
		return ans, fmt.Errorf("%w: group kind %d", ErrMalformedMessage, k)
	}
	if ans.GroupID, err = r.ReadUint16(); err != nil {
		return ans, fmt.Errorf("failed to read answer group: %w", err)
	}
	if ans.MemberID, err = r.ReadUint16(); err != nil {
		return ans, fmt.Errorf("failed to read answer member: %w", err)
	}
	return ans, nil
}
