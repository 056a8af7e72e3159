package protocol

import (
	"bytes"
	"encoding/binary"
)

// PacketBuilder constructs message headers and payloads in network byte order.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf.WriteByte(byte(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// ---- Payload constructors ----

// BuildConnectionRequest creates the payload of a ConnectionRequest.
// Format: [username bytes...]
func BuildConnectionRequest(username string) []byte {
	return []byte(username)
}

// BuildClientID creates a payload carrying a single client id. Used by
// ConnectionAccept and UpdateDisconnection.
// Format: [clientId:2]
func BuildClientID(id uint16) []byte {
	return NewPacketBuilder().WriteUint16(id).Build()
}

// BuildConnectionReject creates the payload of a ConnectionReject.
// Format: [code:1]
func BuildConnectionReject(code RejectCode) []byte {
	return []byte{byte(code)}
}

// BuildDataMessage creates the payload of a DataMessage.
// Format: [reserved:2][text bytes...]
func BuildDataMessage(text string) []byte {
	b := NewPacketBuilder()
	b.WriteUint16(0)
	b.WriteBytes([]byte(text))
	return b.Build()
}

// BuildRoster creates the payload of a UserListResponse or UpdateList page.
// Format: [part:1][parts:1][count:2] then per entry
// [id:2][groupId:2][version:4][username:len_str]
func BuildRoster(page RosterPage) []byte {
	b := NewPacketBuilder()
	b.WriteUint8(page.Part).
		WriteUint8(page.Parts).
		WriteUint16(uint16(len(page.Entries)))
	for _, e := range page.Entries {
		b.WriteUint16(e.ID).
			WriteUint16(e.GroupID).
			WriteUint32(e.Version).
			WriteString(e.Username)
	}
	return b.Build()
}

// PaginateRoster splits entries into pages that each fit in one datagram.
// An empty roster yields a single empty page.
func PaginateRoster(entries []RosterEntry) []RosterPage {
	var pages []RosterPage
	current := RosterPage{}
	size := rosterPageOverhead

	for _, e := range entries {
		n := rosterEntrySize(e)
		if size+n > MaxPayloadSize && len(current.Entries) > 0 {
			pages = append(pages, current)
			current = RosterPage{}
			size = rosterPageOverhead
		}
		current.Entries = append(current.Entries, e)
		size += n
	}
	pages = append(pages, current)

	for i := range pages {
		pages[i].Part = uint8(i)
		pages[i].Parts = uint8(len(pages))
	}
	return pages
}

const rosterPageOverhead = 4

func rosterEntrySize(e RosterEntry) int {
	name := len(e.Username)
	if name > 255 {
		name = 255
	}
	return 2 + 2 + 4 + 1 + name
}

// BuildGroupCreation creates the payload of a GroupCreationRequest.
// Format: [kind:1][memberId:2]...
func BuildGroupCreation(kind GroupKind, members []uint16) []byte {
	b := NewPacketBuilder()
	b.WriteUint8(uint8(kind))
	for _, id := range members {
		b.WriteUint16(id)
	}
	return b.Build()
}

// BuildInvitation creates the payload of a GroupInvitationRequest.
// Format: [kind:1][groupId:2][memberId:2]
func BuildInvitation(inv InvitationPayload) []byte {
	b := NewPacketBuilder()
	b.WriteUint8(uint8(inv.Kind)).
		WriteUint16(inv.GroupID).
		WriteUint16(inv.MemberID)
	return b.Build()
}

// BuildInvitationAnswer creates the payload of a GroupInvitationAccept or
// GroupInvitationReject.
// Format: [creatorId:2][kind:1][groupId:2][memberId:2]
func BuildInvitationAnswer(ans AnswerPayload) []byte {
	b := NewPacketBuilder()
	b.WriteUint16(ans.CreatorID).
		WriteUint8(uint8(ans.Kind)).
		WriteUint16(ans.GroupID).
		WriteUint16(ans.MemberID)
	return b.Build()
}
