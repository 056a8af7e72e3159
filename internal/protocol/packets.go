// Package protocol implements the binary wire format spoken between the
// group-chat server and its clients. Every datagram starts with a fixed
// 8-byte big-endian header followed by a type-specific payload whose length
// is implied by the datagram length.
//
//	 0        1        2        3        4        5        6        7
//	+--------+--------+--------+--------+--------+--------+--------+--------+
//	|  type  | flags  |     sourceId    |     groupId     |       seq       |
//	+--------+--------+--------+--------+--------+--------+--------+--------+
//
// flags bit 0 marks an acknowledgement, bit 1 marks a rejection.
package protocol

import (
	"fmt"
)

// MessageType identifies the kind of a message. Wire values are stable.
type MessageType uint8

const (
	ConnectionRequest      MessageType = 0
	ConnectionAccept       MessageType = 1
	ConnectionReject       MessageType = 2
	DataMessage            MessageType = 3
	UserListRequest        MessageType = 4
	UserListResponse       MessageType = 5
	UpdateList             MessageType = 6
	DisconnectionRequest   MessageType = 7
	UpdateDisconnection    MessageType = 8
	GroupCreationRequest   MessageType = 9
	GroupCreationAccept    MessageType = 10
	GroupInvitationRequest MessageType = 11
	GroupInvitationAccept  MessageType = 12
	GroupInvitationReject  MessageType = 13
	GroupDisjointRequest   MessageType = 14
	GroupDissolution       MessageType = 15

	messageTypeCount = 16
)

var messageTypeNames = [messageTypeCount]string{
	ConnectionRequest:      "ConnectionRequest",
	ConnectionAccept:       "ConnectionAccept",
	ConnectionReject:       "ConnectionReject",
	DataMessage:            "DataMessage",
	UserListRequest:        "UserListRequest",
	UserListResponse:       "UserListResponse",
	UpdateList:             "UpdateList",
	DisconnectionRequest:   "DisconnectionRequest",
	UpdateDisconnection:    "UpdateDisconnection",
	GroupCreationRequest:   "GroupCreationRequest",
	GroupCreationAccept:    "GroupCreationAccept",
	GroupInvitationRequest: "GroupInvitationRequest",
	GroupInvitationAccept:  "GroupInvitationAccept",
	GroupInvitationReject:  "GroupInvitationReject",
	GroupDisjointRequest:   "GroupDisjointRequest",
	GroupDissolution:       "GroupDissolution",
}

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	return t < messageTypeCount
}

func (t MessageType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
	return messageTypeNames[t]
}

// GroupKind is the member-routing policy tag of a group.
type GroupKind uint8

const (
	Centralized   GroupKind = 0
	Decentralized GroupKind = 1
)

// Valid reports whether k is a defined group kind.
func (k GroupKind) Valid() bool {
	return k == Centralized || k == Decentralized
}

func (k GroupKind) String() string {
	switch k {
	case Centralized:
		return "centralized"
	case Decentralized:
		return "decentralized"
	default:
		return fmt.Sprintf("GroupKind(%d)", uint8(k))
	}
}

// RejectCode is the payload of a ConnectionReject message.
type RejectCode uint8

const (
	RejectServerFull    RejectCode = 0
	RejectUsernameTaken RejectCode = 1
)

func (c RejectCode) String() string {
	switch c {
	case RejectServerFull:
		return "server full"
	case RejectUsernameTaken:
		return "username taken"
	default:
		return fmt.Sprintf("RejectCode(%d)", uint8(c))
	}
}

// Err maps a reject code to the matching sentinel error.
func (c RejectCode) Err() error {
	switch c {
	case RejectServerFull:
		return ErrCapacityExceeded
	case RejectUsernameTaken:
		return ErrNameConflict
	default:
		return fmt.Errorf("%w: unknown reject code %d", ErrMalformedMessage, uint8(c))
	}
}

const (
	// HeaderSize is the fixed size of the message header in bytes.
	HeaderSize = 8

	// MaxDatagramSize is the largest datagram either side will send or accept.
	MaxDatagramSize = 1024

	// MaxPayloadSize is the room left for payload bytes after the header.
	MaxPayloadSize = MaxDatagramSize - HeaderSize

	// MaxUsernameLength is the longest display name a client may register.
	MaxUsernameLength = 8

	// PublicGroupID is the well-known group every client joins on connection.
	PublicGroupID uint16 = 1

	// ServerID is the source id used by the server and by clients that have
	// not been assigned an id yet.
	ServerID uint16 = 0

	// DefaultPort is the reference deployment's UDP port.
	DefaultPort = 1212
)

const (
	flagAck    byte = 1 << 0
	flagReject byte = 1 << 1
	flagMask        = flagAck | flagReject
)

// Message is one decoded datagram.
type Message struct {
	Type     MessageType
	Ack      bool
	Reject   bool
	SourceID uint16
	GroupID  uint16
	Seq      uint16
	Payload  []byte
}

// AckOf returns the acknowledgement of m sent by the party with id source.
// The ack echoes the type, group and sequence number of m.
func (m Message) AckOf(source uint16) Message {
	return Message{
		Type:     m.Type,
		Ack:      true,
		SourceID: source,
		GroupID:  m.GroupID,
		Seq:      m.Seq,
	}
}

func (m Message) String() string {
	kind := "req"
	if m.Ack {
		kind = "ack"
	}
	return fmt.Sprintf("%s/%s src=%d grp=%d seq=%d reject=%t len=%d",
		m.Type, kind, m.SourceID, m.GroupID, m.Seq, m.Reject, len(m.Payload))
}

// Encode serializes m into a datagram.
func Encode(m Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("failed to encode message: %w: type %d", ErrUnknownType, uint8(m.Type))
	}
	if len(m.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("failed to encode %s: %w: %d bytes (max %d)",
			m.Type, ErrPayloadTooLarge, len(m.Payload), MaxPayloadSize)
	}

	var flags byte
	if m.Ack {
		flags |= flagAck
	}
	if m.Reject {
		flags |= flagReject
	}

	b := NewPacketBuilder()
	b.WriteUint8(uint8(m.Type)).
		WriteUint8(flags).
		WriteUint16(m.SourceID).
		WriteUint16(m.GroupID).
		WriteUint16(m.Seq).
		WriteBytes(m.Payload)
	return b.Build(), nil
}

// MustEncode is Encode for messages known to be valid. It panics on error
// and is meant for tests and fixtures.
func MustEncode(m Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a datagram. The returned payload aliases data.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes (header is %d)", ErrShortDatagram, len(data), HeaderSize)
	}
	if len(data) > MaxDatagramSize {
		return Message{}, fmt.Errorf("%w: %d bytes (max %d)", ErrDatagramTooLarge, len(data), MaxDatagramSize)
	}

	r := NewPacketReader(data)
	typ, _ := r.ReadUint8()
	flags, _ := r.ReadUint8()
	source, _ := r.ReadUint16()
	group, _ := r.ReadUint16()
	seq, _ := r.ReadUint16()

	t := MessageType(typ)
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: type %d", ErrUnknownType, typ)
	}
	if flags&^flagMask != 0 {
		return Message{}, fmt.Errorf("%w: flags %08b", ErrReservedFlags, flags)
	}

	var payload []byte
	if len(data) > HeaderSize {
		payload = data[HeaderSize:]
	}

	return Message{
		Type:     t,
		Ack:      flags&flagAck != 0,
		Reject:   flags&flagReject != 0,
		SourceID: source,
		GroupID:  group,
		Seq:      seq,
		Payload:  payload,
	}, nil
}
