// Package events defines the server-side event bus and the events the chat
// engine publishes when roster or group state changes. Telemetry, metrics
// and the audit trail subscribe to these events; the engine never waits on
// them.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session lifecycle
	EventClientConnecting   EventType = "client_connecting"
	EventClientConnected    EventType = "client_connected"
	EventClientDisconnected EventType = "client_disconnected"
	EventClientExpired      EventType = "client_expired"
	EventConnectionRejected EventType = "connection_rejected"

	// Groups
	EventGroupCreated      EventType = "group_created"
	EventGroupJoined       EventType = "group_joined"
	EventGroupLeft         EventType = "group_left"
	EventInvitationRefused EventType = "invitation_refused"
	EventGroupAbandoned    EventType = "group_abandoned"
	EventGroupDissolved    EventType = "group_dissolved"

	// Traffic
	EventMessageRelayed    EventType = "message_relayed"
	EventMalformedMessage  EventType = "malformed_message"
	EventProtocolViolation EventType = "protocol_violation"

	// System
	EventShutdown EventType = "shutdown"
)

// AllTypes lists every event type, for subscribers that record everything.
var AllTypes = []EventType{
	EventClientConnecting,
	EventClientConnected,
	EventClientDisconnected,
	EventClientExpired,
	EventConnectionRejected,
	EventGroupCreated,
	EventGroupJoined,
	EventGroupLeft,
	EventInvitationRefused,
	EventGroupAbandoned,
	EventGroupDissolved,
	EventMessageRelayed,
	EventMalformedMessage,
	EventProtocolViolation,
	EventShutdown,
}

// Event is a single notification published on the bus.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// ClientPayload describes a client whose session state changed.
type ClientPayload struct {
	ClientID uint16 `json:"client_id"`
	Username string `json:"username"`
	Addr     string `json:"addr"`
	GroupID  uint16 `json:"group_id"`
}

// RejectPayload describes a refused connection request.
type RejectPayload struct {
	Username string `json:"username"`
	Addr     string `json:"addr"`
	Reason   string `json:"reason"`
}

// GroupPayload describes a group lifecycle change. ClientID is the member
// that triggered the change, if any.
type GroupPayload struct {
	GroupID   uint16   `json:"group_id"`
	Kind      string   `json:"kind"`
	CreatorID uint16   `json:"creator_id"`
	ClientID  uint16   `json:"client_id,omitempty"`
	Members   []uint16 `json:"members,omitempty"`
}

// RelayPayload describes a relayed data message.
type RelayPayload struct {
	SourceID   uint16 `json:"source_id"`
	GroupID    uint16 `json:"group_id"`
	Recipients int    `json:"recipients"`
	Bytes      int    `json:"bytes"`
}

// ViolationPayload describes a dropped datagram.
type ViolationPayload struct {
	Addr        string `json:"addr"`
	SourceID    uint16 `json:"source_id"`
	MessageType string `json:"message_type"`
	Reason      string `json:"reason"`
}
