package protocol

import "errors"

// Error taxonomy shared by the server engine and the client session.
var (
	// ErrMalformedMessage is returned for datagrams that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrProtocolViolation marks a well-formed message that is invalid for
	// the current state, e.g. data from an unknown source id.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCapacityExceeded is the client-side view of ConnectionReject(0).
	ErrCapacityExceeded = errors.New("server has reached its client capacity")

	// ErrNameConflict is the client-side view of ConnectionReject(1).
	ErrNameConflict = errors.New("username already taken")

	// ErrInvalidUserInput is returned by local validation before anything is sent.
	ErrInvalidUserInput = errors.New("invalid user input")

	// ErrHandshakeTimeout is returned when a connection request exhausts its retries.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrAckTimeout is returned when any other request exhausts its retries.
	ErrAckTimeout = errors.New("request was never acknowledged")
)

// Decode failures. All of them wrap ErrMalformedMessage.
var (
	ErrShortDatagram    = wrapMalformed("datagram shorter than header")
	ErrDatagramTooLarge = wrapMalformed("datagram exceeds maximum size")
	ErrUnknownType      = wrapMalformed("unknown message type")
	ErrReservedFlags    = wrapMalformed("reserved flag bits set")
	ErrTruncatedPayload = wrapMalformed("payload truncated")
)

// ErrPayloadTooLarge is returned by Encode when a payload does not fit in a datagram.
var ErrPayloadTooLarge = errors.New("payload too large")

type malformedError struct {
	msg string
}

func wrapMalformed(msg string) error {
	return &malformedError{msg: msg}
}

func (e *malformedError) Error() string { return e.msg }

func (e *malformedError) Unwrap() error { return ErrMalformedMessage }
