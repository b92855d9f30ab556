package messages

import (
	"errors"
	"fmt"
)

// WrongPacketLengthError is returned when a datagram is too short for its
// opcode or a DATA payload exceeds BlockSize.
type WrongPacketLengthError struct {
	Op     Opcode
	Length int
}

func (e *WrongPacketLengthError) Error() string {
	return fmt.Sprintf("wrong packet length for %s: %d bytes", e.Op, e.Length)
}

func (e *WrongPacketLengthError) ErrorCode() ErrorCode { return IllegalOperation }

// UnsupportedTypeError is returned for opcodes outside 1..5, or where the
// caller expected a different kind of packet.
type UnsupportedTypeError struct {
	Op Opcode
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported packet type: %s", e.Op)
}

func (e *UnsupportedTypeError) ErrorCode() ErrorCode { return IllegalOperation }

// MalformedFieldError reports a string field that is missing its terminator,
// empty, not ASCII, or (for the mode) not a known transfer mode.
type MalformedFieldError struct {
	Field  string
	Reason string
	Code   ErrorCode
}

func (e *MalformedFieldError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Field, e.Reason)
}

func (e *MalformedFieldError) ErrorCode() ErrorCode { return e.Code }

// CodeOf returns the error code a peer should be answered with for err.
func CodeOf(err error) ErrorCode {
	var coded interface{ ErrorCode() ErrorCode }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return NotDefined
}
