package transfer

import (
	"errors"
	"fmt"
	"os"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

// ErrMaxRetriesExceeded is returned when a packet was retransmitted
// MaxRetries times without an answer.
var ErrMaxRetriesExceeded = errors.New("maximum number of retransmissions exceeded")

// PeerError is an ERROR packet received from the other side.
type PeerError struct {
	Code    messages.ErrorCode
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer reported error %d (%s): %s", uint16(e.Code), e.Code.Message(), e.Message)
}

// ProtocolError is an unexpected packet that ends the transfer.
type ProtocolError struct {
	Code   messages.ErrorCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// IOError is a failure of the byte source or sink.
type IOError struct {
	Code messages.ErrorCode
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// newIOError classifies a source or sink failure. Collaborators may attach
// their own code by implementing ErrorCode() on the error.
func newIOError(op string, err error, fallback messages.ErrorCode) *IOError {
	code := fallback
	var coded interface{ ErrorCode() messages.ErrorCode }
	switch {
	case errors.As(err, &coded):
		code = coded.ErrorCode()
	case errors.Is(err, os.ErrPermission):
		code = messages.AccessViolation
	case errors.Is(err, os.ErrExist):
		code = messages.FileAlreadyExists
	}
	return &IOError{Code: code, Op: op, Err: err}
}

// CodeOf returns the error code sent to the peer when err ends a transfer.
func CodeOf(err error) messages.ErrorCode {
	var pe *PeerError
	var ve *ProtocolError
	var ie *IOError
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.As(err, &ve):
		return ve.Code
	case errors.As(err, &ie):
		return ie.Code
	}
	return messages.CodeOf(err)
}

// errorMessage renders err for an ERROR packet, which only carries ASCII.
func errorMessage(err error) string {
	var ie *IOError
	if errors.As(err, &ie) {
		// do not leak local paths to the peer
		return ie.Code.Message()
	}
	msg := []byte(err.Error())
	for i, c := range msg {
		if c == 0 || c > 0x7f {
			msg[i] = '?'
		}
	}
	return string(msg)
}
