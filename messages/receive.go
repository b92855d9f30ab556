package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Receive waits up to timeout for one datagram on conn. A zero timeout
// blocks until a datagram arrives. Deadline errors are returned unwrapped so
// callers can match them with os.IsTimeout.
func Receive(conn net.PacketConn, timeout time.Duration) (net.Addr, []byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return ReceiveUntil(conn, deadline)
}

// ReceiveUntil is Receive with an absolute deadline, so a caller that
// discards a datagram can keep waiting without extending its timer.
func ReceiveUntil(conn net.PacketConn, deadline time.Time) (net.Addr, []byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, fmt.Errorf("creating the timeout deadline: %w", err)
	}
	// one byte more than any valid packet so oversized datagrams are detected
	buffer := make([]byte, MaxPacketSize+1)
	n, raddr, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}
	return raddr, buffer[:n], nil
}

// Decode parses one datagram. It only ever looks at data[:len(data)]:
// strings without a terminator inside the buffer are rejected.
func Decode(data []byte) (Packet, error) {
	if len(data) < 2 {
		return nil, &WrongPacketLengthError{Length: len(data)}
	}
	op := Opcode(binary.BigEndian.Uint16(data[:2]))
	body := data[2:]

	switch op {
	case OpRRQ, OpWRQ:
		filename, mode, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		if op == OpRRQ {
			return ReadRequest{Filename: filename, Mode: mode}, nil
		}
		return WriteRequest{Filename: filename, Mode: mode}, nil

	case OpDATA:
		if len(body) < 2 {
			return nil, &WrongPacketLengthError{Op: op, Length: len(data)}
		}
		if len(body)-2 > BlockSize {
			return nil, &WrongPacketLengthError{Op: op, Length: len(data)}
		}
		// copy so the packet does not alias the receive buffer
		payload := make([]byte, len(body)-2)
		copy(payload, body[2:])
		return Data{Block: binary.BigEndian.Uint16(body[:2]), Payload: payload}, nil

	case OpACK:
		if len(body) < 2 {
			return nil, &WrongPacketLengthError{Op: op, Length: len(data)}
		}
		return Ack{Block: binary.BigEndian.Uint16(body[:2])}, nil

	case OpERROR:
		if len(body) < 2 {
			return nil, &WrongPacketLengthError{Op: op, Length: len(data)}
		}
		// some peers omit the terminator, so the message ends at the first
		// NUL or at the end of the datagram, whichever comes first
		msg, _, _ := cutString(body[2:])
		return Error{Code: ErrorCode(binary.BigEndian.Uint16(body[:2])), Message: string(msg)}, nil
	}
	return nil, &UnsupportedTypeError{Op: op}
}

func decodeRequest(body []byte) (string, string, error) {
	filename, rest, ok := cutString(body)
	if !ok {
		return "", "", &MalformedFieldError{Field: "filename", Reason: "missing terminator", Code: IllegalOperation}
	}
	mode, _, ok := cutString(rest)
	if !ok {
		return "", "", &MalformedFieldError{Field: "mode", Reason: "missing terminator", Code: IllegalOperation}
	}
	if err := checkString("filename", string(filename), false); err != nil {
		return "", "", err
	}
	if err := checkString("mode", string(mode), false); err != nil {
		return "", "", err
	}
	if _, ok := ParseMode(string(mode)); !ok {
		return "", "", &MalformedFieldError{Field: "mode", Reason: fmt.Sprintf("unknown transfer mode %q", mode), Code: NotDefined}
	}
	return string(filename), string(mode), nil
}

// cutString splits b at its first zero byte. ok is false if there is none.
func cutString(b []byte) (s []byte, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return b, nil, false
	}
	return b[:i], b[i+1:], true
}

// DecodeRequest decodes data and requires it to be a RRQ or WRQ.
func DecodeRequest(data []byte) (Request, error) {
	p, err := Decode(data)
	if err != nil {
		return nil, err
	}
	req, ok := p.(Request)
	if !ok {
		return nil, &UnsupportedTypeError{Op: p.Opcode()}
	}
	return req, nil
}
