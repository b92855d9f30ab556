package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// Encode serializes p into its wire format. Packets violating the field
// invariants (NUL or non-ASCII strings, unknown mode, oversized payload) are
// refused rather than encoded into something a peer would misparse.
func Encode(p Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	/* every packet starts with the 2 byte opcode */
	if err := binary.Write(buf, binary.BigEndian, uint16(p.Opcode())); err != nil {
		return nil, fmt.Errorf("error encoding opcode: %w", err)
	}

	switch m := p.(type) {
	case ReadRequest:
		if err := encodeRequest(buf, m.Filename, m.Mode); err != nil {
			return nil, err
		}
	case WriteRequest:
		if err := encodeRequest(buf, m.Filename, m.Mode); err != nil {
			return nil, err
		}
	case Data:
		if len(m.Payload) > BlockSize {
			return nil, &WrongPacketLengthError{Op: OpDATA, Length: 4 + len(m.Payload)}
		}
		binary.Write(buf, binary.BigEndian, m.Block)
		buf.Write(m.Payload)
	case Ack:
		binary.Write(buf, binary.BigEndian, m.Block)
	case Error:
		if err := checkString("error message", m.Message, true); err != nil {
			return nil, err
		}
		binary.Write(buf, binary.BigEndian, uint16(m.Code))
		buf.WriteString(m.Message)
		buf.WriteByte(0)
	default:
		return nil, &UnsupportedTypeError{Op: p.Opcode()}
	}
	return buf.Bytes(), nil
}

func encodeRequest(buf *bytes.Buffer, filename, mode string) error {
	if err := checkString("filename", filename, false); err != nil {
		return err
	}
	if err := checkString("mode", mode, false); err != nil {
		return err
	}
	if _, ok := ParseMode(mode); !ok {
		return &MalformedFieldError{Field: "mode", Reason: fmt.Sprintf("unknown transfer mode %q", mode), Code: NotDefined}
	}
	/* variable length strings, each terminated by a zero byte */
	buf.WriteString(filename)
	buf.WriteByte(0)
	buf.WriteString(mode)
	buf.WriteByte(0)
	return nil
}

// checkString enforces that a NUL terminated field can be represented on the wire.
func checkString(field, s string, allowEmpty bool) error {
	if s == "" && !allowEmpty {
		return &MalformedFieldError{Field: field, Reason: "empty", Code: NotDefined}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return &MalformedFieldError{Field: field, Reason: "contains NUL byte", Code: IllegalOperation}
		}
		if s[i] > 0x7f {
			return &MalformedFieldError{Field: field, Reason: "not ASCII", Code: IllegalOperation}
		}
	}
	return nil
}

// Send encodes p and writes it to addr.
func Send(conn net.PacketConn, addr net.Addr, p Packet) error {
	b, err := Encode(p)
	if err != nil {
		return fmt.Errorf("error encoding message: %w", err)
	}
	return SendRaw(conn, addr, b)
}

// SendRaw writes an already encoded packet, used for retransmissions.
func SendRaw(conn net.PacketConn, addr net.Addr, b []byte) error {
	if _, err := conn.WriteTo(b, addr); err != nil {
		return fmt.Errorf("error sending message: %w", err)
	}
	return nil
}
