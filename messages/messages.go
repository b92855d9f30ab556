package messages

import (
	"fmt"
	"strings"
)

// BlockSize is the payload size of every DATA packet except the last one.
const BlockSize = 512

// MaxPacketSize is the largest datagram a conforming peer sends (DATA header + block).
const MaxPacketSize = 4 + BlockSize

type Opcode uint16

// packet types
const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

type ErrorCode uint16

// error codes
const (
	NotDefined ErrorCode = iota
	FileNotFound
	AccessViolation
	DiskFull
	IllegalOperation
	UnknownTransferID
	FileAlreadyExists
	NoSuchUser
)

var errorMessages = [...]string{
	NotDefined:        "Not defined, see error message (if any)",
	FileNotFound:      "File not found",
	AccessViolation:   "Access violation",
	DiskFull:          "Disk full or allocation exceeded",
	IllegalOperation:  "Illegal TFTP operation",
	UnknownTransferID: "Unknown transfer ID",
	FileAlreadyExists: "File already exists",
	NoSuchUser:        "No such user",
}

// Message returns the fixed human-readable text for the code.
func (c ErrorCode) Message() string {
	if int(c) < len(errorMessages) {
		return errorMessages[c]
	}
	return "Unknown error"
}

func (c ErrorCode) String() string {
	return c.Message()
}

// transfer modes
const (
	ModeOctet    = "octet"
	ModeNetASCII = "netascii"
)

// ParseMode normalizes a transfer mode, which is matched case-insensitively.
func ParseMode(mode string) (string, bool) {
	switch strings.ToLower(mode) {
	case ModeOctet:
		return ModeOctet, true
	case ModeNetASCII:
		return ModeNetASCII, true
	}
	return "", false
}

// Packet is one of ReadRequest, WriteRequest, Data, Ack or Error.
type Packet interface {
	Opcode() Opcode
}

type ReadRequest struct {
	Filename string
	Mode     string
}

type WriteRequest struct {
	Filename string
	Mode     string
}

type Data struct {
	Block   uint16
	Payload []byte
}

type Ack struct {
	Block uint16
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (ReadRequest) Opcode() Opcode  { return OpRRQ }
func (WriteRequest) Opcode() Opcode { return OpWRQ }
func (Data) Opcode() Opcode         { return OpDATA }
func (Ack) Opcode() Opcode          { return OpACK }
func (Error) Opcode() Opcode        { return OpERROR }

func (p ReadRequest) String() string  { return fmt.Sprintf("RRQ(%q, %s)", p.Filename, p.Mode) }
func (p WriteRequest) String() string { return fmt.Sprintf("WRQ(%q, %s)", p.Filename, p.Mode) }
func (p Data) String() string         { return fmt.Sprintf("DATA(%d, %d bytes)", p.Block, len(p.Payload)) }
func (p Ack) String() string          { return fmt.Sprintf("ACK(%d)", p.Block) }
func (p Error) String() string        { return fmt.Sprintf("ERROR(%d, %q)", uint16(p.Code), p.Message) }

// NewError builds an Error packet with the standard message of code.
func NewError(code ErrorCode) Error {
	return Error{Code: code, Message: code.Message()}
}

// Request is implemented by ReadRequest and WriteRequest.
type Request interface {
	Packet
	File() string
	TransferMode() string
}

func (p ReadRequest) File() string          { return p.Filename }
func (p ReadRequest) TransferMode() string  { return p.Mode }
func (p WriteRequest) File() string         { return p.Filename }
func (p WriteRequest) TransferMode() string { return p.Mode }
