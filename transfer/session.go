package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

type Role int

const (
	// Sender originates DATA and consumes ACK.
	Sender Role = iota
	// Receiver consumes DATA and originates ACK.
	Receiver
)

func (r Role) String() string {
	switch r {
	case Sender:
		return "sender"
	case Receiver:
		return "receiver"
	default:
		return "undefined"
	}
}

// Stats summarizes a finished or aborted transfer.
type Stats struct {
	Bytes       int64
	Blocks      int
	Retransmits int
}

// Session is one lock-step transfer over a socket it owns exclusively.
// It is not safe for concurrent use.
type Session struct {
	Log *logrus.Entry

	// Complete, if set, runs on a receiving session after the last DATA
	// was written and before it is acknowledged. An error aborts the
	// transfer instead.
	Complete func() error

	role       Role
	conn       net.PacketConn
	peer       net.Addr
	locked     bool
	responder  bool
	timeout    time.Duration
	maxRetries int

	source io.Reader
	sink   io.Writer

	// sender: block awaiting its ACK; receiver: last block written
	block    uint16
	retries  int
	last     []byte
	deadline time.Time
	stats    Stats
}

// NewSender creates a session that reads from source and serves DATA to peer.
func NewSender(conn net.PacketConn, peer net.Addr, source io.Reader, cfg core.Config) *Session {
	s := newSession(Sender, conn, peer, cfg)
	s.source = source
	return s
}

// NewReceiver creates a session that writes DATA from peer to sink.
func NewReceiver(conn net.PacketConn, peer net.Addr, sink io.Writer, cfg core.Config) *Session {
	s := newSession(Receiver, conn, peer, cfg)
	s.sink = sink
	return s
}

func newSession(role Role, conn net.PacketConn, peer net.Addr, cfg core.Config) *Session {
	return &Session{
		Log: core.Logger.WithFields(logrus.Fields{
			"peer": peer.String(),
			"role": role.String(),
		}),
		role:       role,
		conn:       conn,
		peer:       peer,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
	}
}

func (s *Session) Role() Role { return s.role }

// Peer is the remote transfer ID: the address of the first answer for a
// requesting session, the requester for a responding one.
func (s *Session) Peer() net.Addr { return s.peer }

func (s *Session) Stats() Stats { return s.stats }

// Run drives the transfer as the responding side of a request. A Sender
// starts with DATA 1; a Receiver acknowledges the request with ACK 0 and,
// after the final ACK, stays one timeout to answer a repeated final DATA.
func (s *Session) Run() (Stats, error) {
	s.locked = true
	s.responder = true
	var err error
	switch s.role {
	case Sender:
		s.block = 1
		err = s.sendBlocks()
	case Receiver:
		s.block = 0
		if err = s.transmit(messages.Ack{Block: 0}); err == nil {
			err = s.receiveBlocks()
		}
	}
	return s.finish(err)
}

// RunRequest drives the transfer as the requesting side. req is sent to
// the peer and retransmitted until the first answer arrives: DATA 1 for a
// read request (Receiver role), ACK 0 for a write request (Sender role).
// The answer's source port becomes the peer transfer ID.
func (s *Session) RunRequest(req messages.Request) (Stats, error) {
	s.locked = false
	var err error
	switch {
	case req.Opcode() == messages.OpRRQ && s.role == Receiver:
		s.block = 0
		if err = s.transmit(req); err == nil {
			err = s.receiveBlocks()
		}
	case req.Opcode() == messages.OpWRQ && s.role == Sender:
		if err = s.transmit(req); err == nil {
			// ACK 0 accepts the write request
			err = s.awaitAck(0)
		}
		if err == nil {
			s.block = 1
			err = s.sendBlocks()
		}
	default:
		return s.stats, fmt.Errorf("%s cannot be sent by a %s session", req.Opcode(), s.role)
	}
	return s.finish(err)
}

func (s *Session) finish(err error) (Stats, error) {
	if err != nil {
		s.Log.WithError(err).Warnf("transfer aborted after %d bytes", s.stats.Bytes)
		return s.stats, err
	}
	s.Log.WithFields(logrus.Fields{
		"bytes":       s.stats.Bytes,
		"blocks":      s.stats.Blocks,
		"retransmits": s.stats.Retransmits,
	}).Info("transfer complete")
	return s.stats, nil
}

// transmit sends p as the new pending packet and starts a fresh wait.
func (s *Session) transmit(p messages.Packet) error {
	b, err := messages.Encode(p)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Opcode(), err)
	}
	s.last = b
	s.retries = 0
	s.Log.Debugf("send %v", p)
	if err := messages.SendRaw(s.conn, s.peer, b); err != nil {
		return err
	}
	s.deadline = time.Now().Add(s.timeout)
	return nil
}

// retransmit resends the pending packet unmodified.
func (s *Session) retransmit() error {
	if s.retries >= s.maxRetries {
		return ErrMaxRetriesExceeded
	}
	s.retries++
	s.stats.Retransmits++
	s.Log.Debugf("timeout, retransmission %d/%d", s.retries, s.maxRetries)
	if err := messages.SendRaw(s.conn, s.peer, s.last); err != nil {
		return err
	}
	s.deadline = time.Now().Add(s.timeout)
	return nil
}

// malformedError marks a datagram from the peer that did not decode.
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed packet: " + e.err.Error() }
func (e *malformedError) Unwrap() error { return e.err }

// next returns the next packet from the peer, retransmitting the pending
// packet whenever the current wait times out. Datagrams from other
// addresses are answered with UnknownTransferID and skipped; they do not
// extend the wait. A datagram that does not decode is returned as a
// *malformedError so the caller decides whether it is fatal.
func (s *Session) next() (messages.Packet, error) {
	for {
		addr, data, err := messages.ReceiveUntil(s.conn, s.deadline)
		if os.IsTimeout(err) {
			if err := s.retransmit(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error receiving from UDP socket: %w", err)
		}
		if !s.fromPeer(addr) {
			s.Log.Warnf("datagram from unknown transfer ID %v", addr)
			messages.Send(s.conn, addr, messages.NewError(messages.UnknownTransferID))
			continue
		}
		p, err := messages.Decode(data)
		if err != nil {
			return nil, &malformedError{err: err}
		}
		if !s.locked {
			// first answer to our request, its port is the peer's transfer ID
			s.peer = addr
			s.locked = true
			s.Log = s.Log.WithField("peer", addr.String())
		}
		s.Log.Debugf("recv %v", p)
		return p, nil
	}
}

func (s *Session) fromPeer(addr net.Addr) bool {
	if s.locked {
		return sameAddr(addr, s.peer)
	}
	return sameHost(addr, s.peer)
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

func sameHost(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

// abort ends the session with err. Unless the peer itself reported the
// error, it is told why, provided we know its transfer ID.
func (s *Session) abort(err error) error {
	var pe *PeerError
	if errors.As(err, &pe) || !s.locked {
		return err
	}
	msg := messages.Error{Code: CodeOf(err), Message: errorMessage(err)}
	if serr := messages.Send(s.conn, s.peer, msg); serr != nil {
		s.Log.WithError(serr).Debug("could not notify peer")
	}
	return err
}

func (s *Session) peerError(m messages.Error) error {
	return s.abort(&PeerError{Code: m.Code, Message: m.Message})
}
