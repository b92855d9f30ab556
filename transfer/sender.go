package transfer

import (
	"errors"
	"io"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

// sendBlocks serves the source starting at s.block until a short block
// has been acknowledged.
func (s *Session) sendBlocks() error {
	buf := make([]byte, messages.BlockSize)
	for {
		// a short read only ends the transfer at the end of the source
		n, err := io.ReadFull(s.source, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return s.abort(newIOError("read from source", err, messages.AccessViolation))
		}
		if err := s.transmit(messages.Data{Block: s.block, Payload: buf[:n]}); err != nil {
			return s.abort(err)
		}
		if err := s.awaitAck(s.block); err != nil {
			return err
		}
		s.stats.Bytes += int64(n)
		s.stats.Blocks++
		if n < messages.BlockSize {
			return nil
		}
		// wraps from 65535 to 0
		s.block++
	}
}

// awaitAck waits for the ACK of block. Stale ACKs and anything else that is
// not an ERROR are ignored without restarting the timer.
func (s *Session) awaitAck(block uint16) error {
	for {
		p, err := s.next()
		var me *malformedError
		if errors.As(err, &me) {
			s.Log.WithError(err).Debug("ignoring malformed datagram")
			continue
		}
		if err != nil {
			return s.abort(err)
		}
		switch m := p.(type) {
		case messages.Ack:
			if m.Block == block {
				return nil
			}
			s.Log.Debugf("ignoring ACK %d, waiting for %d", m.Block, block)
		case messages.Error:
			return s.peerError(m)
		default:
			s.Log.Debugf("ignoring %v while waiting for ACK %d", p, block)
		}
	}
}
