package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

// receiveBlocks writes DATA s.block+1, s.block+2, ... to the sink until a
// short block arrives. The pending packet (request or last ACK) is
// retransmitted on timeout.
func (s *Session) receiveBlocks() error {
	for {
		p, err := s.next()
		if err != nil {
			var me *malformedError
			if errors.As(err, &me) {
				return s.abort(&ProtocolError{Code: messages.IllegalOperation, Reason: me.Error()})
			}
			return s.abort(err)
		}

		switch m := p.(type) {
		case messages.Data:
			switch {
			case m.Block == s.block+1:
				if err := s.write(m.Payload); err != nil {
					return s.abort(err)
				}
				s.block = m.Block
				s.stats.Bytes += int64(len(m.Payload))
				s.stats.Blocks++
				last := len(m.Payload) < messages.BlockSize
				if last && s.Complete != nil {
					// the final ACK promises the data is stored
					if err := s.Complete(); err != nil {
						return s.abort(newIOError("complete transfer", err, messages.NotDefined))
					}
				}
				if err := s.transmit(messages.Ack{Block: m.Block}); err != nil {
					return s.abort(err)
				}
				if last {
					if s.responder {
						s.linger()
					}
					return nil
				}
			case m.Block == s.block && s.stats.Blocks > 0:
				// the peer missed our ACK, repeat it without touching the sink
				s.Log.Debugf("duplicate DATA %d, resending ACK", m.Block)
				if err := messages.SendRaw(s.conn, s.peer, s.last); err != nil {
					return s.abort(err)
				}
			default:
				return s.abort(&ProtocolError{
					Code:   messages.IllegalOperation,
					Reason: fmt.Sprintf("unexpected DATA block %d, expected %d", m.Block, s.block+1),
				})
			}
		case messages.Error:
			return s.peerError(m)
		default:
			return s.abort(&ProtocolError{
				Code:   messages.IllegalOperation,
				Reason: fmt.Sprintf("unexpected %s while waiting for DATA %d", p.Opcode(), s.block+1),
			})
		}
	}
}

func (s *Session) write(payload []byte) error {
	n, err := s.sink.Write(payload)
	if err == nil && n < len(payload) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return newIOError("write to sink", err, messages.DiskFull)
	}
	return nil
}

// linger keeps answering retransmissions of the final DATA for one timeout
// period, so a lost final ACK does not fail the sender. The transfer is
// already complete; nothing here can fail it.
func (s *Session) linger() {
	for repeats := 0; repeats <= s.maxRetries; {
		addr, data, err := messages.ReceiveUntil(s.conn, s.deadline)
		if err != nil {
			if !os.IsTimeout(err) {
				s.Log.WithError(err).Debug("stop lingering")
			}
			return
		}
		if !sameAddr(addr, s.peer) {
			messages.Send(s.conn, addr, messages.NewError(messages.UnknownTransferID))
			continue
		}
		p, err := messages.Decode(data)
		if err != nil {
			continue
		}
		if d, ok := p.(messages.Data); ok && d.Block == s.block {
			s.Log.Debugf("final DATA %d repeated, resending ACK", d.Block)
			messages.SendRaw(s.conn, s.peer, s.last)
			repeats++
		}
	}
}
