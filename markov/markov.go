package markov

import (
	"math/rand"
	"net"
	"time"
)

// MarkovConn drops outgoing datagrams following a two state Markov chain:
// P is the probability to drop after a delivered packet, Q the probability
// to keep dropping after a dropped one. Reads are never affected.
//
// A MarkovConn is owned by one goroutine, like the socket it wraps.
type MarkovConn struct {
	UDPConn *net.UDPConn
	P       float64
	Q       float64

	lastDropped bool
	dropped     int
}

// Implement the interface for net.PacketConn
func (mc *MarkovConn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	return mc.UDPConn.ReadFrom(p)
}

func (mc *MarkovConn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	if mc.drop() {
		// pretend the datagram left the host
		return len(p), nil
	}
	return mc.UDPConn.WriteTo(p, addr)
}

func (mc *MarkovConn) drop() bool {
	prob := mc.P
	if mc.lastDropped {
		prob = mc.Q
	}
	mc.lastDropped = prob > 0 && rand.Float64() < prob
	if mc.lastDropped {
		mc.dropped++
	}
	return mc.lastDropped
}

// Dropped is the number of datagrams swallowed so far.
func (mc *MarkovConn) Dropped() int {
	return mc.dropped
}

func (mc *MarkovConn) Close() error {
	return mc.UDPConn.Close()
}

func (mc *MarkovConn) LocalAddr() net.Addr {
	return mc.UDPConn.LocalAddr()
}

func (mc *MarkovConn) SetDeadline(t time.Time) error {
	return mc.UDPConn.SetDeadline(t)
}

func (mc *MarkovConn) SetReadDeadline(t time.Time) error {
	return mc.UDPConn.SetReadDeadline(t)
}

func (mc *MarkovConn) SetWriteDeadline(t time.Time) error {
	return mc.UDPConn.SetWriteDeadline(t)
}
