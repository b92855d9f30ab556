package markov

import (
	"fmt"
	"net"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

// CreateServerSocket binds ip:port and applies the loss model to it.
func CreateServerSocket(ip net.IP, port int, p float64, q float64) (*MarkovConn, error) {
	conn, err := messages.CreateServerSocket(ip, port)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, p, q), nil
}

// CreateClientSocket returns an unconnected socket on a system assigned port
// together with the resolved server address.
func CreateClientSocket(address string, port int, p float64, q float64) (*MarkovConn, *net.UDPAddr, error) {
	conn, raddr, err := messages.CreateClientSocket(address, port)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating client socket: %w", err)
	}
	return Wrap(conn, p, q), raddr, nil
}

// Wrap puts the loss model in front of an existing socket.
func Wrap(conn *net.UDPConn, p float64, q float64) *MarkovConn {
	return &MarkovConn{
		UDPConn:     conn,
		P:           p,
		Q:           q,
		lastDropped: false,
	}
}
