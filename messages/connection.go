package messages

import (
	"fmt"
	"net"
)

// CreateServerSocket binds the well-known listening socket.
func CreateServerSocket(ip net.IP, port int) (*net.UDPConn, error) {
	laddr := net.UDPAddr{
		Port: port,
		IP:   ip,
	}
	conn, err := net.ListenUDP("udp", &laddr)
	if err != nil {
		return nil, fmt.Errorf("error creating ListenUDP: %w", err)
	}
	return conn, nil
}

// CreateEphemeralSocket binds a socket on a system assigned port. ip may be
// nil for the wildcard address.
func CreateEphemeralSocket(ip net.IP) (*net.UDPConn, error) {
	return CreateServerSocket(ip, 0)
}

// CreateClientSocket resolves the server address and returns an unconnected
// socket: the server answers from a different port than the one the request
// went to, which a connected socket would filter out.
func CreateClientSocket(address string, port int) (*net.UDPConn, *net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, fmt.Sprint(port)))
	if err != nil {
		return nil, nil, fmt.Errorf("error resolving addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating client socket: %w", err)
	}
	return conn, raddr, nil
}
