package messages

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestServerAndClient(t *testing.T) (*net.UDPConn, *net.UDPConn, *net.UDPAddr) {
	conn_server, err := CreateServerSocket(net.ParseIP("127.0.0.1"), 0)
	if err != nil {
		t.Fatalf(`Creating server failed: %v`, err)
	}
	saddr := conn_server.LocalAddr().(*net.UDPAddr)

	conn_client, raddr, err := CreateClientSocket("127.0.0.1", saddr.Port)
	if err != nil {
		t.Fatalf(`Creating client failed: %v`, err)
	}
	assert.Equal(t, saddr.Port, raddr.Port)

	// send a request to learn the client address
	msg := ReadRequest{Filename: "some/thing", Mode: ModeOctet}
	err = Send(conn_client, raddr, msg)
	if err != nil {
		t.Fatalf(`Error while sending message to server: %v`, err)
	}
	addr, data, err := Receive(conn_server, time.Second)
	if err != nil {
		t.Fatalf(`Error while receiving on server: %v`, err)
	}
	req, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf(`Error while parsing clients message: %v`, err)
	}
	assert.Equal(t, msg, req, "request mismatch")

	return conn_server, conn_client, addr.(*net.UDPAddr)
}

func TestRequest(t *testing.T) {
	conn_server, conn_client, addr := createTestServerAndClient(t)
	defer conn_client.Close()
	defer conn_server.Close()

	assert.Equal(t, conn_client.LocalAddr().(*net.UDPAddr).Port, addr.Port)
}

func TestDataAndAck(t *testing.T) {
	conn_server, conn_client, addr := createTestServerAndClient(t)
	defer conn_client.Close()
	defer conn_server.Close()

	msg := Data{Block: 1, Payload: []byte("asdf")}
	require.NoError(t, Send(conn_server, addr, msg))

	from, data, err := Receive(conn_client, time.Second)
	require.NoError(t, err)
	p, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg, p)

	require.NoError(t, Send(conn_client, from, Ack{Block: 1}))
	_, data, err = Receive(conn_server, time.Second)
	require.NoError(t, err)
	p, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Ack{Block: 1}, p)
}

func TestSendRefusesInvalid(t *testing.T) {
	conn_server, conn_client, addr := createTestServerAndClient(t)
	defer conn_client.Close()
	defer conn_server.Close()

	err := Send(conn_server, addr, Data{Block: 1, Payload: make([]byte, BlockSize+1)})
	assert.Error(t, err)
}

func TestOversizedDatagram(t *testing.T) {
	conn_server, conn_client, addr := createTestServerAndClient(t)
	defer conn_client.Close()
	defer conn_server.Close()

	raw := append([]byte{0, 3, 0, 1}, make([]byte, 2*BlockSize)...)
	require.NoError(t, SendRaw(conn_server, addr, raw))
	_, data, err := Receive(conn_client, time.Second)
	require.NoError(t, err)
	assert.Len(t, data, MaxPacketSize+1)
	_, err = Decode(data)
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	conn_server, conn_client, _ := createTestServerAndClient(t)
	defer conn_client.Close()
	defer conn_server.Close()

	_, _, err := Receive(conn_client, 100*time.Millisecond)

	if !os.IsTimeout(err) {
		t.Fatalf(`This receive should actually time out!`)
	}
	if err, ok := err.(net.Error); !ok || !err.Timeout() {
		t.Fatalf(`This receive should actually time out!`)
	}
}
