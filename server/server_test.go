package server

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/client"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/transfer"
)

var testTimeout = 300 * time.Millisecond

// startServer runs a server on a loopback port until the test ends.
func startServer(t *testing.T, overwrite bool) (*Server, string) {
	root := t.TempDir()
	cfg := core.ServerConfig{
		Config:         core.Config{Timeout: testTimeout, MaxRetries: 3},
		RootDir:        root,
		AllowOverwrite: overwrite,
	}
	s, err := Init(net.ParseIP("127.0.0.1"), 0, cfg)
	if err != nil {
		t.Fatalf(`Error creating server: %v`, err)
	}
	close := make(chan bool)
	done := make(chan error, 1)
	go func() { done <- s.Listen(close) }()
	t.Cleanup(func() {
		s.StopListening(close)
		assert.NoError(t, <-done)
		s.Wait()
		s.Conn.Close()
	})
	return s, root
}

func (s *Server) port() int {
	return s.Addr().(*net.UDPAddr).Port
}

func clientConfig() *core.ClientConfig {
	cfg := client.DefaultConfig
	cfg.Timeout = testTimeout
	return &cfg
}

func randomFile(t *testing.T, path string, size int) []byte {
	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return content
}

// request sends raw bytes to the listening port and returns the answer.
func request(t *testing.T, s *Server, raw []byte) (net.Addr, messages.Packet) {
	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, messages.SendRaw(conn, s.Addr(), raw))
	addr, data, err := messages.Receive(conn, 2*time.Second)
	require.NoError(t, err)
	p, err := messages.Decode(data)
	require.NoError(t, err)
	return addr, p
}

func encode(t *testing.T, p messages.Packet) []byte {
	b, err := messages.Encode(p)
	require.NoError(t, err)
	return b
}

func TestInitRejectsMissingRoot(t *testing.T) {
	cfg := core.ServerConfig{Config: core.DefaultConfig, RootDir: filepath.Join(t.TempDir(), "nope")}
	_, err := Init(net.ParseIP("127.0.0.1"), 0, cfg)
	assert.Error(t, err)
}

func TestInvalidRequests(t *testing.T) {
	s, _ := startServer(t, false)

	tests := []struct {
		name string
		raw  []byte
		code messages.ErrorCode
	}{
		{"empty filename", []byte("\x00\x01\x00octet\x00"), messages.NotDefined},
		{"unknown mode", []byte("\x00\x01file\x00mail\x00"), messages.NotDefined},
		{"missing terminator", []byte("\x00\x01file"), messages.IllegalOperation},
		{"unknown opcode", []byte("\x00\x09file\x00octet\x00"), messages.IllegalOperation},
		{"ack on listener", []byte("\x00\x04\x00\x01"), messages.IllegalOperation},
		{"one byte", []byte{0}, messages.IllegalOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
			require.NoError(t, err)
			defer conn.Close()
			require.NoError(t, messages.SendRaw(conn, s.Addr(), tt.raw))

			addr, data, err := messages.Receive(conn, 2*time.Second)
			require.NoError(t, err)
			p, err := messages.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, s.Addr().String(), addr.String())
			assert.Equal(t, tt.code, p.(messages.Error).Code)

			// no transfer was started for the request
			_, _, err = messages.Receive(conn, 2*testTimeout)
			assert.True(t, os.IsTimeout(err), "a transfer socket answered")
			assert.Equal(t, 0, s.Active())
		})
	}
}

func TestErrorOnListenerIsNotAnswered(t *testing.T) {
	s, _ := startServer(t, false)
	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, messages.Send(conn, s.Addr(), messages.NewError(messages.NotDefined)))
	_, _, err = messages.Receive(conn, 200*time.Millisecond)
	assert.True(t, os.IsTimeout(err), "server answered an ERROR packet")
}

func TestTransferSocketFailure(t *testing.T) {
	s, root := startServer(t, false)
	randomFile(t, filepath.Join(root, "file"), 10)
	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()

	// a destination address the host does not own cannot be bound
	rrq := encode(t, messages.ReadRequest{Filename: "file", Mode: messages.ModeOctet})
	s.dispatch(conn.LocalAddr(), net.ParseIP("192.0.2.1"), rrq)

	addr, data, err := messages.Receive(conn, 2*time.Second)
	require.NoError(t, err)
	p, err := messages.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.Addr().String(), addr.String())
	assert.Equal(t, messages.NotDefined, p.(messages.Error).Code)
	assert.Equal(t, 0, s.Active())
}

func TestRejectedTransfers(t *testing.T) {
	s, root := startServer(t, false)
	randomFile(t, filepath.Join(root, "exists"), 10)
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	tests := []struct {
		name string
		req  messages.Packet
		code messages.ErrorCode
	}{
		{"missing file", messages.ReadRequest{Filename: "nope", Mode: "octet"}, messages.FileNotFound},
		{"traversal", messages.ReadRequest{Filename: "../etc/passwd", Mode: "octet"}, messages.AccessViolation},
		{"absolute", messages.ReadRequest{Filename: "/etc/passwd", Mode: "octet"}, messages.AccessViolation},
		{"directory", messages.ReadRequest{Filename: "dir", Mode: "octet"}, messages.AccessViolation},
		{"existing upload", messages.WriteRequest{Filename: "exists", Mode: "octet"}, messages.FileAlreadyExists},
		{"upload traversal", messages.WriteRequest{Filename: "dir/../../x", Mode: "octet"}, messages.AccessViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, p := request(t, s, encode(t, tt.req))
			// answered from the transfer port
			assert.NotEqual(t, s.Addr().String(), addr.String())
			assert.Equal(t, tt.code, p.(messages.Error).Code)
		})
	}
	s.Wait()
	assert.Equal(t, 0, s.Active())
}

func TestGet(t *testing.T) {
	for _, size := range []int{0, 1, 511, 512, 1024, 1025, 100000} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			s, root := startServer(t, false)
			content := randomFile(t, filepath.Join(root, "file.bin"), size)

			local := filepath.Join(t.TempDir(), "file.bin")
			stats, err := client.GetFile("127.0.0.1", s.port(), "file.bin", local, "octet", clientConfig())
			require.NoError(t, err)
			assert.Equal(t, int64(size), stats.Bytes)
			assert.Equal(t, size/messages.BlockSize+1, stats.Blocks)

			got, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestPut(t *testing.T) {
	for _, size := range []int{0, 512, 1500} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			s, root := startServer(t, false)
			local := filepath.Join(t.TempDir(), "up.bin")
			content := randomFile(t, local, size)

			_, err := client.PutFile("127.0.0.1", s.port(), "up.bin", local, "octet", clientConfig())
			require.NoError(t, err)
			s.Wait()

			got, err := os.ReadFile(filepath.Join(root, "up.bin"))
			require.NoError(t, err)
			assert.Equal(t, content, got)
			assertNoPartFiles(t, root)
		})
	}
}

func TestGetRightAfterPut(t *testing.T) {
	s, _ := startServer(t, false)
	content := make([]byte, 1200)
	_, err := rand.Read(content)
	require.NoError(t, err)

	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	_, err = client.Put(conn, s.Addr(), "fresh", "octet", bytes.NewReader(content), clientConfig().Config)
	require.NoError(t, err)

	// the upload is visible as soon as the client has its final ACK
	conn2, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn2.Close()
	var got bytes.Buffer
	_, err = client.Get(conn2, s.Addr(), "fresh", "octet", &got, clientConfig().Config)
	require.NoError(t, err)
	assert.Equal(t, content, got.Bytes())
}

func TestPutOverwrite(t *testing.T) {
	s, root := startServer(t, true)
	randomFile(t, filepath.Join(root, "up.bin"), 2000)
	local := filepath.Join(t.TempDir(), "up.bin")
	content := randomFile(t, local, 700)

	_, err := client.PutFile("127.0.0.1", s.port(), "up.bin", local, "octet", clientConfig())
	require.NoError(t, err)
	s.Wait()
	got, err := os.ReadFile(filepath.Join(root, "up.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestNetasciiRoundTrip(t *testing.T) {
	s, root := startServer(t, false)
	text := []byte("first line\nsecond line\n")
	local := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(local, text, 0o644))

	_, err := client.PutFile("127.0.0.1", s.port(), "notes.txt", local, "netascii", clientConfig())
	require.NoError(t, err)
	s.Wait()
	stored, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, stored)

	back := filepath.Join(t.TempDir(), "back.txt")
	_, err = client.GetFile("127.0.0.1", s.port(), "notes.txt", back, "NETASCII", clientConfig())
	require.NoError(t, err)
	got, err := os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, text, got)
}

func TestConcurrentClients(t *testing.T) {
	s, root := startServer(t, false)
	const n = 8
	contents := make([][]byte, n)
	for i := range contents {
		contents[i] = randomFile(t, filepath.Join(root, fmt.Sprintf("f%d", i)), 3000+i*100)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := filepath.Join(dir, fmt.Sprintf("f%d", i))
			_, errs[i] = client.GetFile("127.0.0.1", s.port(), fmt.Sprintf("f%d", i), local, "octet", clientConfig())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
		assert.Equal(t, contents[i], got, "file %d", i)
	}
	s.Wait()
	assert.Equal(t, 0, s.Active())
}

// dropConn loses the datagrams selected by drop, counted per direction
// from 1.
type dropConn struct {
	net.PacketConn
	mu          sync.Mutex
	sent, recvd int
	dropSend    map[int]bool
	dropRecv    map[int]bool
}

func (c *dropConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	c.sent++
	drop := c.dropSend[c.sent]
	c.mu.Unlock()
	if drop {
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}

func (c *dropConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		n, addr, err := c.PacketConn.ReadFrom(p)
		if err != nil {
			return n, addr, err
		}
		c.mu.Lock()
		c.recvd++
		drop := c.dropRecv[c.recvd]
		c.mu.Unlock()
		if !drop {
			return n, addr, nil
		}
	}
}

func TestGetWithLoss(t *testing.T) {
	s, root := startServer(t, false)
	content := randomFile(t, filepath.Join(root, "lossy"), 5*512+17)

	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	// lose the request, ACK 2 and DATA 4
	lossy := &dropConn{
		PacketConn: conn,
		dropSend:   map[int]bool{1: true, 4: true},
		dropRecv:   map[int]bool{4: true},
	}

	var sink bytes.Buffer
	stats, err := client.Get(lossy, s.Addr(), "lossy", "octet", &sink, clientConfig().Config)
	require.NoError(t, err)
	assert.Equal(t, content, sink.Bytes())
	assert.Positive(t, stats.Retransmits)
}

func TestPutWithLoss(t *testing.T) {
	s, root := startServer(t, false)
	content := make([]byte, 3*512)
	_, err := rand.Read(content)
	require.NoError(t, err)

	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	// lose DATA 1 and the final ACK
	lossy := &dropConn{
		PacketConn: conn,
		dropSend:   map[int]bool{2: true},
		dropRecv:   map[int]bool{5: true},
	}

	_, err = client.Put(lossy, s.Addr(), "lossy", "octet", bytes.NewReader(content), clientConfig().Config)
	require.NoError(t, err)
	s.Wait()
	got, err := os.ReadFile(filepath.Join(root, "lossy"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAbortedUploadLeavesNothing(t *testing.T) {
	s, root := startServer(t, false)
	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, messages.Send(conn, s.Addr(), messages.WriteRequest{Filename: "gone", Mode: "octet"}))
	addr, data, err := messages.Receive(conn, 2*time.Second)
	require.NoError(t, err)
	ack, err := messages.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, messages.Ack{Block: 0}, ack)
	require.NoError(t, messages.Send(conn, addr, messages.Data{Block: 1, Payload: make([]byte, 512)}))

	// go silent: the server retransmits ACK 1 and gives up
	s.Wait()
	assert.Equal(t, 0, s.Active())
	_, err = os.Stat(filepath.Join(root, "gone"))
	assert.True(t, os.IsNotExist(err))
	assertNoPartFiles(t, root)
}

func TestUnknownTransferID(t *testing.T) {
	s, root := startServer(t, false)
	randomFile(t, filepath.Join(root, "f"), 2000)

	conn, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, messages.Send(conn, s.Addr(), messages.ReadRequest{Filename: "f", Mode: "octet"}))
	addr, _, err := messages.Receive(conn, 2*time.Second)
	require.NoError(t, err)

	stranger, err := messages.CreateEphemeralSocket(net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer stranger.Close()
	require.NoError(t, messages.Send(stranger, addr, messages.Ack{Block: 1}))
	_, data, err := messages.Receive(stranger, 2*time.Second)
	require.NoError(t, err)
	p, err := messages.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, messages.UnknownTransferID, p.(messages.Error).Code)

	// the real client ends the transfer
	require.NoError(t, messages.Send(conn, addr, messages.NewError(messages.NotDefined)))
	s.Wait()
}

func TestMarkovLossEndToEnd(t *testing.T) {
	root := t.TempDir()
	content := randomFile(t, filepath.Join(root, "f"), 20*512+3)
	cfg := core.ServerConfig{
		Config:  core.Config{Timeout: 100 * time.Millisecond, MaxRetries: 20, MarkovP: 0.1, MarkovQ: 0.3},
		RootDir: root,
	}
	s, err := Init(net.ParseIP("127.0.0.1"), 0, cfg)
	require.NoError(t, err)
	close := make(chan bool)
	go s.Listen(close)
	defer func() {
		s.StopListening(close)
		s.Wait()
		s.Conn.Close()
	}()

	ccfg := &core.ClientConfig{Config: cfg.Config, LocalDir: t.TempDir()}
	local := filepath.Join(ccfg.LocalDir, "f")
	_, err = client.GetFile("127.0.0.1", s.port(), "f", local, "octet", ccfg)
	if err != nil {
		// an unlucky run can still exhaust the retries
		assert.ErrorIs(t, err, transfer.ErrMaxRetriesExceeded)
		return
	}
	got, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestResolve(t *testing.T) {
	fs := fileStore{Root: "/srv/tftp"}
	good := map[string]string{
		"file":       "/srv/tftp/file",
		"a/b/c.txt":  "/srv/tftp/a/b/c.txt",
		"a/../b":     "/srv/tftp/b",
		"./x":        "/srv/tftp/x",
		"name..dots": "/srv/tftp/name..dots",
	}
	for name, want := range good {
		got, err := fs.resolve(name)
		assert.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	for _, name := range []string{"", ".", "..", "../x", "a/../../x", "/etc/passwd", "a\\b", "a\x00b"} {
		_, err := fs.resolve(name)
		assert.ErrorIs(t, err, errInvalidName, "%q", name)
	}
}

func assertNoPartFiles(t *testing.T, root string) {
	matches, err := filepath.Glob(filepath.Join(root, ".*.part"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
