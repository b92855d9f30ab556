package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/transfer"
)

var DefaultConfig = core.ClientConfig{
	Config:   core.DefaultConfig,
	LocalDir: ".",
}

// Get requests filename from the server at serverAddr and writes the
// received bytes to sink. The request is retransmitted until the first
// DATA arrives; its source port becomes the server's transfer ID.
func Get(conn net.PacketConn, serverAddr net.Addr, filename string, mode string, sink io.Writer, cfg core.Config) (transfer.Stats, error) {
	s := transfer.NewReceiver(conn, serverAddr, sink, cfg)
	s.Log = s.Log.WithField("file", filename)
	return s.RunRequest(messages.ReadRequest{Filename: filename, Mode: mode})
}

// Put asks the server at serverAddr to store filename and sends it the
// bytes of source once the request is acknowledged.
func Put(conn net.PacketConn, serverAddr net.Addr, filename string, mode string, source io.Reader, cfg core.Config) (transfer.Stats, error) {
	s := transfer.NewSender(conn, serverAddr, source, cfg)
	s.Log = s.Log.WithField("file", filename)
	return s.RunRequest(messages.WriteRequest{Filename: filename, Mode: mode})
}

// GetFile downloads filename from address:port into localFilename. The
// data is received into a part file next to it, so a failed download
// leaves an existing localFilename untouched.
func GetFile(address string, port int, filename string, localFilename string, mode string, cfg *core.ClientConfig) (transfer.Stats, error) {
	if _, ok := messages.ParseMode(mode); !ok {
		return transfer.Stats{}, fmt.Errorf("unknown transfer mode %q", mode)
	}
	conn, serverAddr, err := markov.CreateClientSocket(address, port, cfg.MarkovP, cfg.MarkovQ)
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("create client socket: %w", err)
	}
	defer conn.Close()

	f, err := os.CreateTemp(filepath.Dir(localFilename), "."+filepath.Base(localFilename)+".*.part")
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("create part file for %s: %w", localFilename, err)
	}
	part := f.Name()
	sink, err := transfer.WrapSink(f, mode)
	if err != nil {
		f.Close()
		os.Remove(part)
		return transfer.Stats{}, err
	}

	stats, err := Get(conn, serverAddr, filename, mode, sink, cfg.Config)
	if cerr := sink.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("write %s: %w", part, cerr)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", part, cerr)
	}
	if err == nil {
		if err = os.Chmod(part, 0o644); err == nil {
			err = os.Rename(part, localFilename)
		}
	}
	if err != nil {
		os.Remove(part)
		return stats, err
	}
	return stats, nil
}

// PutFile uploads localFilename to address:port under filename.
func PutFile(address string, port int, filename string, localFilename string, mode string, cfg *core.ClientConfig) (transfer.Stats, error) {
	f, err := os.Open(localFilename)
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("open file %s: %w", localFilename, err)
	}
	defer f.Close()
	src, err := transfer.WrapSource(f, mode)
	if err != nil {
		return transfer.Stats{}, err
	}

	conn, serverAddr, err := markov.CreateClientSocket(address, port, cfg.MarkovP, cfg.MarkovQ)
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("create client socket: %w", err)
	}
	defer conn.Close()

	return Put(conn, serverAddr, filename, mode, src, cfg.Config)
}
