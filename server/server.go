package server

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/markov"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/transfer"
)

type Server struct {
	// listening socket on the well-known port
	Conn    *markov.MarkovConn
	RootDir string
	// applied to every transfer session
	Config core.Config
	Log    *logrus.Entry

	files fileStore
	// reads with destination address control messages, nil if unsupported
	pc *ipv4.PacketConn

	sessions sync.WaitGroup
	active   atomic.Int32
}

// The values are checked with cfg.Validate before the socket is bound.
func Init(ip net.IP, port int, cfg core.ServerConfig) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	conn, err := markov.CreateServerSocket(ip, port, cfg.MarkovP, cfg.MarkovQ)
	if err != nil {
		return nil, fmt.Errorf("error while creating the socket: %w", err)
	}

	s := new(Server)
	s.Conn = conn
	s.RootDir = cfg.RootDir
	s.Config = cfg.Config
	s.Log = core.Logger.WithField("listen", conn.LocalAddr().String())
	s.files = fileStore{Root: cfg.RootDir, AllowOverwrite: cfg.AllowOverwrite}

	pc := ipv4.NewPacketConn(conn.UDPConn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		s.Log.WithError(err).Debug("no destination control messages, answering from the wildcard address")
	} else {
		s.pc = pc
	}
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.Conn.LocalAddr()
}

// Active returns the number of running transfers.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Wait blocks until every transfer started so far has ended.
func (s *Server) Wait() {
	s.sessions.Wait()
}

// the only purpose of the channel is to tell the function
// when to stop listening
func (s *Server) Listen(close chan bool) error {
	s.Log.Info("listening")
	for cont(close) {
		// short timeout to be responsive
		addr, dst, data, err := s.receive(100 * time.Millisecond)
		if os.IsTimeout(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error while receiving from UDP socket: %w", err)
		}
		s.dispatch(addr, dst, data)
	}
	return nil
}

// receive reads one datagram and the local address it was sent to, if known.
func (s *Server) receive(timeout time.Duration) (net.Addr, net.IP, []byte, error) {
	if s.pc == nil {
		addr, data, err := messages.Receive(s.Conn, timeout)
		return addr, nil, data, err
	}
	if err := s.pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, nil, err
	}
	buf := make([]byte, messages.MaxPacketSize+1)
	n, cm, addr, err := s.pc.ReadFrom(buf)
	if err != nil {
		return nil, nil, nil, err
	}
	var dst net.IP
	if cm != nil {
		dst = cm.Dst
	}
	return addr, dst, buf[:n], nil
}

var errorPrefix = []byte{0, byte(messages.OpERROR)}

func (s *Server) dispatch(addr net.Addr, dst net.IP, data []byte) {
	req, err := messages.DecodeRequest(data)
	if err != nil {
		if bytes.HasPrefix(data, errorPrefix) {
			// never answer an error with an error
			s.Log.WithField("peer", addr.String()).Debug("dropped ERROR packet on the listening port")
			return
		}
		code := messages.CodeOf(err)
		s.Log.WithField("peer", addr.String()).WithError(err).Warnf("invalid request, answering %s", code)
		if err := messages.Send(s.Conn, addr, messages.NewError(code)); err != nil {
			s.Log.WithError(err).Debug("error while sending")
		}
		return
	}

	log := core.PeerLogger(addr, req.File()).WithField("mode", req.TransferMode())
	log.Infof("%s received", req.Opcode())

	conn, err := markov.CreateServerSocket(s.localIP(dst), 0, s.Config.MarkovP, s.Config.MarkovQ)
	if err != nil {
		log.WithError(err).Error("could not create transfer socket")
		if err := messages.Send(s.Conn, addr, messages.NewError(messages.NotDefined)); err != nil {
			log.WithError(err).Debug("error while sending")
		}
		return
	}

	s.sessions.Add(1)
	s.active.Add(1)
	switch r := req.(type) {
	case messages.ReadRequest:
		go s.handleRRQ(conn, r, addr, log)
	case messages.WriteRequest:
		go s.handleWRQ(conn, r, addr, log)
	}
}

// localIP is the address transfer sockets are bound to: the one the request
// arrived on, so multi-homed hosts answer from the address that was asked.
func (s *Server) localIP(dst net.IP) net.IP {
	if dst != nil && !dst.IsUnspecified() {
		return dst
	}
	if laddr, ok := s.Conn.LocalAddr().(*net.UDPAddr); ok {
		return laddr.IP
	}
	return nil
}

func (s *Server) handleRRQ(conn net.PacketConn, req messages.ReadRequest, addr net.Addr, log *logrus.Entry) {
	defer s.done(conn)

	f, err := s.files.open(req.Filename)
	if err != nil {
		s.reject(conn, addr, err, log)
		return
	}
	defer f.Close()

	src, err := transfer.WrapSource(f, req.Mode)
	if err != nil {
		s.reject(conn, addr, err, log)
		return
	}
	session := transfer.NewSender(conn, addr, src, s.Config)
	session.Log = session.Log.WithField("file", req.Filename)
	session.Run()
}

func (s *Server) handleWRQ(conn net.PacketConn, req messages.WriteRequest, addr net.Addr, log *logrus.Entry) {
	defer s.done(conn)

	up, err := s.files.create(req.Filename)
	if err != nil {
		s.reject(conn, addr, err, log)
		return
	}
	sink, err := transfer.WrapSink(up, req.Mode)
	if err != nil {
		up.discard()
		s.reject(conn, addr, err, log)
		return
	}
	session := transfer.NewReceiver(conn, addr, sink, s.Config)
	session.Log = session.Log.WithField("file", req.Filename)
	committed := false
	// the file is in place before the client sees the final ACK
	session.Complete = func() error {
		if err := sink.Close(); err != nil {
			return err
		}
		if err := up.commit(); err != nil {
			return err
		}
		committed = true
		return nil
	}
	if _, err := session.Run(); err != nil && !committed {
		sink.Close()
		up.discard()
	}
}

func (s *Server) reject(conn net.PacketConn, addr net.Addr, err error, log *logrus.Entry) {
	code := transfer.CodeOf(err)
	log.WithError(err).Warnf("request rejected with %s", code)
	if err := messages.Send(conn, addr, messages.NewError(code)); err != nil {
		log.WithError(err).Debug("error while sending")
	}
}

func (s *Server) done(conn net.PacketConn) {
	conn.Close()
	s.active.Add(-1)
	s.sessions.Done()
}

func (s *Server) StopListening(cl chan bool) {
	cl <- false
}

// false if something is send to the close channel, else otherwise
// whether to continue the loop in the Listen method
func cont(cl chan bool) bool {
	select {
	case <-cl:
		return false
	default:
		return true
	}
}
