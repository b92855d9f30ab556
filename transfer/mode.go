package transfer

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"pack.ag/tftp/netascii"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/messages"
)

// WrapSource prepares a byte source for sending in the given mode. In
// netascii mode local line endings are translated to CR LF on the wire.
func WrapSource(r io.Reader, mode string) (io.Reader, error) {
	m, ok := messages.ParseMode(mode)
	if !ok {
		return nil, fmt.Errorf("unknown transfer mode %q", mode)
	}
	if m == messages.ModeOctet {
		return r, nil
	}
	nr := &netasciiReader{src: r, chunk: make([]byte, messages.BlockSize)}
	nr.enc = netascii.NewWriter(&nr.buf)
	return nr, nil
}

// WrapSink prepares a byte sink for receiving in the given mode. The
// returned writer must be closed to flush the last translated bytes.
func WrapSink(w io.Writer, mode string) (io.WriteCloser, error) {
	m, ok := messages.ParseMode(mode)
	if !ok {
		return nil, fmt.Errorf("unknown transfer mode %q", mode)
	}
	if m == messages.ModeOctet {
		return nopCloser{w}, nil
	}
	return newNetasciiSink(w), nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// netasciiReader pulls from src and pushes through the encoder into buf.
type netasciiReader struct {
	src   io.Reader
	enc   io.Writer
	buf   bytes.Buffer
	chunk []byte
	eof   bool
}

func (r *netasciiReader) Read(p []byte) (int, error) {
	for r.buf.Len() < len(p) && !r.eof {
		n, err := r.src.Read(r.chunk)
		if n > 0 {
			if _, werr := r.enc.Write(r.chunk[:n]); werr != nil {
				return 0, werr
			}
		}
		if err == io.EOF {
			r.eof = true
			if f, ok := r.enc.(interface{ Flush() error }); ok {
				if err := f.Flush(); err != nil {
					return 0, err
				}
			}
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if r.buf.Len() == 0 && r.eof {
		return 0, io.EOF
	}
	return r.buf.Read(p)
}

// netasciiSink feeds written bytes through the decoder on a pipe.
type netasciiSink struct {
	pw    *io.PipeWriter
	done  chan error
	close sync.Once
	err   error
}

func newNetasciiSink(w io.Writer) *netasciiSink {
	pr, pw := io.Pipe()
	s := &netasciiSink{pw: pw, done: make(chan error, 1)}
	go func() {
		var dec io.Reader = netascii.NewReader(pr)
		_, err := io.Copy(w, dec)
		// unblock the writer if the destination failed
		pr.CloseWithError(err)
		s.done <- err
	}()
	return s
}

func (s *netasciiSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *netasciiSink) Close() error {
	s.close.Do(func() {
		s.pw.Close()
		s.err = <-s.done
	})
	return s.err
}
