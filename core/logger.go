package core

import (
	"net"
	"os"

	"github.com/sirupsen/logrus"
)

var Logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetVerbose enables per-packet debug logging.
func SetVerbose(verbose bool) {
	if verbose {
		Logger.SetLevel(logrus.DebugLevel)
	} else {
		Logger.SetLevel(logrus.InfoLevel)
	}
}

// PeerLogger returns an entry tagged with the remote address and file of a transfer.
func PeerLogger(peer net.Addr, file string) *logrus.Entry {
	fields := logrus.Fields{"file": file}
	if peer != nil {
		fields["peer"] = peer.String()
	}
	return Logger.WithFields(fields)
}
