package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/alecthomas/kingpin.v2"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/client"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/core"
	"gitlab.lrz.de/protocol-design-sose-2022-team-0/tftp/server"
)

var (
	host       = kingpin.Arg("host", "Client: the server to talk to (hostname or IP address). Server: the address to listen on.").Required().ResolvedIP()
	port       = kingpin.Arg("port", "The server port.").Default("69").Int()
	command    = kingpin.Arg("command", "Client: get or put.").Enum("get", "put")
	filename   = kingpin.Arg("filename", "Client: the remote file name.").String()
	mode       = kingpin.Arg("mode", "Client: transfer mode, octet or netascii.").Default("octet").String()
	serverMode = kingpin.Flag("server", "Server mode: accept incoming requests from any host. Operate in client mode if “-s” is not specified.").Short('s').Default("false").Bool()
	fileDir    = kingpin.Flag("file-dir", "Server: Specify the directory containing the files that the server should serve. Client: Specify the directory downloads are written to and uploads are read from.").Short('d').Default(".").ExistingDir()
	timeout    = kingpin.Flag("timeout", "Time to wait for an answer before retransmitting.").Default("3s").Duration()
	retries    = kingpin.Flag("retries", "Retransmissions of one packet before a transfer is given up.").Default("3").Int()
	markovP    = kingpin.Flag("p", "Specify the loss probabilities for the Markov chain model.").Short('p').Default("0").Float64()
	markovQ    = kingpin.Flag("q", "Specify the loss probabilities for the Markov chain model.").Short('q').Default("0").Float64()
	overwrite  = kingpin.Flag("overwrite", "Server: let uploads replace existing files.").Bool()
	verbose    = kingpin.Flag("verbose", "Log every packet.").Short('v').Bool()
)

func main() {
	kingpin.Parse()
	core.SetVerbose(*verbose)

	cfg := core.Config{
		Timeout:    *timeout,
		MaxRetries: *retries,
		MarkovP:    *markovP,
		MarkovQ:    *markovQ,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *serverMode {
		if err := runServer(cfg); err != nil {
			core.Logger.WithError(err).Error("server stopped")
			os.Exit(1)
		}
		return
	}
	if err := runClient(cfg); err != nil {
		core.Logger.WithError(err).Error("transfer failed")
		os.Exit(1)
	}
}

func runServer(cfg core.Config) error {
	s, err := server.Init(*host, *port, core.ServerConfig{
		Config:         cfg,
		RootDir:        *fileDir,
		AllowOverwrite: *overwrite,
	})
	if err != nil {
		return fmt.Errorf("error creating server: %w", err)
	}
	defer s.Conn.Close()

	close := make(chan bool)
	return s.Listen(close)
}

func runClient(cfg core.Config) error {
	if *command == "" || *filename == "" {
		return fmt.Errorf("client mode needs <get|put> <filename> [<mode>]")
	}
	clientConfig := client.DefaultConfig
	clientConfig.Config = cfg
	clientConfig.LocalDir = *fileDir

	address := host.String()
	local := filepath.Join(clientConfig.LocalDir, filepath.Base(filepath.FromSlash(*filename)))
	log := core.PeerLogger(nil, *filename).WithField("server", net.JoinHostPort(address, fmt.Sprint(*port)))

	var err error
	switch *command {
	case "get":
		_, err = client.GetFile(address, *port, *filename, local, *mode, &clientConfig)
	case "put":
		_, err = client.PutFile(address, *port, *filename, local, *mode, &clientConfig)
	}
	if err != nil {
		return fmt.Errorf("%s %q: %w", *command, *filename, err)
	}
	log.Infof("%s finished", *command)
	return nil
}
