package core

type ClientConfig struct {
	Config
	// LocalDir is where downloaded files are created and uploads are read from.
	LocalDir string
}
