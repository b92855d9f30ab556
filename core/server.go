package core

import (
	"fmt"
	"os"
)

type ServerConfig struct {
	Config
	// RootDir is the only directory tree served; requests cannot escape it.
	RootDir string
	// AllowOverwrite lets write requests replace existing files instead of
	// failing with FileAlreadyExists.
	AllowOverwrite bool
}

func (c *ServerConfig) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	info, err := os.Stat(c.RootDir)
	if err != nil {
		return fmt.Errorf("root_dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root_dir %s is not a directory", c.RootDir)
	}
	return nil
}
