package core

import (
	"fmt"
	"time"
)

// Config holds the knobs shared by client and server sessions.
type Config struct {
	// Timeout bounds every wait for a reply; it restarts with each wait.
	Timeout time.Duration
	// MaxRetries is the number of retransmissions of one packet before the
	// transfer is given up.
	MaxRetries int

	// Loss probabilities of the Markov chain model applied to outgoing datagrams.
	MarkovP float64
	MarkovQ float64
}

var DefaultConfig = Config{
	Timeout:    3 * time.Second,
	MaxRetries: 3,
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.MarkovP > 1 || c.MarkovP < 0 || c.MarkovQ > 1 || c.MarkovQ < 0 {
		return fmt.Errorf("p and/or q values for the markov chain are invalid")
	}
	return nil
}
