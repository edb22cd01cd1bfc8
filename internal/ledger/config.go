package ledger

import "fmt"

const (
	defaultBusyTimeout = 5000
	defaultDBFile      = "ledger.db"
	defaultLimit       = 50
)

// Config holds the ledger configuration.
type Config struct {
	// Path is the database file path. Defaults to {DataDir}/ledger.db.
	Path string `yaml:"path"`

	// WAL enables WAL journal mode for concurrent reads. Defaults to true.
	WAL *bool `yaml:"wal"`

	// BusyTimeout is the milliseconds to wait on a busy lock. Defaults to 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// Disabled turns the ledger off entirely.
	Disabled bool `yaml:"disabled"`
}

func (c *Config) defaults() {
	if c.WAL == nil {
		t := true
		c.WAL = &t
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
}

func (c *Config) walEnabled() bool {
	return c.WAL == nil || *c.WAL
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BusyTimeout < 0 {
		return fmt.Errorf("ledger: busy_timeout must be non-negative, got %d", c.BusyTimeout)
	}
	return nil
}
