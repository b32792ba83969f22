package settlement

import "time"

// Config controls settlement batch sizes and per-job timeouts.
type Config struct {
	BatchSize  int
	JobTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:  100,
		JobTimeout: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
