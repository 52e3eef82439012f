package session

import "time"

const (
	defaultRefreshLead    = 2 * time.Minute
	defaultRefreshFloor   = 30 * time.Second
	defaultRefreshTimeout = 30 * time.Second
)

// Config tunes refresh scheduling.
type Config struct {
	// RefreshLead is how long before expiry the refresh should fire.
	RefreshLead time.Duration

	// RefreshFloor is the minimum scheduling delay. A computed delay at or
	// below the floor triggers the refresh immediately.
	RefreshFloor time.Duration

	// RefreshTimeout bounds a single refresh call so a hung request cannot
	// hold the in-progress guard forever.
	RefreshTimeout time.Duration

	// AdminRole is the role value that grants admin operations.
	AdminRole string

	// PrimeOnStart issues a refresh right after a resumed identity check so
	// the expiry clock is armed for cookie-resurrected sessions.
	PrimeOnStart bool
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		RefreshLead:    defaultRefreshLead,
		RefreshFloor:   defaultRefreshFloor,
		RefreshTimeout: defaultRefreshTimeout,
		AdminRole:      "admin",
		PrimeOnStart:   true,
	}
}

func (c Config) normalized() Config {
	if c.RefreshLead <= 0 {
		c.RefreshLead = defaultRefreshLead
	}
	if c.RefreshFloor <= 0 {
		c.RefreshFloor = defaultRefreshFloor
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = defaultRefreshTimeout
	}
	if c.AdminRole == "" {
		c.AdminRole = "admin"
	}
	return c
}
