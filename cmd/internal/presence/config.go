package presence

import "time"

const (
	defaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultStormLimit     = 10
	defaultStormWindow    = time.Minute
)

// Config tunes the channel.
type Config struct {
	// ReconnectDelay is the fixed wait between a close and the next dial.
	ReconnectDelay time.Duration

	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration

	// StormLimit reconnects inside StormWindow are reported as a storm.
	// Reporting only; the reconnect cadence is unchanged.
	StormLimit  int
	StormWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: defaultReconnectDelay,
		DialTimeout:    defaultDialTimeout,
		StormLimit:     defaultStormLimit,
		StormWindow:    defaultStormWindow,
	}
}

func (c Config) normalized() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.StormLimit <= 0 {
		c.StormLimit = defaultStormLimit
	}
	if c.StormWindow <= 0 {
		c.StormWindow = defaultStormWindow
	}
	return c
}
