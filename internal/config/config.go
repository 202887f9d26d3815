// Package config holds the daemon's tunables and their environment overrides.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of tunables a daemon instance runs with.
type Config struct {
	P2PPort          int
	TactInterval     time.Duration
	PacketSize       int
	RouteTTL         time.Duration
	MaxMessageAge    time.Duration
	TTLInitial       int
	OutboxDrainLimit int
	ConnectTimeout   time.Duration
}

// Default returns the baseline configuration, then applies any environment
// overrides present.
func Default() *Config {
	cfg := &Config{
		P2PPort:          9000,
		TactInterval:     1500 * time.Millisecond,
		PacketSize:       4096,
		RouteTTL:         30 * time.Minute,
		MaxMessageAge:    300 * time.Second,
		TTLInitial:       20,
		OutboxDrainLimit: 5,
		ConnectTimeout:   5 * time.Second,
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.P2PPort = envInt("P2P_PORT", c.P2PPort)
	c.TactInterval = envDuration("TACT_INTERVAL", c.TactInterval)
	c.PacketSize = envInt("PACKET_SIZE", c.PacketSize)
	c.RouteTTL = envDuration("ROUTE_TTL", c.RouteTTL)
	c.MaxMessageAge = envDuration("MAX_MESSAGE_AGE", c.MaxMessageAge)
	c.TTLInitial = envInt("TTL_INITIAL", c.TTLInitial)
	c.OutboxDrainLimit = envInt("OUTBOX_DRAIN_LIMIT", c.OutboxDrainLimit)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envDuration reads an env var holding a number of seconds and falls back
// to def on any parse failure.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
