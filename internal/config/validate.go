// internal/config/validate.go
package config

import (
	"fmt"
	"net/netip"

	"go.uber.org/zap/zapcore"
)

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	c := cfg.Client
	if _, err := netip.ParseAddr(c.Broadcast); err != nil && !c.Etcd.Enabled() {
		return fmt.Errorf("client.broadcast %q: %w", c.Broadcast, err)
	}
	if c.Port == 0 {
		return fmt.Errorf("client.port must be set")
	}
	if c.Window <= 0 || c.Period <= 0 {
		return fmt.Errorf("client.window and client.period must be positive")
	}
	if c.Window > c.Period {
		return fmt.Errorf("client.window %s exceeds client.period %s", c.Window, c.Period)
	}
	if c.RefreshEvery < 0 || c.MaxAttempts < 0 {
		return fmt.Errorf("client.refresh_every and client.max_attempts must not be negative")
	}
	if c.IOTimeout < 0 || c.Timeout < 0 {
		return fmt.Errorf("client timeouts must not be negative")
	}

	s := cfg.Server
	if s.ListenPort == 0 {
		return fmt.Errorf("server.listen_port must be set")
	}
	switch s.Formula {
	case "", "shoelace", "legacy":
	default:
		return fmt.Errorf("server.formula %q: want shoelace or legacy", s.Formula)
	}
	if s.ReadTimeout < 0 {
		return fmt.Errorf("server.read_timeout must not be negative")
	}
	if s.MaxFrame < 0 {
		return fmt.Errorf("server.max_frame_bytes must not be negative")
	}
	if s.Etcd.Enabled() && s.Etcd.LeaseTTL <= 0 {
		return fmt.Errorf("server.etcd.lease_ttl must be positive")
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}
