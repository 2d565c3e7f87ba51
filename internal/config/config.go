// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ---- CLIENT ----

type ClientConfig struct {
	Broadcast    string        `yaml:"broadcast"`
	Port         uint16        `yaml:"port"`
	Bind         string        `yaml:"bind"` // empty binds an ephemeral port
	Period       time.Duration `yaml:"period"`
	Window       time.Duration `yaml:"window"`
	RefreshEvery int           `yaml:"refresh_every"`
	IOTimeout    time.Duration `yaml:"io_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"timeout"`
	ClosePolygon bool          `yaml:"close_polygon"`

	// Etcd replaces broadcast discovery when set.
	Etcd EtcdConfig `yaml:"etcd"`
}

// ---- SERVER ----

type ServerConfig struct {
	ListenPort  uint16        `yaml:"listen_port"`
	AdminAddr   string        `yaml:"admin_addr"` // empty disables the admin server
	Formula     string        `yaml:"formula"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	MaxFrame    int64         `yaml:"max_frame_bytes"`
	NodeID      string        `yaml:"node_id"`   // generated when empty
	Advertise   string        `yaml:"advertise"` // address registered in etcd
	Respond     bool          `yaml:"respond"`   // answer broadcast probes

	Etcd EtcdConfig `yaml:"etcd"`
}

// ---- ETCD ----

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
	LeaseTTL  int64    `yaml:"lease_ttl"`
}

func (e EtcdConfig) Enabled() bool { return len(e.Endpoints) > 0 }

// ---- LOG ----

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Client: ClientConfig{
			Broadcast:    "255.255.255.255",
			Port:         12345,
			Period:       5 * time.Second,
			Window:       time.Second,
			RefreshEvery: 64,
			IOTimeout:    time.Second,
			MaxAttempts:  16,
			Etcd:         EtcdConfig{Prefix: "/polyarea/nodes/", LeaseTTL: 10},
		},
		Server: ServerConfig{
			ListenPort: 12345,
			AdminAddr:  ":8080",
			Formula:    "shoelace",
			MaxFrame:   64 << 20,
			Respond:    true,
			Etcd:       EtcdConfig{Prefix: "/polyarea/nodes/", LeaseTTL: 10},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}
