package config

import (
	"flag"
	"time"
)

// EnvPrefix prefixes every environment variable the agent reads.
const EnvPrefix = "STACK_AGENT"

// Config holds the process-wide agent configuration. It is built once at
// startup and never mutated afterwards; changing it requires a restart.
type Config struct {
	// Addr is the controller-facing RPC listen address.
	Addr string `config:"addr"`

	// Codec names the RPC payload codec ("json" or "protobuf").
	Codec string `config:"codec"`

	MaxConns int    `config:"max.conns"`
	LogLevel string `config:"log.level"`

	// MonitorEnabled starts a Pending-Work Monitor for every registered stack.
	MonitorEnabled bool `config:"monitor"`

	// InlineCheck calls has-pending-work before every reactor step.
	InlineCheck bool `config:"inline.check"`

	// BridgeEnabled opens a Readiness Bridge for every registered stack.
	BridgeEnabled bool `config:"bridge"`

	// RetryWaitMS is the bridge timeout used after the first reactor wait.
	RetryWaitMS int `config:"retry.wait.ms"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Addr:        "127.0.0.1:7070",
		Codec:       "json",
		MaxConns:    64,
		LogLevel:    "info",
		RetryWaitMS: 100,
	}
}

// RetryWait returns RetryWaitMS as a duration.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.RetryWaitMS) * time.Millisecond
}

// Load builds a Config from the values held by m on top of Default.
func Load(m *Manager) (*Config, error) {
	cfg := Default()
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if cfg.RetryWaitMS <= 0 {
		cfg.RetryWaitMS = Default().RetryWaitMS
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = Default().MaxConns
	}
	return cfg, nil
}

// New loads configuration from the environment, an optional JSON file and
// command-line flags, in increasing order of precedence.
func New(args []string) (*Config, error) {
	m := NewManager()
	m.LoadFromEnv(EnvPrefix)

	fs := flag.NewFlagSet("stack-agent", flag.ContinueOnError)
	file := fs.String("config", "", "JSON configuration file")
	addr := fs.String("addr", "", "RPC listen address")
	codec := fs.String("codec", "", "RPC codec (json, protobuf)")
	monitor := fs.Bool("monitor", false, "start a pending-work monitor per stack")
	bridge := fs.Bool("bridge", false, "open a readiness bridge per stack")
	level := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *file != "" {
		if err := m.LoadFromJSON(*file); err != nil {
			return nil, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			m.Set("addr", *addr)
		case "codec":
			m.Set("codec", *codec)
		case "monitor":
			m.Set("monitor", *monitor)
		case "bridge":
			m.Set("bridge", *bridge)
		case "log-level":
			m.Set("log.level", *level)
		}
	})

	return Load(m)
}
