// Package config loads the dashboard configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

// Config is the dashboard configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Console    ConsoleConfig    `yaml:"console"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	EventBus   EventBusConfig   `yaml:"eventBus"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ConsoleConfig controls how consoles reach agents.
type ConsoleConfig struct {
	// Mode is "live" (websocket to the agent facade) or "demo" (simulator).
	Mode transport.Mode `yaml:"mode"`
	// URL overrides endpoint resolution for every agent in live mode.
	URL          string        `yaml:"url"`
	PingInterval time.Duration `yaml:"pingInterval"`
	MailboxSize  int           `yaml:"mailboxSize"`
	// ScriptPath is an optional simulator script, reloaded on change.
	ScriptPath string          `yaml:"scriptPath"`
	Simulator  SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig holds the demo pacing.
type SimulatorConfig struct {
	ConnectDelay time.Duration `yaml:"connectDelay"`
	ChunkDelay   time.Duration `yaml:"chunkDelay"`
	ToolDelay    time.Duration `yaml:"toolDelay"`
}

// KubernetesConfig controls AgentRuntime endpoint resolution.
type KubernetesConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ClusterDomain string `yaml:"clusterDomain"`
}

// EventBusConfig selects where console activity is mirrored.
type EventBusConfig struct {
	// Backend is "none", "memory" or "nats".
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"serviceName"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool `yaml:"development"`
	Verbosity   int  `yaml:"verbosity"`
}

// Event bus backends.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	timing := transport.DefaultSimulatorTiming()
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Console: ConsoleConfig{
			Mode:         transport.ModeDemo,
			PingInterval: 30 * time.Second,
			MailboxSize:  64,
			Simulator: SimulatorConfig{
				ConnectDelay: timing.ConnectDelay,
				ChunkDelay:   timing.ChunkDelay,
				ToolDelay:    timing.ToolDelay,
			},
		},
		EventBus: EventBusConfig{Backend: BackendNone},
		Tracing:  TracingConfig{ServiceName: "sympozium-dashboard"},
	}
}

// Load reads the configuration file at path on top of Default.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or an empty
// string when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.Console.Mode {
	case transport.ModeLive, transport.ModeDemo:
	default:
		return fmt.Errorf("console.mode %q must be %q or %q", c.Console.Mode, transport.ModeLive, transport.ModeDemo)
	}
	if c.Console.Mode == transport.ModeLive && c.Console.URL == "" && !c.Kubernetes.Enabled {
		return errors.New("console.url is required in live mode unless kubernetes is enabled")
	}
	if c.Console.MailboxSize < 0 {
		return errors.New("console.mailboxSize must not be negative")
	}
	switch c.EventBus.Backend {
	case "", BackendNone, BackendMemory:
	case BackendNATS:
		if c.EventBus.URL == "" {
			return errors.New("eventBus.url is required for the nats backend")
		}
	default:
		return fmt.Errorf("unknown eventBus.backend %q", c.EventBus.Backend)
	}
	return nil
}

// SimulatorTiming converts the simulator settings for the transport.
func (c ConsoleConfig) SimulatorTiming() transport.SimulatorTiming {
	return transport.SimulatorTiming{
		ConnectDelay: c.Simulator.ConnectDelay,
		ChunkDelay:   c.Simulator.ChunkDelay,
		ToolDelay:    c.Simulator.ToolDelay,
	}
}
