package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the results client and relay.
type Config struct {
	Client    Client    `yaml:"client"`
	Transport Transport `yaml:"transport"`
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Relay     Relay     `yaml:"relay"`
	Logging   Logging   `yaml:"logging"`
}

// Client controls the live results session.
type Client struct {
	View                string `yaml:"view"`
	DiscardStaleBatches bool   `yaml:"discard_stale_batches"`
	ConnectAttempts     int    `yaml:"connect_attempts"`
	RecorderQueue       int    `yaml:"recorder_queue"`
}

// Transport selects and configures the pub/sub adapter.
type Transport struct {
	Kind           string        `yaml:"kind"`
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	Prefix         string        `yaml:"prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Transport kinds.
const (
	KindMemory    = "memory"
	KindNATS      = "nats"
	KindWebSocket = "websocket"
	KindGRPC      = "grpc"
)

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	Archive    bool   `yaml:"archive"`
}

// Server holds the HTTP control API listener.
type Server struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	TriggerPerMin int    `yaml:"trigger_per_min"`
}

// Relay holds the relay listeners.
type Relay struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
	WSPort   int    `yaml:"ws_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = KindMemory
	}
	if c.Transport.Name == "" {
		c.Transport.Name = "results-client"
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = 5 * time.Second
	}
	if c.Client.ConnectAttempts == 0 {
		c.Client.ConnectAttempts = 5
	}
	if c.Client.RecorderQueue == 0 {
		c.Client.RecorderQueue = 1024
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "results.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.TriggerPerMin == 0 {
		c.Server.TriggerPerMin = 60
	}
	if c.Relay.GRPCPort == 0 {
		c.Relay.GRPCPort = 9090
	}
	if c.Relay.WSPort == 0 {
		c.Relay.WSPort = 9091
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case KindMemory:
	case KindNATS, KindWebSocket, KindGRPC:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for %s", c.Transport.Kind)
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}

	for name, port := range map[string]int{
		"server.port":     c.Server.Port,
		"relay.grpc_port": c.Relay.GRPCPort,
		"relay.ws_port":   c.Relay.WSPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}

	if c.Client.ConnectAttempts < 0 {
		return errors.New("client.connect_attempts must not be negative")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RESULTS_TRANSPORT"); v != "" {
		cfg.Transport.Kind = v
	}
	if v := os.Getenv("RESULTS_URL"); v != "" {
		cfg.Transport.URL = v
	}
	if v := os.Getenv("RESULTS_VIEW"); v != "" {
		cfg.Client.View = v
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	return nil
}
