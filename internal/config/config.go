package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full agent configuration as read from config.yaml.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Agent      AgentConfig      `yaml:"agent"`
	Retry      RetryConfig      `yaml:"retry"`
	Spool      SpoolConfig      `yaml:"spool"`
	Artifact   ArtifactConfig   `yaml:"artifact"`
	Tools      ToolsConfig      `yaml:"tools"`
}

type ControllerConfig struct {
	URL   string    `yaml:"url"`
	Token string    `yaml:"token"`
	TLS   TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

type AgentConfig struct {
	ID                  string `yaml:"id"`
	WorkDir             string `yaml:"work_dir"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	Concurrency         int    `yaml:"concurrency"`
	OutputCapBytes      int    `yaml:"output_cap_bytes"`
	GraceSeconds        int    `yaml:"shutdown_grace_seconds"`
	HeartbeatSeconds    int    `yaml:"heartbeat_seconds"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	BackoffFactor  float64 `yaml:"backoff_factor"`
}

type SpoolConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// ArtifactConfig describes the SFTP drop for tool-produced files.
// An empty Host disables artifact delivery.
type ArtifactConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// ToolConfig names the external binary backing one tool kind.
type ToolConfig struct {
	Binary     string `yaml:"binary"`
	VersionArg string `yaml:"version_arg"`
}

type ToolsConfig struct {
	Scan    ToolConfig `yaml:"scan"`
	Fuzz    ToolConfig `yaml:"fuzz"`
	Capture ToolConfig `yaml:"capture"`
}

// Default returns the built-in configuration. Tool binaries follow the
// conventional names; deployments override them in config.yaml.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			PollIntervalSeconds: 10,
			Concurrency:         4,
			OutputCapBytes:      64 * 1024,
			GraceSeconds:        15,
			HeartbeatSeconds:    30,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialDelayMS: 1000,
			MaxDelayMS:     30000,
			BackoffFactor:  2.0,
		},
		Artifact: ArtifactConfig{Port: 22},
		Tools: ToolsConfig{
			Scan:    ToolConfig{Binary: "nmap", VersionArg: "--version"},
			Fuzz:    ToolConfig{Binary: "ffuf", VersionArg: "-V"},
			Capture: ToolConfig{Binary: "tcpdump", VersionArg: "--version"},
		},
	}
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/warden/config.yaml or ~/.config/warden/config.yaml.
// Secrets from secrets.env and the WARDEN_TOKEN env var override the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Merge secrets so the auth token never has to live in YAML.
	secrets, _ := LoadSecretsEnv("")
	if t, ok := secrets["WARDEN_TOKEN"]; ok && t != "" {
		cfg.Controller.Token = t
	}
	if v := os.Getenv("WARDEN_TOKEN"); v != "" {
		cfg.Controller.Token = v
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the agent cannot start with.
func (c Config) Validate() error {
	if c.Controller.URL == "" {
		return fmt.Errorf("config: controller.url is required")
	}
	if c.Controller.Token == "" {
		return fmt.Errorf("config: controller token is required (config, secrets.env or WARDEN_TOKEN)")
	}
	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("config: agent.concurrency must be positive, got %d", c.Agent.Concurrency)
	}
	if c.Agent.OutputCapBytes <= 0 {
		return fmt.Errorf("config: agent.output_cap_bytes must be positive, got %d", c.Agent.OutputCapBytes)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Agent.PollIntervalSeconds) * time.Second
}

func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Agent.GraceSeconds) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Agent.HeartbeatSeconds) * time.Second
}

// SpoolPath resolves the result spool location, defaulting under the
// config directory.
func (c Config) SpoolPath() string {
	if c.Spool.Path != "" {
		return c.Spool.Path
	}
	return filepath.Join(configDir(), "spool.db")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "warden")
}
