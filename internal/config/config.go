package config

// config.go — YAML configuration for the bridge: backend command, transport
// limits, logging, and metrics.

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Filename is the configuration file looked up in the working directory.
const Filename = "lsp-bridge.yaml"

// Config is the full bridge configuration.
type Config struct {
	Backend   Backend   `yaml:"backend"`
	Transport Transport `yaml:"transport"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Workspace Workspace `yaml:"workspace"`
}

// Backend describes how to launch the language server.
type Backend struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`

	// DebugArgs are placed before Args when Debug is set, e.g. a JDWP agent
	// for a JVM server.
	Debug     bool     `yaml:"debug,omitempty"`
	DebugArgs []string `yaml:"debug_args,omitempty"`
}

// Argv returns the arguments to pass to Command.
func (b Backend) Argv() []string {
	if !b.Debug {
		return append([]string(nil), b.Args...)
	}
	return append(append([]string(nil), b.DebugArgs...), b.Args...)
}

// Transport holds JSON-RPC transport settings.
type Transport struct {
	RequestTimeout          Duration `yaml:"request_timeout"`
	MaxBufferBytes          int      `yaml:"max_buffer_bytes,omitempty"`
	RejectUnhandledRequests bool     `yaml:"reject_unhandled_requests,omitempty"`
}

// Log configures zerolog output.
type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Console    bool   `yaml:"console,omitempty"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr,omitempty"`
}

// Workspace describes the documents handed to the backend.
type Workspace struct {
	Root       string `yaml:"root,omitempty"`
	LanguageID string `yaml:"language_id"`
}

// Duration is a time.Duration written as "10s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Transport: Transport{RequestTimeout: Duration(10 * time.Second)},
		Log:       Log{Level: "info", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28},
		Workspace: Workspace{LanguageID: "plaintext"},
	}
}

// Load reads path on top of Default. A missing file is not an error when
// path is the default file name.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = Filename
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == Filename {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.Command == "" {
		errs = append(errs, errors.New("backend.command is required"))
	}
	if c.Transport.RequestTimeout <= 0 {
		errs = append(errs, errors.New("transport.request_timeout must be positive"))
	}
	if c.Transport.MaxBufferBytes < 0 {
		errs = append(errs, errors.New("transport.max_buffer_bytes must not be negative"))
	}
	return errors.Join(errs...)
}
