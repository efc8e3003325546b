package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tiancaiamao/chatbridge/pkg/logger"
)

// Config represents the application configuration.
type Config struct {
	Server ServerConfig `json:"server" toml:"server"`
	Agent  AgentConfig  `json:"agent" toml:"agent"`
	Store  StoreConfig  `json:"store" toml:"store"`

	// Models is the path of the model registry file (.json, .yaml or .yml).
	Models string `json:"models" toml:"models"`

	Limits LimitsConfig `json:"limits" toml:"limits"`

	// Logging configuration
	Log *LogConfig `json:"log,omitempty" toml:"log,omitempty"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr          string `json:"addr" toml:"addr"`
	PublicDir     string `json:"publicDir" toml:"public_dir"`
	UploadsDir    string `json:"uploadsDir" toml:"uploads_dir"`
	CLIParamsFile string `json:"cliParamsFile" toml:"cli_params_file"`
}

// AgentConfig controls how agent subprocesses are started.
type AgentConfig struct {
	// WorkDir is the agent working directory; empty means the server's.
	WorkDir string `json:"workDir,omitempty" toml:"work_dir,omitempty"`
	// TempDir holds per-turn prompt files; empty means os.TempDir().
	TempDir string `json:"tempDir,omitempty" toml:"temp_dir,omitempty"`
	// PermissionMode is passed to interactive agents.
	PermissionMode string `json:"permissionMode" toml:"permission_mode"`
	// KillGrace is the number of seconds between SIGTERM and SIGKILL.
	KillGrace int `json:"killGrace" toml:"kill_grace"`
	// Env holds KEY=VALUE pairs added to the agent environment.
	Env []string `json:"env,omitempty" toml:"env,omitempty"`
}

// StoreConfig selects the transcript store.
type StoreConfig struct {
	Driver string `json:"driver" toml:"driver"` // file or sqlite
	Dir    string `json:"dir" toml:"dir"`       // file driver
	DSN    string `json:"dsn" toml:"dsn"`       // sqlite driver
}

// LimitsConfig bounds what a single connection may send.
type LimitsConfig struct {
	MessagesPerSecond float64 `json:"messagesPerSecond" toml:"messages_per_second"`
	Burst             int     `json:"burst" toml:"burst"`
	MaxFrameBytes     int64   `json:"maxFrameBytes" toml:"max_frame_bytes"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level string `json:"level,omitempty" toml:"level,omitempty"` // Log level: debug, info, warn, error
	File  string `json:"file,omitempty" toml:"file,omitempty"`   // Log file path (empty = no file logging)
	JSON  bool   `json:"json,omitempty" toml:"json,omitempty"`   // JSON records instead of text
}

// Store drivers
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// DefaultPermissionMode is passed to interactive agents unless configured otherwise.
const DefaultPermissionMode = "bypassPermissions"

// BaseDir returns the directory holding configuration and data,
// honoring CHATBRIDGE_HOME if set.
func BaseDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("CHATBRIDGE_HOME")); override != "" {
		return override, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".chatbridge"), nil
}

// GetDefaultConfigPath returns the default config file path.
func GetDefaultConfigPath() (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.json"), nil
}

// Default returns the configuration used when no file is present.
func Default(base string) *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":3000",
			PublicDir:     filepath.Join(base, "public"),
			UploadsDir:    filepath.Join(base, "uploads"),
			CLIParamsFile: filepath.Join(base, "cli-params.json"),
		},
		Agent: AgentConfig{
			PermissionMode: DefaultPermissionMode,
			KillGrace:      3,
		},
		Store: StoreConfig{
			Driver: StoreFile,
			Dir:    filepath.Join(base, "conversations"),
			DSN:    filepath.Join(base, "chatbridge.db"),
		},
		Models: filepath.Join(base, "models.json"),
		Limits: LimitsConfig{
			MessagesPerSecond: 10,
			Burst:             20,
			MaxFrameBytes:     16 << 20,
		},
		Log: DefaultLogConfig(base),
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig(base string) *LogConfig {
	return &LogConfig{
		Level: "info",
		File:  filepath.Join(base, "chatbridge.log"),
	}
}

// CreateLogger creates a logger from the log configuration.
func (c *LogConfig) CreateLogger() (*logger.Logger, error) {
	if c == nil {
		c = &LogConfig{Level: "info"}
	}
	return logger.New(logger.Config{
		Level:    c.Level,
		Console:  true,
		FilePath: c.File,
		JSON:     c.JSON,
	})
}

// KillGraceDuration returns the kill grace period.
func (c AgentConfig) KillGraceDuration() time.Duration {
	if c.KillGrace <= 0 {
		return 0
	}
	return time.Duration(c.KillGrace) * time.Second
}

// LoadConfig loads configuration from file and merges with environment variables.
// Environment variables take precedence over config file values. A missing
// file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	base, err := BaseDir()
	if err != nil {
		return nil, err
	}
	cfg := Default(base)

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(configPath, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreFile, StoreSQLite:
	default:
		return fmt.Errorf("unknown store driver %q (want %s or %s)", c.Store.Driver, StoreFile, StoreSQLite)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is empty")
	}
	if c.Models == "" {
		return fmt.Errorf("models path is empty")
	}
	return nil
}

// SaveConfig saves configuration to file, as TOML when the path ends in .toml.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := Encode(cfg, configPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Encode renders cfg in the format implied by path.
func Encode(cfg *Config, path string) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return buf.Bytes(), nil
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return json.Unmarshal(data, cfg)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (c *Config) expandPaths() {
	c.Server.PublicDir = expandHome(c.Server.PublicDir)
	c.Server.UploadsDir = expandHome(c.Server.UploadsDir)
	c.Server.CLIParamsFile = expandHome(c.Server.CLIParamsFile)
	c.Agent.WorkDir = expandHome(c.Agent.WorkDir)
	c.Agent.TempDir = expandHome(c.Agent.TempDir)
	c.Store.Dir = expandHome(c.Store.Dir)
	c.Store.DSN = expandHome(c.Store.DSN)
	c.Models = expandHome(c.Models)
	if c.Log != nil {
		c.Log.File = expandHome(c.Log.File)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
