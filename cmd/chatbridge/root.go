package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/tiancaiamao/chatbridge/pkg/config"
	"github.com/tiancaiamao/chatbridge/pkg/logger"
	"github.com/tiancaiamao/chatbridge/pkg/transcript"
)

var (
	configPath string
	debug      bool

	version = "dev"
	commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "Chat with command-line AI agents from the browser",
	Long: `chatbridge serves a browser chat UI and relays each conversation to a
locally installed agent CLI, streaming its output back as chat events.

Agents are declared in the models file (models.json or models.yaml):

  {
    "claude": {"label": "Claude", "cmd": "claude", "args": [],
               "models": ["sonnet"], "format": "stream-json"}
  }`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.chatbridge/config.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(serveCmd, modelsCmd, configCmd, conversationsCmd)
}

// loadConfig reads the configuration named by --config, or the default one.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.GetDefaultConfigPath()
		if err != nil {
			return nil, "", fmt.Errorf("failed to get config path: %w", err)
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if debug {
		if cfg.Log == nil {
			cfg.Log = &config.LogConfig{}
		}
		cfg.Log.Level = "debug"
	}
	return cfg, path, nil
}

// setup loads the configuration and installs the default logger.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := cfg.Log.CreateLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	slog.SetDefault(log.Logger)
	slog.Debug("Configuration loaded", "path", path)
	return cfg, log, nil
}

// openStore opens the configured transcript store.
func openStore(cfg *config.Config) (transcript.Store, error) {
	switch cfg.Store.Driver {
	case config.StoreSQLite:
		return transcript.OpenSQLiteStore(cfg.Store.DSN)
	default:
		return transcript.NewFileStore(cfg.Store.Dir)
	}
}
