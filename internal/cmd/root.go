// Package cmd provides the CLI commands for chatemu.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/chatemu/internal/config"
	"github.com/inercia/chatemu/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	logJSON       bool

	// Loaded configuration
	cfg *config.Config
	// resolvedConfigPath is the file cfg was loaded from, if it exists.
	resolvedConfigPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatemu",
	Short: "chatemu - a local emulator for chat bot conversations",
	Long: `chatemu runs a local stand-in for a chat bot channel.

Bots talk to it over the connector API as if it were the hosted channel,
and chat clients connect over Direct Line and a websocket push channel.
Sign-in cards are rewritten so OAuth flows complete locally.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for help and completion commands
		if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "version" {
			return nil
		}

		// Load configuration: --config flag, else $CHATEMURC, else the
		// platform default. A missing default file means defaults.
		path := configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		var err error
		if configPath != "" {
			cfg, err = config.Load(path)
		} else {
			cfg, err = config.LoadOrDefault(path)
		}
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		if fileExists(path) {
			resolvedConfigPath = path
		}

		// Initialize logging
		// Priority: --log-level flag > --debug flag > config file > default (info)
		logCfg := cfg.Log.Logging()
		flags := cmd.Flags()
		if flags.Changed("log-level") {
			logCfg.Level = logLevel
		} else if debug {
			logCfg.Level = "debug"
		}
		if flags.Changed("logfile") {
			logCfg.File = logFile
		}
		if flags.Changed("log-json") {
			logCfg.JSON = logJSON
		}
		if flags.Changed("log-components") {
			logCfg.Components = splitList(logComponents)
		}
		if err := logging.ValidateLevel(logCfg.Level); err != nil {
			return err
		}
		if err := logging.Initialize(logCfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $CHATEMURC or ~/.chatemurc)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'server,channel,oauth'). Empty means all components.")
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
