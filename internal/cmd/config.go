package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	embeddedconfig "github.com/inercia/chatemu/config"
	"github.com/inercia/chatemu/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatemu configuration",
	Long: `Manage chatemu configuration files.

Use the subcommands to create or inspect configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file.

This command writes the embedded default configuration (config.default.yaml)
to the specified path, or to the default location ($CHATEMURC or ~/.chatemurc).

Examples:
  chatemu config create                          # Create ~/.chatemurc
  chatemu config create --output /path/to/file   # Create /path/to/file
  chatemu config create --force                  # Overwrite existing file`,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults are applied. App passwords and the
signing secret are masked.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Path of the config file to write (default: $CHATEMURC or ~/.chatemurc)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	// Check if file already exists
	if fileExists(path) && !configForce {
		fmt.Fprintf(cmd.OutOrStdout(), "⚠️  Configuration file already exists: %s\n", path)
		fmt.Fprintln(cmd.OutOrStdout(), "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Configuration file created: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "Next steps:")
	fmt.Fprintln(cmd.OutOrStdout(), "  1. Add your bot endpoints under 'bots'")
	fmt.Fprintln(cmd.OutOrStdout(), "  2. Run 'chatemu serve' to start the emulator")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	masked := *cfg
	masked.Bots = append(masked.Bots[:0:0], cfg.Bots...)
	for i := range masked.Bots {
		if masked.Bots[i].AppPassword != "" {
			masked.Bots[i].AppPassword = "********"
		}
	}
	if masked.OAuth.Secret != "" {
		masked.OAuth.Secret = "********"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
