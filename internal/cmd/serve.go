package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/chatemu/internal/config"
	"github.com/inercia/chatemu/internal/emulator"
	"github.com/inercia/chatemu/internal/logging"
)

var (
	servePort        int
	serveHost        string
	serveChannelPort int
	serveBotEndpoint string
	serveAppID       string
	serveAppPassword string
	serveTunnel      string
	serveWatch       bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the emulator",
	Long: `Start the emulator HTTP server and the websocket push channel.

The bot endpoint can come from the configuration file or the command line.
A bot given on the command line is added in front of the configured ones and
becomes the default.

Example:
  chatemu serve                                               # Start on port 9000
  chatemu serve --port 0                                      # Use a random port
  chatemu serve --bot http://localhost:3978/api/messages      # Talk to a local bot
  chatemu serve --tunnel "ngrok http ${PORT}"                # Expose the server to remote bots`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultServerPort, "HTTP server port. Use 0 for random port")
	cmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "HTTP server host")
	cmd.Flags().IntVar(&serveChannelPort, "channel-port", config.DefaultChannelPort, "Websocket push channel port. Use -1 for random port")
	cmd.Flags().StringVar(&serveBotEndpoint, "bot", "", "Bot endpoint URL, e.g. http://localhost:3978/api/messages")
	cmd.Flags().StringVar(&serveAppID, "app-id", "", "App ID of the bot given with --bot")
	cmd.Flags().StringVar(&serveAppPassword, "app-password", "", "App password of the bot given with --bot")
	cmd.Flags().StringVar(&serveTunnel, "tunnel", "", "Tunnel agent command; ${PORT} is replaced with the server port")
	cmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload bot endpoints when the configuration file changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	effective, err := applyServeFlags(cmd, cfg)
	if err != nil {
		return err
	}

	watchPath := ""
	if serveWatch && resolvedConfigPath != "" {
		watchPath = resolvedConfigPath
	}
	emu, err := emulator.New(emulator.Options{
		Config:     effective,
		ConfigPath: watchPath,
		Logger:     logging.Server(),
	})
	if err != nil {
		return fmt.Errorf("failed to create emulator: %w", err)
	}

	fmt.Printf("🤖 Starting chat emulator...\n")
	if len(effective.Bots) == 0 {
		fmt.Printf("   No bots configured (clients must send endpoint headers)\n")
	}
	for _, b := range effective.Bots {
		fmt.Printf("   Bot %s: %s\n", b.ID, b.Endpoint)
	}
	if resolvedConfigPath != "" {
		fmt.Printf("   Config: %s\n", resolvedConfigPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := emu.Startup(ctx, effective.Server.Port); err != nil {
		emu.Shutdown(context.Background())
		return err
	}
	fmt.Printf("   Server URL: %s\n", emu.URL())
	fmt.Printf("   Push channel: %s\n", emu.Acceptor().URL())
	fmt.Printf("\n   Press Ctrl+C to stop\n\n")

	<-ctx.Done()
	fmt.Println("\n👋 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := emu.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// applyServeFlags returns a copy of base with explicitly set flags applied.
// Flags override the file; unset flags never do.
func applyServeFlags(cmd *cobra.Command, base *config.Config) (*config.Config, error) {
	out := config.Default()
	if base != nil {
		cp := *base
		cp.Bots = append([]config.BotConfig(nil), base.Bots...)
		out = &cp
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		out.Server.Port = servePort
	}
	if flags.Changed("host") {
		out.Server.Host = serveHost
	}
	if flags.Changed("channel-port") {
		out.Channel.Port = serveChannelPort
	}
	if flags.Changed("tunnel") {
		out.Tunnel.Command = serveTunnel
		out.Tunnel.Enabled = serveTunnel != ""
	}
	if serveBotEndpoint != "" {
		bot := config.BotConfig{
			ID:          "cli",
			Name:        "Command line bot",
			Endpoint:    serveBotEndpoint,
			AppID:       serveAppID,
			AppPassword: serveAppPassword,
		}
		bots := []config.BotConfig{bot}
		for _, b := range out.Bots {
			if b.ID != bot.ID {
				bots = append(bots, b)
			}
		}
		out.Bots = bots
	} else if flags.Changed("app-id") || flags.Changed("app-password") {
		return nil, fmt.Errorf("--app-id and --app-password require --bot")
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
