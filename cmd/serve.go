package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/jamz/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the web server for remote control",
	Long: `Start the Jamz web server. It exposes projects, the transport, recording,
exports and stem separation as a JSON API, and streams the transport state
over a websocket at /ws/transport.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		slog.Info("Jamz web server starting", "addr", addr, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks until interrupted)
		if err := server.New(svc, addr).Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		slog.Info("Jamz web server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address for the web server (default is server.addr from config)")
}
