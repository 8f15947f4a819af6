package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/jamz/internal/config"
	"github.com/audiolibrelab/jamz/internal/service"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "jamz [project] [track]",
	Short: "Multitrack jam sessions with looping, recording and stem separation",
	Long: `Jamz is a multitrack audio workstation for jam sessions.

Projects hold tracks of audio clips placed on a beat grid. The transport
loops a region while you record new takes over it, and finished sessions
can be exported as a mix, as per-track stems, or split into stems by a
separation service.

When a project is provided, it acts as 'jamz run [project] [track]'.`,
	Args: cobra.MaximumNArgs(2),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel)

		// config init writes the file the other commands read
		if cmd.Name() == "init" {
			return nil
		}

		// Use default config path if it exists
		if cfgFile == "" {
			if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
				cfgFile = config.DefaultConfigPath()
			}
		}

		var err error
		cfg, err = config.Load(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// If a project is provided, delegate to run command
		if len(args) > 0 {
			return runCmd.RunE(cmd, args)
		}
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/jamz.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, m=mix, p=play (e.g., 'rmp', 'mp', 'rm')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(tracksCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mixCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(stemsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1, 2, 3:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

	// Set environment variables for maximum tracing (level 3)
	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
	if level >= 2 {
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}

// newService builds the service from the loaded configuration
func newService(ctx context.Context) (*service.JamzService, error) {
	svc, err := service.New(ctx, service.Options{Config: cfg, ConfigFile: cfgFile})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}
