package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/service"
	"github.com/audiolibrelab/jamz/internal/stems"

	"github.com/spf13/cobra"
)

var stemsCmd = &cobra.Command{
	Use:   "stems [project] [clip]",
	Short: "Separate a clip into stems",
	Long: `Send a clip to the stem separation service configured in stems.endpoint.
When the service is unreachable the stems are approximated locally with
band filters and marked as such.

With --add-tracks each stem becomes a new track aligned with the clip.
Otherwise the stems are written into the export directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := newService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := openProject(ctx, svc, args[0])
		if err != nil {
			return err
		}
		clip, err := resolveClip(p, args[1])
		if err != nil {
			return err
		}

		opts := service.SeparateOptions{}
		opts.Quality, _ = cmd.Flags().GetString("quality")
		opts.AddTracks, _ = cmd.Flags().GetBool("add-tracks")
		names, _ := cmd.Flags().GetStringSlice("stems")
		for _, name := range names {
			opts.Stems = append(opts.Stems, stems.StemType(strings.ToLower(strings.TrimSpace(name))))
		}

		fmt.Printf("Separating clip: %s\n", clip.Name)
		done := make(chan struct{})
		go reportProgress(ctx, svc, done)
		results, err := svc.SeparateClip(ctx, clip.ID, opts)
		close(done)
		fmt.Println()
		if err != nil {
			return err
		}

		for _, r := range results {
			fmt.Printf("  %s (%s)\n", r.Type, r.Provenance)
		}
		if opts.AddTracks {
			fmt.Printf("Added %d stem tracks to %s\n", len(results), p.Name)
			return nil
		}
		if err := os.MkdirAll(svc.GetConfig().Export.Directory, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
		for _, r := range results {
			if r.Buffer == nil {
				continue
			}
			path := svc.ExportPath(clip.Name+" "+string(r.Type), encode.FormatWAV)
			if err := encode.WriteWAVFile(path, r.Buffer); err != nil {
				return err
			}
			fmt.Printf("Stem written to %s\n", path)
		}
		return nil
	},
}

func init() {
	stemsCmd.Flags().StringSlice("stems", nil, "stems to separate: vocals, drums, bass, other, piano, guitar (default vocals,drums,bass,other)")
	stemsCmd.Flags().String("quality", "", "separation quality: fast, balanced or high (overrides config)")
	stemsCmd.Flags().Bool("add-tracks", false, "add every stem as a new track of the project")
}

func reportProgress(ctx context.Context, svc service.Service, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr := svc.StemsProgress()
			fmt.Printf("\r%-12s %3.0f%% %s   ", pr.Status, pr.Progress, pr.Message)
		}
	}
}
