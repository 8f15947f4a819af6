package cmd

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/play"
	"github.com/audiolibrelab/jamz/internal/service"

	"github.com/spf13/cobra"
)

var mixCmd = &cobra.Command{
	Use:   "mix [project]",
	Short: "Render the project offline into the export directory",
	Long: `Render the audible tracks of the project into one file, honoring volume,
pan, mute and solo. With --stems every audio track is rendered on its own
instead. The range defaults to the project's loop region.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withStems, _ := cmd.Flags().GetBool("stems")
		return runExport(cmd, args[0], withStems)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a project as a mix or as per-track stems",
}

var exportMixCmd = &cobra.Command{
	Use:   "mix [project]",
	Short: "Export the mix of the audible tracks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd, args[0], false)
	},
}

var exportStemsCmd = &cobra.Command{
	Use:   "stems [project]",
	Short: "Export every audio track to its own file, ignoring mute and solo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(cmd, args[0], true)
	},
}

func init() {
	for _, c := range []*cobra.Command{mixCmd, exportMixCmd, exportStemsCmd} {
		c.Flags().StringP("format", "f", "", "output format: wav or mp3 (overrides config)")
		c.Flags().Float64("start", 0, "first beat of the range (default is the loop start)")
		c.Flags().Float64("end", 0, "last beat of the range (default is the loop end)")
	}
	for _, c := range []*cobra.Command{mixCmd, exportMixCmd} {
		c.Flags().Bool("listen", false, "open the written mix in an audio player")
		c.Flags().String("player", "", "audio player for --listen: vlc, mpv, ffplay or aplay (default is the first found)")
	}
	mixCmd.Flags().Bool("stems", false, "render every audio track to its own file")

	exportCmd.AddCommand(exportMixCmd)
	exportCmd.AddCommand(exportStemsCmd)
}

func runExport(cmd *cobra.Command, ref string, withStems bool) error {
	svc, err := newService(cmd.Context())
	if err != nil {
		return err
	}
	defer svc.Close()

	p, err := openProject(cmd.Context(), svc, ref)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	rng, err := rangeFlags(cmd, p.LoopStart, p.LoopEnd)
	if err != nil {
		return err
	}

	fmt.Printf("Mixing project: %s\n", p.Name)
	if rng != nil {
		fmt.Printf("Range: %.2f..%.2f beats\n", *rng.Start, *rng.End)
	} else {
		fmt.Printf("Range: %.2f..%.2f beats (loop region)\n", p.LoopStart, p.LoopEnd)
	}

	if withStems {
		paths, err := exportStems(cmd.Context(), svc, format, rng)
		if err != nil {
			return fmt.Errorf("stem export failed: %w", err)
		}
		for _, path := range paths {
			fmt.Printf("Stem written to %s\n", path)
		}
		return nil
	}

	path, err := exportMix(cmd.Context(), svc, format, rng)
	if err != nil {
		return fmt.Errorf("mixing failed: %w", err)
	}
	fmt.Printf("Mix written to %s\n", path)

	if listen, _ := cmd.Flags().GetBool("listen"); listen {
		player, _ := cmd.Flags().GetString("player")
		if err := play.New(player).Play(cmd.Context(), path); err != nil {
			return err
		}
		fmt.Println("Playback completed")
	}

	// Execute pipeline if specified
	return executePipeline(cmd.Context(), svc, target{project: p.ID}, 'm')
}

func rangeFlags(cmd *cobra.Command, start, end float64) (*engine.Range, error) {
	if !cmd.Flags().Changed("start") && !cmd.Flags().Changed("end") {
		return nil, nil
	}
	if cmd.Flags().Changed("start") {
		start, _ = cmd.Flags().GetFloat64("start")
	}
	if cmd.Flags().Changed("end") {
		end, _ = cmd.Flags().GetFloat64("end")
	}
	if end <= start {
		return nil, fmt.Errorf("invalid range %.2f..%.2f: end must be after start", start, end)
	}
	return engine.NewRange(start, end), nil
}

// exportMix renders the open project and writes it into the export directory
func exportMix(ctx context.Context, svc *service.JamzService, format string, rng *engine.Range) (string, error) {
	p := svc.CurrentProject()
	if p == nil {
		return "", service.ErrNoOpenProject
	}
	data, f, err := svc.ExportMix(ctx, format, rng)
	if err != nil {
		return "", err
	}
	return svc.WriteExport(p.Name, f, data)
}

func exportStems(ctx context.Context, svc *service.JamzService, format string, rng *engine.Range) ([]string, error) {
	p := svc.CurrentProject()
	if p == nil {
		return nil, service.ErrNoOpenProject
	}
	stems, f, err := svc.ExportStems(ctx, format, rng)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(stems))
	for _, stem := range stems {
		path, err := svc.WriteExport(p.Name+" "+stem.TrackName, f, stem.Data)
		if err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
