package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [project]",
	Short: "Play a project through the configured output",
	Long: `Play the project through the output configured in audio.output. Playback
loops the project's loop region when looping is enabled and otherwise stops
after the last clip.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := openProject(cmd.Context(), svc, args[0])
		if err != nil {
			return err
		}

		if loop, _ := cmd.Flags().GetBool("loop"); cmd.Flags().Changed("loop") && loop != p.LoopEnabled {
			p.LoopEnabled = loop
			if p, err = svc.SaveProject(cmd.Context(), p); err != nil {
				return err
			}
		}

		var from *float64
		if cmd.Flags().Changed("from") {
			beat, _ := cmd.Flags().GetFloat64("from")
			from = &beat
		}

		fmt.Printf("Playing project: %s\n", p.Name)
		if err := playProject(cmd.Context(), svc, from, waitForInterrupt); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		return executePipeline(cmd.Context(), svc, target{project: p.ID}, 'p')
	},
}

func init() {
	playCmd.Flags().Float64("from", 0, "beat to start playing at (default is the loop start)")
	playCmd.Flags().Bool("loop", false, "enable or disable looping of the loop region")
}
