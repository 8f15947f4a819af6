package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [project] [track]",
	Short: "Record a take onto a track",
	Long: `Record from the configured input while the project plays. The take is
inserted as a clip on the track at the beat recording started. Without a
track a new one is created.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := target{project: args[0]}
		if len(args) > 1 {
			t.track = args[1]
		}
		slog.Info("Record command started", "project", t.project, "track", t.track)

		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := openProject(cmd.Context(), svc, t.project)
		if err != nil {
			return err
		}

		if from, _ := cmd.Flags().GetFloat64("from"); cmd.Flags().Changed("from") {
			if err := svc.Seek(cmd.Context(), from); err != nil {
				return err
			}
		} else if err := svc.Seek(cmd.Context(), p.LoopStart); err != nil {
			return err
		}

		clip, err := recordTake(cmd.Context(), svc, t.track, waitForInterrupt)
		if err != nil {
			return err
		}
		if t.track == "" {
			// later steps record onto the same track
			if tr, _ := svc.CurrentProject().FindClip(clip.ID); tr != nil {
				t.track = tr.ID
			}
		}

		// Execute pipeline if specified
		return executePipeline(cmd.Context(), svc, t, 'r')
	},
}

func init() {
	recordCmd.Flags().Float64("from", 0, "beat to start recording at (default is the loop start)")
}
