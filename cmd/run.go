package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [project] [track]",
	Short: "Execute pipeline steps on a project",
	Long: `Execute the specified pipeline steps on a project. Use -p to specify which steps to run.

  r  record a take onto the track (a new track when none is given)
  m  export the mix into the export directory
  p  play the project from the loop start

Record and play steps end when Enter is pressed.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rmp)")
		}

		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		t := target{project: args[0]}
		if len(args) > 1 {
			t.track = args[1]
		}
		p, err := openProject(cmd.Context(), svc, t.project)
		if err != nil {
			return err
		}
		fmt.Printf("Project: %s (%d tracks, %.0f BPM)\n", p.Name, len(p.Tracks), p.BPM)

		return runSteps(cmd.Context(), svc, t, []rune(strings.ToLower(pipeline)), waitForEnter)
	},
}
