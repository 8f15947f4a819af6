package cmd

import (
	"fmt"
	"runtime"

	"github.com/audiolibrelab/jamz/internal/audio"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long:  `List the capture ports that can be used in definitions.inputs[].sources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := audio.ListSources(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get audio sources: %w", err)
		}

		fmt.Printf("🎵 Audio Sources (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		fmt.Printf("📋 SOURCES (%d found):\n", len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		if cfg != nil && cfg.Input != nil {
			fmt.Printf("\n🎙  Active input: %s (%s, %s)\n", cfg.Input.Name, cfg.Input.Backend, cfg.Input.AudioMode)
		}

		fmt.Printf("\n💡 Usage:\n")
		fmt.Printf("  • Format: \"Device: Audio (hw:X,Y):Z\" or \"Application:port\"\n")
		fmt.Printf("  • Example: \"Scarlett 2i2 USB: Audio (hw:1,0):0\"\n")
		fmt.Printf("  • Configure in definitions.inputs[].sources: [\"Device: Audio (hw:1,0):0\"]\n\n")

		return nil
	},
}
