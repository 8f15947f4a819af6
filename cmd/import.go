package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import [project] [track] [file]",
	Short: "Import an audio file as a clip",
	Long: `Decode an audio file and place it on a track. WAV and MP3 decode natively;
FLAC, OGG and WebM need ffmpeg.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[2]
		if !cfg.IsSupportedAudioFile(path) {
			return fmt.Errorf("unsupported audio file %s (supported: %s)", path, strings.Join(cfg.SupportedAudioExtensions, ", "))
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := openProject(cmd.Context(), svc, args[0])
		if err != nil {
			return err
		}
		t, err := resolveTrack(p, args[1])
		if err != nil {
			return err
		}

		start, _ := cmd.Flags().GetFloat64("start")
		clip, err := svc.ImportAudio(cmd.Context(), t.ID, filepath.Base(path), data, start)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s onto %s: %.2f beats at beat %.2f (%s)\n", clip.Name, t.Name, clip.LengthBeats, clip.StartBeat, clip.ID)
		return nil
	},
}

func init() {
	importCmd.Flags().Float64("start", 0, "beat to place the clip at")
}
