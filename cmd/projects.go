package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/service"
	"github.com/audiolibrelab/jamz/internal/store"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:     "projects",
	Aliases: []string{"project"},
	Short:   "Manage projects",
	Long:    `List, create, inspect and delete Jamz projects.`,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		summaries, err := svc.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No projects yet. Create one with 'jamz projects create <name>'")
			return nil
		}
		fmt.Printf("📋 PROJECTS (%d found):\n", len(summaries))
		for i, s := range summaries {
			fmt.Printf("  %d. %s  %s  (updated %s)\n", i+1, s.Name, s.ID, s.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var projectsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create an empty project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		p, err := svc.CreateProject(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		bpm, _ := cmd.Flags().GetFloat64("bpm")
		if bpm > 0 && bpm != p.BPM {
			p.BPM = bpm
			if p, err = svc.SaveProject(cmd.Context(), p); err != nil {
				return err
			}
		}
		fmt.Printf("Created project %s (%s) at %.0f BPM\n", p.Name, p.ID, p.BPM)
		return nil
	},
}

var projectsShowCmd = &cobra.Command{
	Use:   "show [project]",
	Short: "Show tracks, clips and export paths of a project",
	Args:  cobra.ExactArgs(1),
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
		printProject(svc, p)
		return nil
	},
}

var projectsDeleteCmd = &cobra.Command{
	Use:   "delete [project]",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		id, err := resolveProject(cmd.Context(), svc, args[0])
		if err != nil {
			return err
		}
		if err := svc.DeleteProject(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Deleted project %s\n", id)
		return nil
	},
}

var tracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "Manage the tracks of a project",
}

var tracksAddCmd = &cobra.Command{
	Use:   "add [project] [name]",
	Short: "Add a track to a project",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := openProject(cmd.Context(), svc, args[0]); err != nil {
			return err
		}
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		kind, _ := cmd.Flags().GetString("type")
		t, err := svc.AddTrack(cmd.Context(), name, project.TrackKind(kind))
		if err != nil {
			return err
		}
		fmt.Printf("Added %s track %s (%s)\n", t.Kind, t.Name, t.ID)
		return nil
	},
}

func init() {
	projectsCreateCmd.Flags().Float64("bpm", 120, "project tempo")
	tracksAddCmd.Flags().String("type", string(project.KindAudio), "track type: audio or midi")

	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsCreateCmd)
	projectsCmd.AddCommand(projectsShowCmd)
	projectsCmd.AddCommand(projectsDeleteCmd)
	tracksCmd.AddCommand(tracksAddCmd)
}

// resolveProject accepts a project id or a case-insensitive name
func resolveProject(ctx context.Context, svc service.Service, ref string) (string, error) {
	summaries, err := svc.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	var matches []store.Summary
	for _, s := range summaries {
		if s.ID == ref {
			return s.ID, nil
		}
		if strings.EqualFold(s.Name, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("project '%s': %w", ref, store.ErrNoProject)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("project name '%s' is ambiguous (%d matches), use the id", ref, len(matches))
	}
}

func openProject(ctx context.Context, svc service.Service, ref string) (*project.Project, error) {
	id, err := resolveProject(ctx, svc, ref)
	if err != nil {
		return nil, err
	}
	return svc.OpenProject(ctx, id)
}

// resolveTrack accepts a track id or a case-insensitive name
func resolveTrack(p *project.Project, ref string) (*project.Track, error) {
	if t := p.Track(ref); t != nil {
		return t, nil
	}
	for _, t := range p.Tracks {
		if strings.EqualFold(t.Name, ref) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("track '%s' not found in project %s", ref, p.Name)
}

// resolveClip accepts a clip id or a case-insensitive name
func resolveClip(p *project.Project, ref string) (*project.Clip, error) {
	if _, c := p.FindClip(ref); c != nil {
		return c, nil
	}
	for _, t := range p.Tracks {
		for _, c := range t.Clips {
			if strings.EqualFold(c.Name, ref) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("clip '%s' not found in project %s", ref, p.Name)
}

func printProject(svc *service.JamzService, p *project.Project) {
	format := svc.GetConfig().Export.Format

	fmt.Printf("=== PROJECT ===\n")
	fmt.Printf("name: %s\n", p.Name)
	fmt.Printf("id: %s\n", p.ID)
	fmt.Printf("tempo: %.1f BPM %d/%d\n", p.BPM, p.TimeSignature[0], p.TimeSignature[1])
	fmt.Printf("loop: %.2f..%.2f beats (enabled=%t)\n", p.LoopStart, p.LoopEnd, p.LoopEnabled)

	fmt.Printf("\n=== TRACKS ===\n")
	for i, t := range p.Tracks {
		flags := ""
		if t.Mute {
			flags += " [muted]"
		}
		if t.Solo {
			flags += " [solo]"
		}
		fmt.Printf("%d. %s (%s) %s volume=%.2f pan=%.2f%s\n", i+1, t.Name, t.Kind, t.ID, t.Volume, t.Pan, flags)
		for _, c := range t.Clips {
			fmt.Printf("   - %s %s start=%.2f length=%.2f offset=%.2fs gain=%.2f\n",
				c.Name, c.ID, c.StartBeat, c.LengthBeats, c.StartOffset(), c.EffectiveGain())
		}
	}

	fmt.Printf("\n=== EXPORT PATHS ===\n")
	if f, err := encode.ParseFormat(format); err == nil {
		fmt.Printf("mix: %s\n", svc.ExportPath(p.Name, f))
		for _, t := range p.Tracks {
			fmt.Printf("stem: %s\n", svc.ExportPath(p.Name+" "+t.Name, f))
		}
	}
}
