// Package play opens rendered exports in a desktop audio player.
package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// players in order of preference
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

// Player plays finished files with an external program
type Player struct {
	// Name is the program to use. Empty picks the first one found in PATH.
	Name     string
	lookPath func(string) (string, error)
}

func New(name string) *Player {
	return &Player{Name: name, lookPath: exec.LookPath}
}

// Play blocks until the file has been played or ctx is done
func (p *Player) Play(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := p.find()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}
	args, err := playerArgs(player, path)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, player, args...)
	slog.Debug("Starting playback", "player", player, "file", path)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

func (p *Player) find() (string, error) {
	if p.Name != "" {
		if _, err := p.lookPath(p.Name); err != nil {
			return "", fmt.Errorf("%s: %w", p.Name, err)
		}
		return p.Name, nil
	}
	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(player, path string) ([]string, error) {
	switch filepath.Base(player) {
	case "vlc":
		return []string{"--play-and-exit", path}, nil
	case "mpv":
		return []string{"--no-video", path}, nil
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", path}, nil
	case "aplay":
		// aplay only reads WAV files
		if !strings.EqualFold(filepath.Ext(path), ".wav") {
			return nil, fmt.Errorf("aplay requires WAV format, got %s", filepath.Ext(path))
		}
		return []string{path}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}
