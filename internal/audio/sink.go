package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrSinkUnavailable is returned when no output device can be opened
var ErrSinkUnavailable = errors.New("audio output unavailable")

// Sink consumes rendered interleaved stereo frames. Write blocks for
// roughly the playback duration of the frames, which paces the context.
type Sink interface {
	Open(sampleRate, channels int) error
	Write(interleaved []float32) error
	Close() error
}

// NullSink discards audio at real-time speed
type NullSink struct {
	sampleRate int
	channels   int
	started    time.Time
	written    int64
}

// NewNullSink creates a sink that only keeps time
func NewNullSink() *NullSink {
	return &NullSink{}
}

func (s *NullSink) Open(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("%w: invalid format %d Hz x %d", ErrSinkUnavailable, sampleRate, channels)
	}
	s.sampleRate = sampleRate
	s.channels = channels
	s.started = time.Time{}
	s.written = 0
	return nil
}

func (s *NullSink) Write(interleaved []float32) error {
	if s.sampleRate == 0 {
		return fmt.Errorf("%w: sink not open", ErrSinkUnavailable)
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	s.written += int64(len(interleaved) / s.channels)
	due := s.started.Add(time.Duration(float64(s.written) / float64(s.sampleRate) * float64(time.Second)))
	if d := time.Until(due); d > 0 {
		time.Sleep(d)
	}
	return nil
}

func (s *NullSink) Close() error {
	return nil
}

// CommandSink pipes 16-bit PCM into an external player process
type CommandSink struct {
	// Player forces a specific program; empty selects the first one found
	Player string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	buf   []byte
}

// NewCommandSink creates a sink backed by player, or the first available one
func NewCommandSink(player string) *CommandSink {
	return &CommandSink{Player: player}
}

var sinkPlayers = []string{"pw-cat", "pacat", "aplay", "ffplay"}

// FindPlayer returns the first raw PCM player present in PATH
func FindPlayer() (string, error) {
	for _, player := range sinkPlayers {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("%w: no audio player found (tried: %s)", ErrSinkUnavailable, strings.Join(sinkPlayers, ", "))
}

func playerArgs(player string, sampleRate, channels int) ([]string, error) {
	rate := strconv.Itoa(sampleRate)
	ch := strconv.Itoa(channels)
	switch player {
	case "pw-cat":
		return []string{"--playback", "--format", "s16", "--rate", rate, "--channels", ch, "-"}, nil
	case "pacat":
		return []string{"--playback", "--format=s16le", "--rate=" + rate, "--channels=" + ch}, nil
	case "aplay":
		return []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}, nil
	case "ffplay":
		return []string{"-nodisp", "-loglevel", FFmpegLogLevel(), "-f", "s16le", "-ar", rate, "-ac", ch, "-i", "pipe:0"}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported player: %s", ErrSinkUnavailable, player)
	}
}

func (s *CommandSink) Open(sampleRate, channels int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	player := s.Player
	if player == "" {
		found, err := FindPlayer()
		if err != nil {
			return err
		}
		player = found
	}
	args, err := playerArgs(player, sampleRate, channels)
	if err != nil {
		return err
	}

	cmd := exec.Command(player, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stdin pipe: %w", ErrSinkUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start %s: %w", ErrSinkUnavailable, player, err)
	}
	slog.Debug("Audio output opened", "player", player, "sample_rate", sampleRate, "channels", channels)
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

func (s *CommandSink) Write(interleaved []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return fmt.Errorf("%w: sink not open", ErrSinkUnavailable)
	}
	s.buf = AppendPCM16LE(s.buf[:0], interleaved)
	if _, err := s.stdin.Write(s.buf); err != nil {
		return fmt.Errorf("audio output write failed: %w", err)
	}
	return nil
}

func (s *CommandSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	s.stdin.Close()
	done := make(chan error, 1)
	go func() {
		done <- s.cmd.Wait()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("Audio player did not exit within timeout, force killing")
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-done
	}
	s.cmd = nil
	s.stdin = nil
	return nil
}
