package audio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// captureClient is the JACK client name ffmpeg registers under pw-jack
const captureClient = "jamz_input"

// FFmpegInput captures from PipeWire (JACK), PulseAudio or ALSA through an ffmpeg process
type FFmpegInput struct {
	opts     InputOptions
	backend  BackendType
	pipewire *PipeWire
}

// Options returns the device configuration
func (in *FFmpegInput) Options() InputOptions {
	return in.opts
}

// Args returns the command line used to start capture
func (in *FFmpegInput) Args() []string {
	var args []string
	switch in.backend {
	case BackendTypePipeWire:
		args = append(args, "pw-jack", in.opts.FFmpegPath,
			"-hide_banner", "-loglevel", FFmpegLogLevel(),
			"-f", "jack", "-channels", strconv.Itoa(in.opts.Channels), "-i", captureClient)
	case BackendTypePulse:
		args = append(args, in.opts.FFmpegPath,
			"-hide_banner", "-loglevel", FFmpegLogLevel(),
			"-f", "pulse", "-i", in.opts.Device)
	case BackendTypeALSA:
		args = append(args, in.opts.FFmpegPath,
			"-hide_banner", "-loglevel", FFmpegLogLevel(),
			"-f", "alsa", "-i", in.opts.Device)
	}
	return append(args,
		"-ar", strconv.Itoa(in.opts.SampleRate),
		"-ac", strconv.Itoa(in.opts.Channels),
		"-f", "s16le",
		"pipe:1",
	)
}

// Open starts the capture process
func (in *FFmpegInput) Open(ctx context.Context) (InputStream, error) {
	args := in.Args()
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %w", ErrDeviceUnavailable, args[0], err)
	}
	if in.backend == BackendTypePipeWire {
		for _, source := range in.opts.Sources {
			if err := in.pipewire.ValidatePort(ctx, source); err != nil {
				return nil, err
			}
		}
	}

	cmd := exec.Command(args[0], args[1:]...)
	if in.backend == BackendTypePipeWire {
		cmd.Env = append(os.Environ(), "PIPEWIRE_QUANTUM=256/48000", "PIPEWIRE_LATENCY=256/48000")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	slog.Info("Starting FFmpeg capture", "command", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, classifyInputError(err, "")
	}

	linkCtx, cancel := context.WithCancel(context.Background())
	s := &ffmpegStream{
		cmd:        cmd,
		stdout:     stdout,
		sampleRate: in.opts.SampleRate,
		channels:   in.opts.Channels,
		cancel:     cancel,
		stderrDone: make(chan struct{}),
	}
	go s.readStderr(stderr)

	if in.backend == BackendTypePipeWire && len(in.opts.Sources) > 0 {
		go in.linkSources(linkCtx)
	}
	return s, nil
}

// linkSources connects the configured ports to the ffmpeg JACK inputs
func (in *FFmpegInput) linkSources(ctx context.Context) {
	for i, source := range in.opts.Sources {
		if i >= in.opts.Channels {
			break
		}
		if source == "" || source == "disabled" {
			continue
		}
		destPort := fmt.Sprintf("%s:input_%d", captureClient, i+1)
		if err := in.pipewire.WaitForPort(ctx, destPort, 5*time.Second); err != nil {
			slog.Error("FFmpeg JACK port did not appear", "port", destPort, "error", err)
			continue
		}
		if err := in.pipewire.ConnectPortsWithRetry(ctx, source, destPort); err != nil {
			slog.Error("Failed to connect input source", "source", source, "dest", destPort, "error", err)
			continue
		}
		slog.Info("Connected input source", "source", source, "dest", destPort)
	}
}

// classifyInputError maps capture failures onto the recorder error taxonomy
func classifyInputError(err error, stderr string) error {
	msg := strings.ToLower(stderr)
	if err != nil {
		msg += " " + strings.ToLower(err.Error())
	}
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "eacces"), strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(stderr))
	case errors.Is(err, exec.ErrNotFound),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "device or resource busy"),
		strings.Contains(msg, "cannot connect"),
		strings.Contains(msg, "unable to register"):
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(stderr))
	}
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, strings.TrimSpace(stderr))
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

type ffmpegStream struct {
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	sampleRate int
	channels   int
	cancel     context.CancelFunc

	mu         sync.Mutex
	stderrBuf  strings.Builder
	stderrDone chan struct{}
	closed     bool
}

func (s *ffmpegStream) SampleRate() int { return s.sampleRate }
func (s *ffmpegStream) Channels() int   { return s.channels }

func (s *ffmpegStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			<-s.stderrDone
			if msg := s.stderr(); msg != "" {
				return n, classifyInputError(nil, msg)
			}
		}
	}
	return n, err
}

func (s *ffmpegStream) readStderr(pipe io.Reader) {
	defer close(s.stderrDone)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.stderrBuf.WriteString(line + "\n")
		s.mu.Unlock()
		slog.Debug("FFmpeg output", "stream", "stderr", "line", line)
	}
}

func (s *ffmpegStream) stderr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.stderrBuf.String())
}

// Close interrupts ffmpeg and waits for it, force killing after a timeout
func (s *ffmpegStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	if s.cmd.Process != nil {
		slog.Debug("Sending SIGINT to FFmpeg process")
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to send interrupt to FFmpeg, killing", "error", err)
			s.cmd.Process.Kill()
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- s.cmd.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				// 255 is ffmpeg's exit code after a graceful interrupt
				if exitErr.ExitCode() == 255 || exitErr.ExitCode() == -1 {
					return nil
				}
			}
			return fmt.Errorf("FFmpeg process failed: %w\nOutput: %s", err, s.stderr())
		}
		return nil
	case <-time.After(5 * time.Second):
		slog.Warn("FFmpeg did not exit within timeout, force killing")
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-done
		return nil
	}
}
