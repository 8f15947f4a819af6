package audio

import (
	"context"
	"fmt"
	"strings"
)

// BackendType selects how capture devices are reached
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypePulse    BackendType = "pulse"
	BackendTypeALSA     BackendType = "alsa"
	BackendTypeAuto     BackendType = "auto"
)

// InputOptions configures a capture device
type InputOptions struct {
	Backend string
	// Device is the pulse/alsa device name
	Device string
	// Sources are the PipeWire ports linked into the capture client, one per channel
	Sources    []string
	SampleRate int
	Channels   int
	FFmpegPath string
}

// NewInputDevice builds the capture device for the configured backend
func NewInputDevice(opts InputOptions) (InputDevice, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultSampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Channels > 2 {
		return nil, fmt.Errorf("input channels must be 1 or 2, got: %d", opts.Channels)
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Device == "" {
		opts.Device = "default"
	}

	backend := determineBackend(opts.Backend)
	switch backend {
	case BackendTypePipeWire, BackendTypePulse, BackendTypeALSA:
		return &FFmpegInput{opts: opts, backend: backend, pipewire: NewPipeWire()}, nil
	default:
		return nil, fmt.Errorf("unknown input backend: %s", opts.Backend)
	}
}

func determineBackend(name string) BackendType {
	switch strings.ToLower(name) {
	case "", "auto", "pipewire", "jack":
		return BackendTypePipeWire
	case "pulse", "pulseaudio":
		return BackendTypePulse
	case "alsa":
		return BackendTypeALSA
	default:
		return BackendType(name)
	}
}

// GetAvailableBackends lists the capture backends this build can drive
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire, BackendTypePulse, BackendTypeALSA}
}

// ListSources returns the PipeWire/JACK ports that can be linked as input sources
func ListSources(ctx context.Context) ([]string, error) {
	return NewPipeWire().ListPorts(ctx)
}

// ValidateSource checks a single PipeWire source port
func ValidateSource(ctx context.Context, source string) error {
	return NewPipeWire().ValidatePort(ctx, source)
}
