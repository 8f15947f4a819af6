package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

var (
	// ErrDecodeFailed is returned when audio data cannot be turned into PCM
	ErrDecodeFailed = errors.New("audio decode failed")
	// ErrUnsupportedFormat is returned when no decoder recognizes the data
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// FFmpegLogLevel is the -loglevel passed to ffmpeg, overridable with FFMPEG_LOGLEVEL
func FFmpegLogLevel() string {
	if level := os.Getenv("FFMPEG_LOGLEVEL"); level != "" {
		return level
	}
	return "error"
}

// Decoder turns encoded audio bytes into a PCM buffer
type Decoder interface {
	Decode(data []byte) (*Buffer, error)
}

// DefaultDecoder decodes WAV and MP3 natively and hands anything else
// (WebM/Opus, FLAC, OGG) to ffmpeg when it is installed.
type DefaultDecoder struct {
	FFmpegPath string
	// SampleRate is the rate ffmpeg resamples to. Native decoders keep the source rate.
	SampleRate int
}

// NewDecoder creates a decoder that falls back to ffmpeg found in PATH
func NewDecoder(sampleRate int) *DefaultDecoder {
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		path = ""
	}
	return &DefaultDecoder{FFmpegPath: path, SampleRate: sampleRate}
}

// Decode sniffs the container and decodes it
func (d *DefaultDecoder) Decode(data []byte) (*Buffer, error) {
	var (
		buf *Buffer
		err error
	)
	switch {
	case isWAV(data):
		buf, err = DecodeWAV(bytes.NewReader(data))
	case isMP3(data):
		buf, err = DecodeMP3(bytes.NewReader(data))
	case d.FFmpegPath != "":
		buf, err = d.decodeWithFFmpeg(data)
	default:
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, ErrUnsupportedFormat)
	}
	if err != nil {
		if errors.Is(err, ErrDecodeFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: no audio frames", ErrDecodeFailed)
	}
	return buf, nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// DecodeWAV decodes a RIFF/WAVE PCM stream
func DecodeWAV(r io.ReadSeeker) (*Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav file", ErrDecodeFailed)
	}
	bitDepth := int(dec.BitDepth)
	switch bitDepth {
	case 8, 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported bit depth %d", ErrDecodeFailed, bitDepth)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if pcm == nil || pcm.Format == nil || pcm.Format.NumChannels < 1 {
		return nil, fmt.Errorf("%w: invalid wav buffer", ErrDecodeFailed)
	}

	channels := pcm.Format.NumChannels
	frames := len(pcm.Data) / channels
	out := NewBuffer(channels, frames, pcm.Format.SampleRate)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out.Data[ch][i] = intSampleToFloat(pcm.Data[i*channels+ch], bitDepth)
		}
	}
	return out, nil
}

func intSampleToFloat(v int, bitDepth int) float32 {
	switch bitDepth {
	case 8:
		return float32(v-128) / 128
	case 16:
		return PCM16ToFloat(int16(v))
	default:
		return float32(float64(v) / float64(int64(1)<<(bitDepth-1)))
	}
}

// DecodeMP3 decodes an MPEG layer III stream into a stereo buffer
func DecodeMP3(r io.Reader) (*Buffer, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	// go-mp3 always yields 16-bit little-endian stereo
	raw = raw[:len(raw)-len(raw)%4]
	return NewBufferFromInterleaved(DecodePCM16LE(raw), 2, dec.SampleRate())
}

func (d *DefaultDecoder) decodeWithFFmpeg(data []byte) (*Buffer, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	cmd := exec.Command(d.FFmpegPath,
		"-hide_banner", "-loglevel", FFmpegLogLevel(),
		"-i", "pipe:0",
		"-f", "s16le",
		"-ac", "2",
		"-ar", strconv.Itoa(rate),
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Decoding audio with FFmpeg", "bytes", len(data), "sample_rate", rate)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("FFmpeg decoding failed: %w\nOutput: %s", err, stderr.String())
	}
	raw := stdout.Bytes()
	raw = raw[:len(raw)-len(raw)%4]
	return NewBufferFromInterleaved(DecodePCM16LE(raw), 2, rate)
}
