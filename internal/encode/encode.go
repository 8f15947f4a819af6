// Package encode turns rendered buffers into WAV and MP3 files.
package encode

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/jamz/internal/audio"
)

// Format is an export file format
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// ParseFormat accepts a format name case-insensitively
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimPrefix(s, "."))) {
	case FormatWAV:
		return FormatWAV, nil
	case FormatMP3:
		return FormatMP3, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s (expected wav or mp3)", s)
	}
}

// Extension returns the file extension without a dot
func (f Format) Extension() string {
	return string(f)
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	if f == FormatMP3 {
		return "audio/mpeg"
	}
	return "audio/wav"
}

// Encoder encodes buffers in any supported format
type Encoder struct {
	// NewMp3 builds the MP3 encoder for each export
	NewMp3  Mp3EncoderFactory
	Bitrate int
}

// NewEncoder returns an encoder that uses ffmpeg for MP3 output
func NewEncoder(ffmpegPath string, bitrate int) *Encoder {
	return &Encoder{NewMp3: FFmpegMp3Factory(ffmpegPath), Bitrate: bitrate}
}

// Encode renders buf as format
func (e *Encoder) Encode(buf *audio.Buffer, format Format) ([]byte, error) {
	switch format {
	case FormatWAV:
		return WAV(buf), nil
	case FormatMP3:
		if e.NewMp3 == nil {
			return nil, fmt.Errorf("mp3 encoding is not configured")
		}
		return MP3(buf, e.NewMp3, e.Bitrate)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}
