package encode

import (
	"encoding/binary"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/jamz/internal/audio"
)

// WAV encodes buf as a canonical 16-bit PCM RIFF/WAVE file
func WAV(buf *audio.Buffer) []byte {
	channels := buf.NumChannels()
	frames := buf.Len()
	dataSize := frames * channels * 2

	out := make([]byte, audio.WAVHeaderSize+dataSize)
	copy(out, audio.WAVHeader(buf.SampleRate, channels, dataSize))

	p := audio.WAVHeaderSize
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			binary.LittleEndian.PutUint16(out[p:], uint16(audio.FloatToPCM16(buf.Data[ch][i])))
			p += 2
		}
	}
	return out
}

// WriteWAVFile streams buf to a 16-bit PCM file at path
func WriteWAVFile(path string, buf *audio.Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	channels := buf.NumChannels()
	frames := buf.Len()
	pcm := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: buf.SampleRate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			pcm.Data[i*channels+ch] = int(audio.FloatToPCM16(buf.Data[ch][i]))
		}
	}

	enc := wav.NewEncoder(f, buf.SampleRate, 16, channels, 1)
	if err := enc.Write(pcm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return f.Close()
}
