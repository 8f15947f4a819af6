package encode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/audiolibrelab/jamz/internal/audio"
)

const (
	// Mp3BlockSize is the number of frames handed to the encoder per call
	Mp3BlockSize = 1152
	// DefaultMp3Bitrate is the export bitrate in kbps
	DefaultMp3Bitrate = 192
)

// Mp3Encoder is a streaming MP3 encoder. Each call may return zero or more
// bytes of output; the file is the concatenation of all returned blobs.
type Mp3Encoder interface {
	EncodeBlock(left, right []int16) ([]byte, error)
	Flush() ([]byte, error)
}

// Mp3EncoderFactory creates an encoder for one file
type Mp3EncoderFactory func(sampleRate, channels, kbps int) (Mp3Encoder, error)

// MP3 encodes buf in blocks of Mp3BlockSize frames. Mono buffers are
// duplicated to both channels.
func MP3(buf *audio.Buffer, factory Mp3EncoderFactory, kbps int) ([]byte, error) {
	if buf.NumChannels() == 0 {
		return nil, fmt.Errorf("cannot encode empty buffer")
	}
	if kbps <= 0 {
		kbps = DefaultMp3Bitrate
	}
	enc, err := factory(buf.SampleRate, 2, kbps)
	if err != nil {
		return nil, fmt.Errorf("failed to create mp3 encoder: %w", err)
	}

	left := toPCM16(buf.Data[0])
	right := left
	if buf.NumChannels() > 1 {
		right = toPCM16(buf.Data[1])
	}

	var out bytes.Buffer
	for i := 0; i < len(left); i += Mp3BlockSize {
		end := i + Mp3BlockSize
		if end > len(left) {
			end = len(left)
		}
		chunk, err := enc.EncodeBlock(left[i:end], right[i:end])
		if err != nil {
			return nil, fmt.Errorf("mp3 encoding failed at frame %d: %w", i, err)
		}
		out.Write(chunk)
	}
	tail, err := enc.Flush()
	if err != nil {
		return nil, fmt.Errorf("mp3 flush failed: %w", err)
	}
	out.Write(tail)
	return out.Bytes(), nil
}

func toPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = audio.FloatToPCM16(s)
	}
	return out
}

// FFmpegMp3Factory returns a factory producing LAME encoders run through ffmpeg
func FFmpegMp3Factory(ffmpegPath string) Mp3EncoderFactory {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return func(sampleRate, channels, kbps int) (Mp3Encoder, error) {
		return NewFFmpegMp3Encoder(ffmpegPath, sampleRate, channels, kbps)
	}
}

// FFmpegMp3Encoder streams PCM into an ffmpeg libmp3lame process
type FFmpegMp3Encoder struct {
	channels int
	cmd      *exec.Cmd
	stdin    io.WriteCloser

	mu      sync.Mutex
	pending bytes.Buffer
	stderr  bytes.Buffer
	done    chan struct{}
	scratch []byte
}

// NewFFmpegMp3Encoder starts the encoder process
func NewFFmpegMp3Encoder(ffmpegPath string, sampleRate, channels, kbps int) (*FFmpegMp3Encoder, error) {
	if _, err := exec.LookPath(ffmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	cmd := exec.Command(ffmpegPath,
		"-hide_banner", "-loglevel", audio.FFmpegLogLevel(),
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-c:a", "libmp3lame",
		"-b:a", strconv.Itoa(kbps)+"k",
		"-f", "mp3",
		"pipe:1",
	)
	e := &FFmpegMp3Encoder{channels: channels, cmd: cmd, done: make(chan struct{})}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = &lockedWriter{mu: &e.mu, w: &e.stderr}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	e.stdin = stdin
	go e.readOutput(stdout)
	slog.Debug("Started FFmpeg mp3 encoder", "sample_rate", sampleRate, "channels", channels, "kbps", kbps)
	return e, nil
}

func (e *FFmpegMp3Encoder) readOutput(r io.Reader) {
	defer close(e.done)
	io.Copy(&lockedWriter{mu: &e.mu, w: &e.pending}, r)
}

func (e *FFmpegMp3Encoder) drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]byte(nil), e.pending.Bytes()...)
	e.pending.Reset()
	return out
}

// EncodeBlock feeds one block and returns whatever output is ready
func (e *FFmpegMp3Encoder) EncodeBlock(left, right []int16) ([]byte, error) {
	if len(left) != len(right) {
		return nil, fmt.Errorf("channel length mismatch: %d != %d", len(left), len(right))
	}
	e.scratch = e.scratch[:0]
	var tmp [2]byte
	for i := range left {
		binary.LittleEndian.PutUint16(tmp[:], uint16(left[i]))
		e.scratch = append(e.scratch, tmp[0], tmp[1])
		if e.channels > 1 {
			binary.LittleEndian.PutUint16(tmp[:], uint16(right[i]))
			e.scratch = append(e.scratch, tmp[0], tmp[1])
		}
	}
	if _, err := e.stdin.Write(e.scratch); err != nil {
		return nil, fmt.Errorf("FFmpeg write failed: %w", err)
	}
	return e.drain(), nil
}

// Flush ends the stream and returns the remaining output
func (e *FFmpegMp3Encoder) Flush() ([]byte, error) {
	e.stdin.Close()
	<-e.done
	if err := e.cmd.Wait(); err != nil {
		e.mu.Lock()
		msg := e.stderr.String()
		e.mu.Unlock()
		return nil, fmt.Errorf("FFmpeg encoding failed: %w\nOutput: %s", err, msg)
	}
	return e.drain(), nil
}

type lockedWriter struct {
	mu *sync.Mutex
	w  *bytes.Buffer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
