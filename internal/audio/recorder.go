package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Status represents the current state of the recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusReady     Status = "READY"
	StatusRecording Status = "RECORDING"
	StatusError     Status = "ERROR"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("input device unavailable")
	ErrAlreadyRecording  = errors.New("a recording is already in progress")
	ErrNotRecording      = errors.New("no recording in progress")
)

// DefaultChunkInterval is how much audio the recorder buffers per chunk
const DefaultChunkInterval = 100 * time.Millisecond

// InputStream is an exclusive handle on a capture device producing
// interleaved signed 16-bit little-endian PCM.
type InputStream interface {
	io.Reader
	SampleRate() int
	Channels() int
	Close() error
}

// InputDevice opens capture streams. Open errors wrap ErrPermissionDenied
// or ErrDeviceUnavailable.
type InputDevice interface {
	Open(ctx context.Context) (InputStream, error)
}

// Take is the result of one recording
type Take struct {
	// Blob is the finalized WAV file
	Blob       []byte
	Buffer     *Buffer
	SampleRate int
	Channels   int
	StartedAt  time.Time
	Duration   time.Duration
}

// SessionInfo describes the recording in progress
type SessionInfo struct {
	StartTime  time.Time `json:"start_time"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Bytes      int       `json:"bytes"`
}

// Recorder captures one take at a time from an input device
type Recorder struct {
	device        InputDevice
	chunkInterval time.Duration
	analyser      *Analyser

	mutex   sync.RWMutex
	status  Status
	stream  InputStream
	chunks  [][]byte
	size    int
	started time.Time
	done    chan struct{}
	readErr error
}

// NewRecorder creates a recorder reading from device
func NewRecorder(device InputDevice) *Recorder {
	return &Recorder{
		device:        device,
		chunkInterval: DefaultChunkInterval,
		analyser:      NewAnalyser(AnalyserSize),
		status:        StatusStandby,
	}
}

// SetChunkInterval changes the buffering granularity for the next take
func (r *Recorder) SetChunkInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultChunkInterval
	}
	r.mutex.Lock()
	r.chunkInterval = d
	r.mutex.Unlock()
}

// Analyser returns the input level tap. It is separate from any master analyser.
func (r *Recorder) Analyser() *Analyser {
	return r.analyser
}

// Status returns the current state
func (r *Recorder) Status() Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.status
}

// IsRecording reports whether a take is in progress
func (r *Recorder) IsRecording() bool {
	return r.Status() == StatusRecording
}

// Session returns information about the take in progress, or nil
func (r *Recorder) Session() *SessionInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	if r.status != StatusRecording || r.stream == nil {
		return nil
	}
	return &SessionInfo{
		StartTime:  r.started,
		SampleRate: r.stream.SampleRate(),
		Channels:   r.stream.Channels(),
		Bytes:      r.size,
	}
}

// Start opens the input device and begins buffering chunks
func (r *Recorder) Start(ctx context.Context) error {
	r.mutex.Lock()
	if r.status == StatusRecording || r.status == StatusReady {
		r.mutex.Unlock()
		return ErrAlreadyRecording
	}
	r.status = StatusReady
	r.mutex.Unlock()

	stream, err := r.device.Open(ctx)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err != nil {
		r.status = StatusError
		slog.Error("Failed to open input device", "error", err)
		return err
	}

	r.stream = stream
	r.chunks = nil
	r.size = 0
	r.readErr = nil
	r.started = time.Now()
	r.done = make(chan struct{})
	r.analyser.Reset()
	r.status = StatusRecording

	go r.readWorker(stream, r.chunkBytes(stream), r.done)

	slog.Info("Recording started", "sample_rate", stream.SampleRate(), "channels", stream.Channels())
	return nil
}

func (r *Recorder) chunkBytes(stream InputStream) int {
	frameBytes := stream.Channels() * 2
	frames := int(float64(stream.SampleRate()) * r.chunkInterval.Seconds())
	if frames < 1 {
		frames = 1
	}
	return frames * frameBytes
}

// readWorker buffers the stream until it ends or is closed
func (r *Recorder) readWorker(stream InputStream, size int, done chan struct{}) {
	defer close(done)
	channels := stream.Channels()
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			chunk := buf[:n]
			r.analyser.WriteInterleaved(DecodePCM16LE(chunk), channels)
			r.mutex.Lock()
			r.chunks = append(r.chunks, chunk)
			r.size += n
			r.mutex.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				r.mutex.Lock()
				r.readErr = err
				r.mutex.Unlock()
				slog.Debug("Input stream ended", "error", err)
			}
			return
		}
	}
}

// Stop ends the take. The stream and analyser are released even when
// finalizing fails. A take whose audio cannot be decoded is still
// returned with its blob alongside an ErrDecodeFailed error.
func (r *Recorder) Stop(ctx context.Context) (*Take, error) {
	r.mutex.Lock()
	if r.status != StatusRecording {
		r.mutex.Unlock()
		return nil, ErrNotRecording
	}
	stream, done := r.stream, r.done
	r.mutex.Unlock()

	slog.Debug("Stopping recording...")
	closeErr := stream.Close()

	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Recording reader did not finish before context ended")
	}

	r.mutex.Lock()
	chunks := r.chunks
	started := r.started
	r.chunks = nil
	r.size = 0
	r.stream = nil
	r.done = nil
	r.status = StatusStandby
	r.mutex.Unlock()
	r.analyser.Reset()

	if closeErr != nil {
		slog.Debug("Input stream close failed", "error", closeErr)
	}

	rate, channels := stream.SampleRate(), stream.Channels()
	pcm := bytes.Join(chunks, nil)
	pcm = pcm[:len(pcm)-len(pcm)%(channels*2)]
	take := &Take{
		Blob:       PCM16WAV(pcm, rate, channels),
		SampleRate: rate,
		Channels:   channels,
		StartedAt:  started,
		Duration:   time.Duration(float64(len(pcm)/(channels*2)) / float64(rate) * float64(time.Second)),
	}

	buf, err := DecodeWAV(bytes.NewReader(take.Blob))
	if err == nil && buf.Len() == 0 {
		err = fmt.Errorf("%w: recording is empty", ErrDecodeFailed)
	}
	if err != nil {
		slog.Error("Failed to decode recording", "bytes", len(take.Blob), "error", err)
		return take, err
	}
	take.Buffer = buf

	slog.Info("Recording completed", "duration", take.Duration, "bytes", len(take.Blob))
	return take, nil
}
