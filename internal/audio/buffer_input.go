package audio

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

// BufferInput is an InputDevice that plays a buffer into the recorder.
// With Realtime set the stream is paced like a live device.
type BufferInput struct {
	Buffer   *Buffer
	Realtime bool
}

// NewBufferInput creates an input that yields buf once
func NewBufferInput(buf *Buffer, realtime bool) *BufferInput {
	return &BufferInput{Buffer: buf, Realtime: realtime}
}

func (in *BufferInput) Open(ctx context.Context) (InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Buffer == nil || in.Buffer.NumChannels() == 0 {
		return nil, ErrDeviceUnavailable
	}
	pcm := AppendPCM16LE(nil, in.Buffer.Interleaved())
	return &bufferStream{
		r:          bytes.NewReader(pcm),
		sampleRate: in.Buffer.SampleRate,
		channels:   in.Buffer.NumChannels(),
		realtime:   in.Realtime,
		closed:     make(chan struct{}),
	}, nil
}

type bufferStream struct {
	r          *bytes.Reader
	sampleRate int
	channels   int
	realtime   bool
	started    time.Time
	read       int64

	once   sync.Once
	closed chan struct{}
}

func (s *bufferStream) SampleRate() int { return s.sampleRate }
func (s *bufferStream) Channels() int   { return s.channels }

func (s *bufferStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	n, err := s.r.Read(p)
	if err == io.EOF {
		// a live device keeps the stream open until it is closed
		if s.realtime {
			<-s.closed
		}
		return n, io.EOF
	}
	if s.realtime && n > 0 {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		s.read += int64(n)
		frames := float64(s.read) / float64(s.channels*2)
		due := s.started.Add(time.Duration(frames / float64(s.sampleRate) * float64(time.Second)))
		select {
		case <-s.closed:
		case <-time.After(time.Until(due)):
		}
	}
	return n, err
}

func (s *bufferStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
