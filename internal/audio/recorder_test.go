package audio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

type deniedInput struct{}

func (deniedInput) Open(context.Context) (InputStream, error) {
	return nil, ErrPermissionDenied
}

// emptyInput yields a stream that produces no audio until closed
type emptyInput struct{}

func (emptyInput) Open(context.Context) (InputStream, error) {
	return &bufferStream{r: bytes.NewReader(nil), sampleRate: 8000, channels: 1, realtime: true, closed: make(chan struct{})}, nil
}

func TestRecorder_RoundTrip(t *testing.T) {
	src := NewBuffer(1, 8000, 8000)
	for i := range src.Data[0] {
		src.Data[0][i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}
	r := NewRecorder(NewBufferInput(src, false))
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.Status() != StatusRecording {
		t.Errorf("Expected RECORDING, got %s", r.Status())
	}
	if err := r.Start(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}

	// let the reader drain the whole buffer
	time.Sleep(50 * time.Millisecond)
	take, err := r.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.Status() != StatusStandby {
		t.Errorf("Expected STANDBY after stop, got %s", r.Status())
	}
	if take.Buffer.Len() != src.Len() {
		t.Fatalf("Expected %d frames, got %d", src.Len(), take.Buffer.Len())
	}
	if len(take.Blob) != WAVHeaderSize+src.Len()*2 {
		t.Errorf("Unexpected blob size %d", len(take.Blob))
	}
	for i := 0; i < src.Len(); i++ {
		if d := math.Abs(float64(take.Buffer.Data[0][i] - src.Data[0][i])); d > 1.0/32768 {
			t.Fatalf("frame %d differs by %v", i, d)
		}
	}
	if take.Duration != time.Second {
		t.Errorf("Expected 1s take, got %v", take.Duration)
	}
}

func TestRecorder_PermissionDenied(t *testing.T) {
	r := NewRecorder(deniedInput{})
	err := r.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if r.Status() != StatusError {
		t.Errorf("Expected ERROR status, got %s", r.Status())
	}
	if _, err := r.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording, got %v", err)
	}
}

func TestRecorder_EmptyTakeIsDecodeFailure(t *testing.T) {
	r := NewRecorder(emptyInput{})
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	take, err := r.Stop(ctx)
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("Expected ErrDecodeFailed, got %v", err)
	}
	if take == nil || len(take.Blob) != WAVHeaderSize || take.Buffer != nil {
		t.Errorf("Expected a take carrying only the header blob, got %+v", take)
	}
	if r.IsRecording() {
		t.Error("Expected recorder to be released after a failed take")
	}
	// the recorder stays usable
	if err := r.Start(ctx); err != nil {
		t.Errorf("Expected restart to succeed, got %v", err)
	}
	r.Stop(ctx)
}

func TestRecorder_InputAnalyser(t *testing.T) {
	src := constBuffer(0.5, 4000, 8000)
	r := NewRecorder(NewBufferInput(src, false))
	r.SetChunkInterval(10 * time.Millisecond)
	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if l := r.Analyser().Level(); l <= 0 || l > 1 {
		t.Errorf("Expected input level in (0,1], got %v", l)
	}
	if _, err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if r.Analyser().Level() != 0 {
		t.Error("Expected analyser reset after stop")
	}
}

func TestBufferInput_RealtimeBlocksUntilClosed(t *testing.T) {
	in := NewBufferInput(constBuffer(0.1, 8, 8000), true)
	s, err := in.Open(context.Background())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		io.ReadAll(s)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Expected realtime stream to stay open")
	case <-time.After(20 * time.Millisecond):
	}
	s.Close()
	<-done
}
