package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ContextState is the lifecycle state of a Context
type ContextState string

const (
	ContextSuspended ContextState = "suspended"
	ContextRunning   ContextState = "running"
	ContextClosed    ContextState = "closed"
)

// OutputChannels is the channel count of every context output
const OutputChannels = 2

var (
	ErrContextClosed = errors.New("audio context closed")
	ErrNotManual     = errors.New("audio context is not manually clocked")
	ErrNotRunning    = errors.New("audio context is not running")
)

// sinkBlockFrames is how much audio a realtime context renders per sink write
const sinkBlockFrames = 8 * RenderQuantum

// Context owns a graph and its clock. A realtime context renders on its own
// goroutine into a Sink; a manual context only advances when Advance is called.
type Context struct {
	graph  *Graph
	sink   Sink
	manual bool

	mu    sync.Mutex
	state ContextState
	stop  chan struct{}
	done  chan struct{}
}

// NewContext opens sink and returns a suspended realtime context
func NewContext(sampleRate int, sink Sink) (*Context, error) {
	if sink == nil {
		return nil, fmt.Errorf("%w: no sink", ErrSinkUnavailable)
	}
	g := NewGraph(sampleRate)
	if err := sink.Open(g.SampleRate(), OutputChannels); err != nil {
		return nil, fmt.Errorf("failed to open audio output: %w", err)
	}
	return &Context{graph: g, sink: sink, state: ContextSuspended}, nil
}

// NewManualContext returns a suspended context driven by Advance
func NewManualContext(sampleRate int) *Context {
	return &Context{graph: NewGraph(sampleRate), manual: true, state: ContextSuspended}
}

// Graph returns the context graph
func (c *Context) Graph() *Graph {
	return c.graph
}

// SampleRate returns the context rate
func (c *Context) SampleRate() int {
	return c.graph.SampleRate()
}

// CurrentTime returns the hardware clock in seconds
func (c *Context) CurrentTime() float64 {
	return c.graph.CurrentTime()
}

// Manual reports whether the context is advanced explicitly
func (c *Context) Manual() bool {
	return c.manual
}

// State returns the lifecycle state
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Resume starts the clock. It is a no-op when already running.
func (c *Context) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ContextClosed:
		return ErrContextClosed
	case ContextRunning:
		return nil
	}
	c.state = ContextRunning
	if !c.manual {
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.run(c.stop, c.done)
	}
	slog.Debug("Audio context resumed", "sample_rate", c.SampleRate(), "manual", c.manual)
	return nil
}

// Suspend halts the clock and waits for the render goroutine to exit
func (c *Context) Suspend() error {
	c.mu.Lock()
	if c.state == ContextClosed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.state = ContextSuspended
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Close suspends the context and releases the sink. Closing twice is harmless.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == ContextClosed {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.state = ContextClosed
	c.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	c.graph.StopAll()
	if c.sink != nil {
		if err := c.sink.Close(); err != nil {
			return fmt.Errorf("failed to close audio output: %w", err)
		}
	}
	slog.Debug("Audio context closed")
	return nil
}

// Advance renders frames on a manual context and returns the output
func (c *Context) Advance(frames int) (*Buffer, error) {
	if !c.manual {
		return nil, ErrNotManual
	}
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case ContextClosed:
		return nil, ErrContextClosed
	case ContextSuspended:
		return nil, ErrNotRunning
	}
	return c.graph.Render(frames), nil
}

func (c *Context) run(stop, done chan struct{}) {
	defer close(done)
	left := make([]float32, sinkBlockFrames)
	right := make([]float32, sinkBlockFrames)
	interleaved := make([]float32, sinkBlockFrames*OutputChannels)

	for {
		select {
		case <-stop:
			return
		default:
		}

		c.graph.RenderInto(left, right)
		for i := range left {
			interleaved[2*i] = left[i]
			interleaved[2*i+1] = right[i]
		}
		if err := c.sink.Write(interleaved); err != nil {
			slog.Error("Audio output failed, suspending context", "error", err)
			c.mu.Lock()
			if c.done == done {
				c.state = ContextSuspended
				c.stop, c.done = nil, nil
			}
			c.mu.Unlock()
			return
		}
	}
}
