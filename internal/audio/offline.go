package audio

import (
	"context"
	"errors"
)

// ErrAlreadyRendered is returned by a second OfflineContext.Render call
var ErrAlreadyRendered = errors.New("offline context already rendered")

// OfflineContext renders a graph into a fixed-length stereo buffer as fast as possible
type OfflineContext struct {
	graph    *Graph
	frames   int
	rendered bool
}

// NewOfflineContext creates a context that renders frames at sampleRate
func NewOfflineContext(frames, sampleRate int) *OfflineContext {
	if frames < 0 {
		frames = 0
	}
	return &OfflineContext{graph: NewGraph(sampleRate), frames: frames}
}

// Graph returns the graph to build before rendering
func (o *OfflineContext) Graph() *Graph {
	return o.graph
}

// Length returns the output length in frames
func (o *OfflineContext) Length() int {
	return o.frames
}

// SampleRate returns the render rate
func (o *OfflineContext) SampleRate() int {
	return o.graph.SampleRate()
}

// Render processes the graph from frame zero to Length
func (o *OfflineContext) Render(ctx context.Context) (*Buffer, error) {
	if o.rendered {
		return nil, ErrAlreadyRendered
	}
	o.rendered = true

	out := NewBuffer(OutputChannels, o.frames, o.graph.SampleRate())
	const chunk = 64 * RenderQuantum
	for start := 0; start < o.frames; start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunk
		if end > o.frames {
			end = o.frames
		}
		o.graph.RenderInto(out.Data[0][start:end], out.Data[1][start:end])
	}
	return out, nil
}
