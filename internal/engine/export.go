package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/project"
)

// Range is a beat range to render. A nil bound falls back to the loop
// start or loop end of the project.
type Range struct {
	Start *float64 `json:"startBeat,omitempty"`
	End   *float64 `json:"endBeat,omitempty"`
}

// NewRange returns a range with both bounds set
func NewRange(start, end float64) *Range {
	return &Range{Start: &start, End: &end}
}

// span is a resolved beat range
type span struct {
	start, end float64
}

// Stem is one track rendered on its own
type Stem struct {
	TrackID   string
	TrackName string
	Data      []byte
}

func exportRange(p *project.Project, r *Range) (span, error) {
	rng := span{start: p.LoopStart, end: p.LoopEnd}
	if r != nil && r.Start != nil {
		rng.start = *r.Start
	}
	if r != nil && r.End != nil {
		rng.end = *r.End
	}
	if rng.start < 0 || rng.end <= rng.start || math.IsInf(rng.end, 0) || math.IsNaN(rng.start) {
		return span{}, fmt.Errorf("%w %g..%g", ErrInvalidRange, rng.start, rng.end)
	}
	return rng, nil
}

func (s *Session) snapshot() (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.project == nil {
		return nil, ErrNoProject
	}
	return s.project, nil
}

// RenderMix renders the audible tracks over r, or the loop region when r
// is nil, through an offline context
func (s *Session) RenderMix(ctx context.Context, r *Range) (*audio.Buffer, error) {
	p, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	rng, err := exportRange(p, r)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, p, p.AudibleTracks(), rng)
}

// ExportMix renders the mix and encodes it as format
func (s *Session) ExportMix(ctx context.Context, format encode.Format, r *Range) ([]byte, error) {
	buf, err := s.RenderMix(ctx, r)
	if err != nil {
		return nil, err
	}
	data, err := s.opts.Encoder.Encode(buf, format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mix: %w", err)
	}
	s.log.Info("Exported mix", "format", format, "frames", buf.Len(), "bytes", len(data))
	return data, nil
}

// ExportStems renders every track that has clips into its own file.
// Mute and solo are ignored so each instrument can be exported.
func (s *Session) ExportStems(ctx context.Context, format encode.Format, r *Range) ([]Stem, error) {
	p, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	rng, err := exportRange(p, r)
	if err != nil {
		return nil, err
	}

	var stems []Stem
	for _, t := range p.Tracks {
		if len(t.Clips) == 0 || t.Kind == project.KindMIDI {
			continue
		}
		// stems render with the track's own volume even when it is muted
		solo := *t
		solo.Mute = false
		buf, err := s.render(ctx, p, []*project.Track{&solo}, rng)
		if err != nil {
			return nil, fmt.Errorf("failed to render stem %s: %w", t.Name, err)
		}
		data, err := s.opts.Encoder.Encode(buf, format)
		if err != nil {
			return nil, fmt.Errorf("failed to encode stem %s: %w", t.Name, err)
		}
		stems = append(stems, Stem{TrackID: t.ID, TrackName: t.Name, Data: data})
	}
	s.log.Info("Exported stems", "format", format, "count", len(stems))
	return stems, nil
}

func (s *Session) render(ctx context.Context, p *project.Project, tracks []*project.Track, rng span) (*audio.Buffer, error) {
	rate := s.opts.ExportSampleRate
	seconds := project.BeatsToSeconds(rng.end-rng.start, p.BPM)
	frames := int(math.Ceil(seconds * float64(rate)))
	off := audio.NewOfflineContext(frames, rate)
	g := off.Graph()

	for _, t := range tracks {
		b := g.Bus(t.ID)
		applyTrack(b, t)
		for _, c := range t.Clips {
			buf, err := s.resolveBuffer(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				s.log.Warn("Omitting clip from export", "clip", c.ID, "error", err)
				continue
			}
			if buf == nil {
				continue
			}
			startClip(b, c, buf, rng.start, 0, 0, p.BPM, nil)
		}
	}
	return off.Render(ctx)
}
