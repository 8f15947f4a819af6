package project

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/jamz/internal/audio"
)

// TrackKind represents what a track carries
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	// KindMIDI is reserved; MIDI tracks are stored but never scheduled.
	KindMIDI TrackKind = "midi"
)

// TimeSignature is beats-per-bar over beat-unit
type TimeSignature [2]int

// Project is a multitrack session. It exclusively owns its tracks.
type Project struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	BPM           float64       `json:"bpm"`
	TimeSignature TimeSignature `json:"timeSignature"`
	LoopStart     float64       `json:"loopStart"`
	LoopEnd       float64       `json:"loopEnd"`
	LoopEnabled   bool          `json:"loopEnabled"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Tracks        []*Track      `json:"tracks"`
}

// Track is one lane of the timeline. It exclusively owns its clips.
type Track struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Kind   TrackKind `json:"type"`
	Color  string    `json:"color"`
	Volume float64   `json:"volume"`
	Pan    float64   `json:"pan"`
	Mute   bool      `json:"mute"`
	Solo   bool      `json:"solo"`
	Armed  bool      `json:"armed"`
	Clips  []*Clip   `json:"clips"`
}

// Clip is a region of audio placed on a track.
//
// LengthBeats is informational; the audible length is governed by the
// duration of the underlying audio.
type Clip struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartBeat     float64   `json:"startBeat"`
	LengthBeats   float64   `json:"lengthBeats"`
	AudioURL      string    `json:"audioUrl,omitempty"`
	WaveformPeaks []float64 `json:"waveformPeaks,omitempty"`
	Offset        *float64  `json:"offset,omitempty"`
	Gain          *float64  `json:"gain,omitempty"`

	// Buffer is the resident decoded audio. It is never serialized.
	Buffer *audio.Buffer `json:"-"`
}

var trackColors = []string{
	"#8B5CF6", // purple
	"#06B6D4", // cyan
	"#10B981", // emerald
	"#F59E0B", // amber
	"#EF4444", // red
	"#EC4899", // pink
	"#6366F1", // indigo
	"#14B8A6", // teal
}

// TrackColor returns the palette color for the track at index
func TrackColor(index int) string {
	if index < 0 {
		index = -index
	}
	return trackColors[index%len(trackColors)]
}

// NewProject creates an empty project with default tempo and loop region
func NewProject(name string) *Project {
	if name == "" {
		name = "Untitled"
	}
	now := time.Now().UTC()
	return &Project{
		ID:            uuid.NewString(),
		Name:          name,
		BPM:           120,
		TimeSignature: TimeSignature{4, 4},
		LoopStart:     0,
		LoopEnd:       16,
		CreatedAt:     now,
		UpdatedAt:     now,
		Tracks:        []*Track{},
	}
}

// NewTrack creates a track with default mix settings. The color is
// assigned from the palette when the track is added to a project.
func NewTrack(name string, kind TrackKind) *Track {
	if kind == "" {
		kind = KindAudio
	}
	return &Track{
		ID:     uuid.NewString(),
		Name:   name,
		Kind:   kind,
		Volume: 0.8,
		Pan:    0,
		Clips:  []*Clip{},
	}
}

// NewClip creates a clip at startBeat
func NewClip(name string, startBeat, lengthBeats float64) *Clip {
	return &Clip{
		ID:          uuid.NewString(),
		Name:        name,
		StartBeat:   startBeat,
		LengthBeats: lengthBeats,
	}
}

// Track looks up a track by id
func (p *Project) Track(id string) *Track {
	for _, t := range p.Tracks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AddTrack appends a track and assigns it the next palette color if it has none
func (p *Project) AddTrack(t *Track) {
	if t.Color == "" {
		t.Color = TrackColor(len(p.Tracks))
	}
	p.Tracks = append(p.Tracks, t)
}

// RemoveTrack removes a track and all its clips. It reports whether the track existed.
func (p *Project) RemoveTrack(id string) bool {
	for i, t := range p.Tracks {
		if t.ID == id {
			p.Tracks = append(p.Tracks[:i], p.Tracks[i+1:]...)
			return true
		}
	}
	return false
}

// FindClip returns the clip with the given id and the track that owns it
func (p *Project) FindClip(id string) (*Track, *Clip) {
	for _, t := range p.Tracks {
		for _, c := range t.Clips {
			if c.ID == id {
				return t, c
			}
		}
	}
	return nil, nil
}

// AddClip appends a clip to the track
func (t *Track) AddClip(c *Clip) {
	t.Clips = append(t.Clips, c)
}

// RemoveClip removes a clip by id. It reports whether the clip existed.
func (t *Track) RemoveClip(id string) bool {
	for i, c := range t.Clips {
		if c.ID == id {
			t.Clips = append(t.Clips[:i], t.Clips[i+1:]...)
			return true
		}
	}
	return false
}

// HasSolo reports whether any track is soloed
func (p *Project) HasSolo() bool {
	for _, t := range p.Tracks {
		if t.Solo {
			return true
		}
	}
	return false
}

// IsAudible resolves mute and solo for a single track of the project.
// When any track is soloed only soloed tracks play, and mute still
// silences a soloed track.
func (p *Project) IsAudible(t *Track) bool {
	if t.Kind == KindMIDI || t.Mute {
		return false
	}
	if p.HasSolo() && !t.Solo {
		return false
	}
	return true
}

// AudibleTracks returns the tracks that should be scheduled, in project order
func (p *Project) AudibleTracks() []*Track {
	var out []*Track
	for _, t := range p.Tracks {
		if p.IsAudible(t) {
			out = append(out, t)
		}
	}
	return out
}

// StartOffset returns the clip head trim in seconds
func (c *Clip) StartOffset() float64 {
	if c.Offset == nil {
		return 0
	}
	return *c.Offset
}

// EffectiveGain returns the clip gain, defaulting to unity
func (c *Clip) EffectiveGain() float64 {
	if c.Gain == nil {
		return 1
	}
	return *c.Gain
}

// SetOffset sets the clip head trim in seconds
func (c *Clip) SetOffset(seconds float64) {
	c.Offset = &seconds
}

// SetGain sets the per-clip linear gain
func (c *Clip) SetGain(gain float64) {
	c.Gain = &gain
}

// Clone returns a deep copy of the project. Resident buffers are kept by
// reference on the copied clip; they are immutable once decoded.
func (p *Project) Clone() *Project {
	cp := *p
	cp.Tracks = make([]*Track, len(p.Tracks))
	for i, t := range p.Tracks {
		tc := *t
		tc.Clips = make([]*Clip, len(t.Clips))
		for j, c := range t.Clips {
			cc := *c
			if c.Offset != nil {
				v := *c.Offset
				cc.Offset = &v
			}
			if c.Gain != nil {
				v := *c.Gain
				cc.Gain = &v
			}
			if c.WaveformPeaks != nil {
				cc.WaveformPeaks = append([]float64(nil), c.WaveformPeaks...)
			}
			tc.Clips[j] = &cc
		}
		cp.Tracks[i] = &tc
	}
	return &cp
}

// Validate checks the model invariants
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project: 'id' is required")
	}
	if !finite(p.BPM) || p.BPM <= 0 {
		return fmt.Errorf("project %s: bpm must be > 0, got: %g", p.ID, p.BPM)
	}
	if p.TimeSignature[0] <= 0 || p.TimeSignature[1] <= 0 {
		return fmt.Errorf("project %s: invalid time signature %d/%d", p.ID, p.TimeSignature[0], p.TimeSignature[1])
	}
	if !finite(p.LoopStart) || !finite(p.LoopEnd) {
		return fmt.Errorf("project %s: loop bounds must be finite, got: %g..%g", p.ID, p.LoopStart, p.LoopEnd)
	}
	if p.LoopStart < 0 {
		return fmt.Errorf("project %s: loopStart must be >= 0, got: %g", p.ID, p.LoopStart)
	}
	if p.LoopEnd <= p.LoopStart {
		return fmt.Errorf("project %s: loopEnd (%g) must be greater than loopStart (%g)", p.ID, p.LoopEnd, p.LoopStart)
	}

	seen := make(map[string]bool)
	for i, t := range p.Tracks {
		prefix := fmt.Sprintf("tracks[%d]", i)
		if t == nil {
			return fmt.Errorf("%s: track is nil", prefix)
		}
		if t.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seen[t.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, t.ID)
		}
		seen[t.ID] = true
		if t.Kind != KindAudio && t.Kind != KindMIDI {
			return fmt.Errorf("%s: type must be 'audio' or 'midi', got: %s", prefix, t.Kind)
		}
		if !(t.Volume >= 0 && t.Volume <= 1) {
			return fmt.Errorf("%s: volume must be within 0..1, got: %g", prefix, t.Volume)
		}
		if !(t.Pan >= -1 && t.Pan <= 1) {
			return fmt.Errorf("%s: pan must be within -1..1, got: %g", prefix, t.Pan)
		}
		for j, c := range t.Clips {
			cprefix := fmt.Sprintf("%s.clips[%d]", prefix, j)
			if c == nil {
				return fmt.Errorf("%s: clip is nil", cprefix)
			}
			if c.ID == "" {
				return fmt.Errorf("%s: 'id' is required", cprefix)
			}
			if seen[c.ID] {
				return fmt.Errorf("%s: duplicate ID '%s'", cprefix, c.ID)
			}
			seen[c.ID] = true
			if !finite(c.StartBeat) || c.StartBeat < 0 {
				return fmt.Errorf("%s: startBeat must be >= 0, got: %g", cprefix, c.StartBeat)
			}
			if !finite(c.LengthBeats) || c.LengthBeats <= 0 {
				return fmt.Errorf("%s: lengthBeats must be > 0, got: %g", cprefix, c.LengthBeats)
			}
			if c.Offset != nil && (!finite(*c.Offset) || *c.Offset < 0) {
				return fmt.Errorf("%s: offset must be >= 0, got: %g", cprefix, *c.Offset)
			}
			if c.Gain != nil && (!finite(*c.Gain) || *c.Gain < 0) {
				return fmt.Errorf("%s: gain must be >= 0, got: %g", cprefix, *c.Gain)
			}
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
