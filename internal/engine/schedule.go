package engine

import (
	"context"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/project"
)

// lateLoadTimeout bounds a fetch started by scheduling
const lateLoadTimeout = 30 * time.Second

// placeClip positions a clip relative to an anchor: anchorBeat sounds at
// graph time anchorTime and nothing can start before now. It returns the
// graph start time and the read offset into buf, or false when the clip's
// audio has already fully elapsed. Realtime scheduling and offline export
// both place clips through here.
func placeClip(c *project.Clip, buf *audio.Buffer, anchorBeat, anchorTime, now, bpm float64) (when, offset float64, ok bool) {
	when = anchorTime + project.BeatsToSeconds(c.StartBeat-anchorBeat, bpm)
	offset = c.StartOffset()
	if when < now {
		offset += now - when
		when = now
	}
	if offset >= buf.Duration() {
		return 0, 0, false
	}
	return when, offset, true
}

// applyTrack copies the track mix settings onto its bus
func applyTrack(b *audio.Bus, t *project.Track) {
	if t.Mute {
		b.SetGain(0)
	} else {
		b.SetGain(t.Volume)
	}
	b.SetPan(t.Pan)
}

// startClip places c and starts it on b. It returns nil when the clip has
// nothing left to play.
func startClip(b *audio.Bus, c *project.Clip, buf *audio.Buffer, anchorBeat, anchorTime, now, bpm float64, onEnded func(*audio.Source)) *audio.Source {
	when, offset, ok := placeClip(c, buf, anchorBeat, anchorTime, now, bpm)
	if !ok {
		return nil
	}
	return b.Start(audio.Playback{
		Buffer:  buf,
		When:    when,
		Offset:  offset,
		Gain:    c.EffectiveGain(),
		Tag:     c.ID,
		OnEnded: onEnded,
	})
}

func (s *Session) scheduleAllLocked(now float64) {
	g := s.actx.Graph()
	for _, t := range s.project.Tracks {
		applyTrack(g.Bus(t.ID), t)
	}
	for _, t := range s.project.AudibleTracks() {
		for _, c := range t.Clips {
			s.scheduleClipLocked(t, c, now)
		}
	}
}

func (s *Session) scheduleClipLocked(t *project.Track, c *project.Clip, now float64) {
	buf := c.Buffer
	if buf == nil && c.AudioURL != "" {
		buf = s.cache.cached(c.AudioURL)
		if buf == nil {
			if err := s.cache.failed(c.AudioURL); err != nil {
				s.log.Debug("Skipping clip that failed to load", "clip", c.ID, "url", c.AudioURL)
				return
			}
			s.loadLate(t.ID, c.ID, c.AudioURL, s.generation)
			return
		}
	}
	if buf == nil {
		return
	}
	if old := s.sources[c.ID]; old != nil {
		old.Stop()
	}
	src := startClip(s.actx.Graph().Bus(t.ID), c, buf, s.startBeat, s.startTime, now, s.project.BPM, s.sourceEnded)
	if src == nil {
		delete(s.sources, c.ID)
		return
	}
	s.sources[c.ID] = src
}

// loadLate fetches a clip's audio in the background and schedules it from
// "now" if the transport generation is unchanged when it arrives
func (s *Session) loadLate(trackID, clipID, url string, gen uint64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lateLoadTimeout)
		defer cancel()
		if _, err := s.cache.load(ctx, url); err != nil {
			s.log.Warn("Skipping clip with unloadable audio", "clip", clipID, "url", url, "error", err)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.playing || s.generation != gen || s.project == nil {
			return
		}
		t := s.project.Track(trackID)
		if t == nil || !s.project.IsAudible(t) {
			return
		}
		for _, c := range t.Clips {
			if c.ID == clipID {
				s.scheduleClipLocked(t, c, s.actx.CurrentTime())
				s.log.Debug("Scheduled late clip", "clip", clipID)
				return
			}
		}
	}()
}

// sourceEnded runs on the render goroutine after the graph lock is released
func (s *Session) sourceEnded(src *audio.Source) {
	s.mu.Lock()
	if s.sources[src.Tag()] == src {
		delete(s.sources, src.Tag())
	}
	s.mu.Unlock()
}

func (s *Session) stopSourcesLocked() {
	for id, src := range s.sources {
		src.Stop()
		delete(s.sources, id)
	}
	if s.actx != nil {
		s.actx.Graph().StopAll()
	}
}

// ActiveClips returns the ids of clips with a live source
func (s *Session) ActiveClips() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sources))
	for id, src := range s.sources {
		if src.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}
