package service

import (
	"context"
	"fmt"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
)

// Play starts the transport from the current position
func (s *JamzService) Play(ctx context.Context) error {
	if err := s.engine.Play(ctx); err != nil {
		return s.fail("start playback", err)
	}
	s.clearLastError()
	return nil
}

// PlayFrom starts the transport at beat
func (s *JamzService) PlayFrom(ctx context.Context, beat float64) error {
	if err := s.engine.PlayFrom(ctx, beat); err != nil {
		return s.fail("start playback", err)
	}
	s.clearLastError()
	return nil
}

// Pause halts the transport at the current position
func (s *JamzService) Pause() {
	s.engine.Pause()
}

// Stop halts the transport and rewinds
func (s *JamzService) Stop() {
	s.engine.Stop()
}

// Seek moves the playhead. Playback continues from beat when running.
func (s *JamzService) Seek(ctx context.Context, beat float64) error {
	if err := s.engine.Seek(ctx, beat); err != nil {
		return s.fail("seek", err)
	}
	return nil
}

// State returns the transport state
func (s *JamzService) State() engine.State {
	return s.engine.State()
}

// Subscribe registers fn for transport state on every tick
func (s *JamzService) Subscribe(fn func(engine.State)) func() {
	return s.engine.Subscribe(fn)
}

// StartRecording arms trackID and starts capturing
func (s *JamzService) StartRecording(ctx context.Context, trackID string) error {
	s.log.Debug("Service.StartRecording called", "track", trackID)
	s.clearLastError()
	if err := s.engine.StartRecording(ctx, trackID); err != nil {
		return s.fail("start recording", err)
	}
	s.mu.Lock()
	_, err := s.updateLocked(ctx, func(p *project.Project) error {
		for _, t := range p.Tracks {
			t.Armed = t.ID == trackID
		}
		return nil
	}, false)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("Failed to mark track armed", "track", trackID, "error", err)
	}
	return nil
}

// StopRecording finalizes the take, stores it and inserts it as a clip at
// the beat recording started. A take that cannot be decoded is still
// stored and inserted; the decode error is returned with the clip.
func (s *JamzService) StopRecording(ctx context.Context) (*project.Clip, error) {
	rec, recErr := s.engine.StopRecording(ctx)
	if rec == nil {
		return nil, s.fail("stop recording", recErr)
	}
	take := rec.Take

	url, err := s.blobs.Put(ctx, blobName("recordings", ".wav"), take.Blob, "audio/wav")
	if err != nil {
		return nil, s.fail("store recording", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoOpenProject
	}
	if s.current.Track(rec.TrackID) == nil {
		return nil, fmt.Errorf("track not found: %s", rec.TrackID)
	}

	name := fmt.Sprintf("Take %s", take.StartedAt.Local().Format(time.Kitchen))
	var clip *project.Clip
	if take.Buffer != nil {
		clip = s.newClip(name, rec.StartBeat, take.Buffer, url)
	} else {
		length := project.SecondsToBeats(take.Duration.Seconds(), s.current.BPM)
		if length <= 0 {
			length = 1
		}
		clip = project.NewClip(name, rec.StartBeat, length)
		clip.AudioURL = url
	}

	_, err = s.updateLocked(ctx, func(p *project.Project) error {
		t := p.Track(rec.TrackID)
		t.Armed = false
		t.AddClip(clip)
		return nil
	}, true)
	if err != nil {
		return nil, err
	}
	s.log.Info("Recording added", "track", rec.TrackID, "clip", clip.ID,
		"start_beat", rec.StartBeat, "duration", take.Duration)
	if recErr != nil {
		return clip, s.fail("decode recording", recErr)
	}
	s.clearLastError()
	return clip, nil
}

// RecordingSession describes the take in progress, or nil
func (s *JamzService) RecordingSession() *audio.SessionInfo {
	rec := s.engine.Recorder()
	if rec == nil {
		return nil
	}
	return rec.Session()
}
