package engine

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/jamz/internal/audio"
)

// Recording is a finished take and where it belongs on the timeline
type Recording struct {
	TrackID   string
	StartBeat float64
	Take      *audio.Take
}

// StartRecording opens the input and starts the transport if it is not
// running. Permission and device errors are returned unchanged.
func (s *Session) StartRecording(ctx context.Context, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return ErrNoInput
	}
	if s.project == nil {
		return ErrNoProject
	}
	if s.project.Track(trackID) == nil {
		return fmt.Errorf("track not found: %s", trackID)
	}
	if err := s.initLocked(); err != nil {
		return err
	}
	if err := s.recorder.Start(ctx); err != nil {
		return err
	}
	if !s.playing {
		if err := s.playLocked(ctx, s.position); err != nil {
			s.stopRecorderQuietly()
			return err
		}
	}
	s.recordTrack = trackID
	s.recordBeat = s.beatAtLocked(s.actx.CurrentTime())
	s.log.Info("Recording into track", "track", trackID, "beat", s.recordBeat)
	return nil
}

func (s *Session) stopRecorderQuietly() {
	if _, err := s.recorder.Stop(context.Background()); err != nil {
		s.log.Debug("Discarded recording", "error", err)
	}
}

// StopRecording finalizes the take. When the audio cannot be decoded the
// Recording is still returned, with its blob, alongside the error.
func (s *Session) StopRecording(ctx context.Context) (*Recording, error) {
	s.mu.Lock()
	rec := s.recorder
	trackID, beat := s.recordTrack, s.recordBeat
	s.mu.Unlock()
	if rec == nil {
		return nil, ErrNoInput
	}

	take, err := rec.Stop(ctx)
	if take == nil {
		return nil, err
	}

	s.mu.Lock()
	s.recordTrack = ""
	s.mu.Unlock()
	return &Recording{TrackID: trackID, StartBeat: beat, Take: take}, err
}

// Recorder returns the session recorder, or nil without an input device
func (s *Session) Recorder() *audio.Recorder {
	return s.recorder
}
