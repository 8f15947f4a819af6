package service

import (
	"context"
	"fmt"

	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/stems"
)

func (s *JamzService) exportFormat(format string) (encode.Format, error) {
	if format == "" {
		format = s.cfg.Export.Format
	}
	return encode.ParseFormat(format)
}

// ExportMix renders the open project. An empty format uses export.format.
func (s *JamzService) ExportMix(ctx context.Context, format string, r *engine.Range) ([]byte, encode.Format, error) {
	f, err := s.exportFormat(format)
	if err != nil {
		return nil, "", err
	}
	data, err := s.engine.ExportMix(ctx, f, r)
	if err != nil {
		return nil, "", s.fail("export mix", err)
	}
	return data, f, nil
}

// ExportStems renders every track of the open project on its own
func (s *JamzService) ExportStems(ctx context.Context, format string, r *engine.Range) ([]engine.Stem, encode.Format, error) {
	f, err := s.exportFormat(format)
	if err != nil {
		return nil, "", err
	}
	out, err := s.engine.ExportStems(ctx, f, r)
	if err != nil {
		return nil, "", s.fail("export stems", err)
	}
	return out, f, nil
}

// SeparateClip sends a clip's audio to the stem service. With AddTracks
// each stem is stored and placed on a new track aligned with the clip.
func (s *JamzService) SeparateClip(ctx context.Context, clipID string, opts SeparateOptions) ([]stems.Result, error) {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil, ErrNoOpenProject
	}
	projectID := s.current.ID
	_, clip := s.current.FindClip(clipID)
	if clip == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("clip not found: %s", clipID)
	}
	src := *clip
	s.mu.Unlock()

	data, err := s.clipAudio(ctx, &src)
	if err != nil {
		return nil, s.fail("read clip audio", err)
	}

	quality := opts.Quality
	if quality == "" {
		quality = s.cfg.Stems.Quality
	}
	results, err := s.stems.Separate(ctx, data, stems.Options{
		Stems:    opts.Stems,
		Quality:  quality,
		Filename: src.Name + ".wav",
	})
	if err != nil {
		return nil, s.fail("separate stems", err)
	}
	if !opts.AddTracks {
		return results, nil
	}

	type placed struct {
		track *project.Track
		clip  *project.Clip
	}
	var add []placed
	for _, r := range results {
		url, err := s.blobs.Put(ctx, blobName("stems", "-"+string(r.Type)+".wav"), encode.WAV(r.Buffer), "audio/wav")
		if err != nil {
			return nil, s.fail("store stem", err)
		}
		name := fmt.Sprintf("%s %s", src.Name, r.Type.Title())
		if r.Provenance == stems.ProvenanceLocal {
			name += " (approx.)"
		}
		t := project.NewTrack(name, project.KindAudio)
		c := project.NewClip(name, src.StartBeat, src.LengthBeats)
		c.AudioURL = url
		c.Buffer = r.Buffer
		c.WaveformPeaks = r.WaveformPeaks
		c.Offset = src.Offset
		add = append(add, placed{track: t, clip: c})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != projectID {
		return nil, fmt.Errorf("project changed during separation")
	}
	if _, err := s.updateLocked(ctx, func(p *project.Project) error {
		for _, a := range add {
			a.track.AddClip(a.clip)
			p.AddTrack(a.track)
		}
		return nil
	}, true); err != nil {
		return nil, err
	}
	s.log.Info("Stem tracks added", "clip", clipID, "count", len(add))
	return results, nil
}

// clipAudio returns the encoded audio behind a clip
func (s *JamzService) clipAudio(ctx context.Context, c *project.Clip) ([]byte, error) {
	if c.AudioURL != "" {
		return s.fetcher.Fetch(ctx, c.AudioURL)
	}
	if c.Buffer != nil {
		return encode.WAV(c.Buffer), nil
	}
	return nil, fmt.Errorf("clip %s has no audio", c.ID)
}

// StemsProgress returns the stem separation progress
func (s *JamzService) StemsProgress() stems.Progress {
	return s.stems.Progress()
}

// CancelStems aborts the running separation
func (s *JamzService) CancelStems() {
	s.stems.Cancel()
}
