package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/stems"
	"github.com/audiolibrelab/jamz/internal/store"
)

// ListProjects returns the project index, most recently updated first
func (s *JamzService) ListProjects(ctx context.Context) ([]store.Summary, error) {
	list, err := s.projects.List(ctx)
	if err != nil {
		return nil, s.fail("list projects", err)
	}
	return list, nil
}

// CreateProject saves a new empty project
func (s *JamzService) CreateProject(ctx context.Context, name string) (*project.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	p := project.NewProject(name)
	if err := s.projects.Save(ctx, p); err != nil {
		return nil, s.fail("create project", err)
	}
	s.log.Info("Project created", "id", p.ID, "name", p.Name)
	return p, nil
}

// GetProject loads a project. The open project is returned from memory.
func (s *JamzService) GetProject(ctx context.Context, id string) (*project.Project, error) {
	s.mu.Lock()
	if s.current != nil && s.current.ID == id {
		p := s.current.Clone()
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()
	return s.projects.Load(ctx, id)
}

// SaveProject replaces a stored project. Saving the open project
// reschedules the engine.
func (s *JamzService) SaveProject(ctx context.Context, p *project.Project) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := p.Clone()
	if s.current != nil && s.current.ID == next.ID {
		keepBuffers(next, s.current)
	}
	if err := s.projects.Save(ctx, next); err != nil {
		return nil, s.fail("save project", err)
	}
	if s.current != nil && s.current.ID == next.ID {
		s.current = next
		s.engine.Reschedule(next)
	}
	return next.Clone(), nil
}

// keepBuffers carries resident buffers over to clips that still reference the same audio
func keepBuffers(next, prev *project.Project) {
	for _, t := range next.Tracks {
		for _, c := range t.Clips {
			if c.Buffer != nil {
				continue
			}
			if _, old := prev.FindClip(c.ID); old != nil && old.Buffer != nil && old.AudioURL == c.AudioURL {
				c.Buffer = old.Buffer
			}
		}
	}
}

// DeleteProject removes a project. Deleting the open project closes it.
func (s *JamzService) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.projects.Delete(ctx, id); err != nil {
		return s.fail("delete project", err)
	}
	if s.current != nil && s.current.ID == id {
		s.current = nil
		s.engine.SetProject(nil)
	}
	s.log.Info("Project deleted", "id", id)
	return nil
}

// OpenProject loads a project into the engine
func (s *JamzService) OpenProject(ctx context.Context, id string) (*project.Project, error) {
	p, err := s.projects.Load(ctx, id)
	if err != nil {
		return nil, s.fail("open project", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.ID != id {
		s.engine.Stop()
	}
	s.current = p
	s.engine.SetProject(p)
	s.clearLastError()
	s.log.Info("Project opened", "id", p.ID, "name", p.Name, "tracks", len(p.Tracks))
	return p.Clone(), nil
}

// CurrentProject returns a copy of the open project, or nil
func (s *JamzService) CurrentProject() *project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Clone()
}

// UpdateProject applies fn to a copy of the open project, saves it and
// reschedules the engine. The open project is unchanged when fn fails.
func (s *JamzService) UpdateProject(ctx context.Context, fn func(p *project.Project) error) (*project.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(ctx, fn, true)
}

// updateLocked commits fn's changes. Without reschedule only the mixer
// settings reach the engine and playing sources are left alone.
func (s *JamzService) updateLocked(ctx context.Context, fn func(p *project.Project) error, reschedule bool) (*project.Project, error) {
	if s.current == nil {
		return nil, ErrNoOpenProject
	}
	next := s.current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.projects.Save(ctx, next); err != nil {
		return nil, s.fail("save project", err)
	}
	s.current = next
	if reschedule {
		s.engine.Reschedule(next)
	} else {
		s.engine.SetProject(next)
	}
	return next.Clone(), nil
}

// AddTrack appends a track to the open project
func (s *JamzService) AddTrack(ctx context.Context, name string, kind project.TrackKind) (*project.Track, error) {
	if kind == "" {
		kind = project.KindAudio
	}
	var track *project.Track
	_, err := s.UpdateProject(ctx, func(p *project.Project) error {
		if name == "" {
			name = fmt.Sprintf("Track %d", len(p.Tracks)+1)
		}
		track = project.NewTrack(name, kind)
		p.AddTrack(track)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

// ImportAudio stores an audio file and places it on a track at startBeat
func (s *JamzService) ImportAudio(ctx context.Context, trackID, name string, data []byte, startBeat float64) (*project.Clip, error) {
	if name != "" && filepath.Ext(name) != "" && !s.cfg.IsSupportedAudioFile(name) {
		return nil, fmt.Errorf("unsupported audio file: %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoOpenProject
	}
	if s.current.Track(trackID) == nil {
		return nil, fmt.Errorf("track not found: %s", trackID)
	}

	ext := strings.ToLower(filepath.Ext(name))
	url, err := s.blobs.Put(ctx, blobName("imports", ext), data, contentType(ext))
	if err != nil {
		return nil, s.fail("store imported audio", err)
	}
	buf, err := s.engine.LoadAudioData(data, url)
	if err != nil {
		return nil, s.fail("decode imported audio", err)
	}

	clipName := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if clipName == "" || clipName == "." {
		clipName = "Imported audio"
	}
	clip := s.newClip(clipName, startBeat, buf, url)
	if _, err := s.updateLocked(ctx, func(p *project.Project) error {
		p.Track(trackID).AddClip(clip)
		return nil
	}, true); err != nil {
		return nil, err
	}
	s.log.Info("Audio imported", "track", trackID, "clip", clip.ID, "seconds", buf.Duration())
	return clip, nil
}

// newClip builds a clip for buf whose length follows the audio. Callers hold s.mu.
func (s *JamzService) newClip(name string, startBeat float64, buf *audio.Buffer, url string) *project.Clip {
	length := project.SecondsToBeats(buf.Duration(), s.current.BPM)
	if length <= 0 {
		length = 1
	}
	clip := project.NewClip(name, startBeat, length)
	clip.AudioURL = url
	clip.Buffer = buf
	clip.WaveformPeaks = audio.Peaks(buf, stems.PeakSegments)
	return clip
}

func contentType(ext string) string {
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg":
		return "audio/ogg"
	case ".webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

func (s *JamzService) startWatcher(kv *store.FileKV) error {
	w, err := store.NewWatcher(kv)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watcher = w
	s.stopWatcher = cancel
	go w.Run(ctx, func(id string) { s.reloadExternal(ctx, id) })
	return nil
}

// reloadExternal picks up changes written to the open project by another process
func (s *JamzService) reloadExternal(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != id {
		return
	}

	p, err := s.projects.Load(ctx, id)
	if errors.Is(err, store.ErrNoProject) {
		s.log.Warn("Open project removed externally", "id", id)
		s.current = nil
		s.engine.SetProject(nil)
		return
	}
	if err != nil {
		s.log.Warn("Failed to reload project", "id", id, "error", err)
		return
	}
	if p.UpdatedAt.Equal(s.current.UpdatedAt) {
		return
	}
	keepBuffers(p, s.current)
	s.current = p
	s.engine.Reschedule(p)
	s.log.Info("Reloaded project after external change", "id", id, "name", p.Name)
}
