package service

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/config"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/stems"
	"github.com/audiolibrelab/jamz/internal/storage"
	"github.com/audiolibrelab/jamz/internal/store"
)

const testRate = 8000

func testConfig(t *testing.T, stemsURL string) *config.Config {
	t.Helper()
	return &config.Config{
		Audio:  config.AudioConfig{SampleRate: testRate, Output: "null"},
		Store:  config.StoreConfig{Backend: "file", Directory: t.TempDir()},
		Blobs:  config.BlobsConfig{Backend: "file", Directory: t.TempDir()},
		Export: config.ExportConfig{Directory: t.TempDir(), Format: "wav", Mp3Bitrate: 192, SampleRate: testRate},
		Stems: config.StemsConfig{
			Endpoint:     stemsURL + "/api/stems/separate",
			Quality:      "balanced",
			PollInterval: time.Millisecond,
			MaxAttempts:  3,
		},
		SupportedAudioExtensions: []string{"wav", "mp3"},
	}
}

func newTestService(t *testing.T, opts Options) *JamzService {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig(t, "http://127.0.0.1:1")
	}
	if opts.KV == nil {
		opts.KV = store.NewMemoryKV()
	}
	if opts.Blobs == nil {
		blobs, err := storage.NewFileBlobStore(opts.Config.Blobs.Directory)
		if err != nil {
			t.Fatalf("Failed to create blob store: %v", err)
		}
		opts.Blobs = blobs
	}
	if opts.Input == nil {
		opts.Input = audio.NewBufferInput(tone(0.5, 0.25), false)
	}
	opts.ManualClock = true

	s, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func tone(seconds, freq float64) *audio.Buffer {
	buf := audio.NewBuffer(1, int(seconds*testRate), testRate)
	for i := range buf.Data[0] {
		buf.Data[0][i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/testRate))
	}
	return buf
}

func openProject(t *testing.T, s *JamzService, name string) *project.Project {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProject(ctx, name)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if _, err := s.OpenProject(ctx, p.ID); err != nil {
		t.Fatalf("OpenProject failed: %v", err)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}

func TestService_ProjectLifecycle(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()

	if _, err := s.CreateProject(ctx, "  "); err == nil {
		t.Error("Expected an error for an empty project name")
	}
	if _, err := s.AddTrack(ctx, "Guitar", ""); !errors.Is(err, ErrNoOpenProject) {
		t.Errorf("Expected ErrNoOpenProject, got %v", err)
	}

	p := openProject(t, s, "Jam")
	tr, err := s.AddTrack(ctx, "", "")
	if err != nil {
		t.Fatalf("AddTrack failed: %v", err)
	}
	if tr.Name != "Track 1" || tr.Kind != project.KindAudio || tr.Color == "" {
		t.Errorf("Unexpected track %+v", tr)
	}

	list, err := s.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("Unexpected project list %+v", list)
	}

	stored, err := s.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if len(stored.Tracks) != 1 {
		t.Errorf("Expected saved track, got %d tracks", len(stored.Tracks))
	}
	if s.Engine().Project() == nil || len(s.Engine().Project().Tracks) != 1 {
		t.Error("Expected engine to hold the updated project")
	}

	stored.BPM = 90
	if _, err := s.SaveProject(ctx, stored); err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	if s.CurrentProject().BPM != 90 || s.Engine().Project().BPM != 90 {
		t.Error("Expected saving the open project to update the engine")
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}
	if s.CurrentProject() != nil || s.Engine().Project() != nil {
		t.Error("Expected deleting the open project to close it")
	}
}

func TestService_OpenMissingProject(t *testing.T) {
	s := newTestService(t, Options{})
	_, err := s.OpenProject(context.Background(), "nope")
	if !errors.Is(err, store.ErrNoProject) {
		t.Errorf("Expected ErrNoProject, got %v", err)
	}
	if !strings.Contains(s.GetLastError(), "open project") {
		t.Errorf("Expected last error to be recorded, got %q", s.GetLastError())
	}
}

func TestService_ImportAndExport(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()
	openProject(t, s, "Import")
	tr, _ := s.AddTrack(ctx, "Backing", project.KindAudio)

	if _, err := s.ImportAudio(ctx, tr.ID, "notes.txt", []byte("x"), 0); err == nil {
		t.Error("Expected unsupported extension to be rejected")
	}

	clip, err := s.ImportAudio(ctx, tr.ID, "riff.wav", encode.WAV(tone(1, 440)), 4)
	if err != nil {
		t.Fatalf("ImportAudio failed: %v", err)
	}
	// one second at 120 bpm
	if clip.Name != "riff" || clip.StartBeat != 4 || clip.LengthBeats != 2 {
		t.Errorf("Unexpected clip %+v", clip)
	}
	if len(clip.WaveformPeaks) != stems.PeakSegments {
		t.Errorf("Expected %d peaks, got %d", stems.PeakSegments, len(clip.WaveformPeaks))
	}
	if !strings.HasPrefix(clip.AudioURL, "file://") {
		t.Errorf("Expected a durable file URL, got %s", clip.AudioURL)
	}

	data, format, err := s.ExportMix(ctx, "", nil)
	if err != nil {
		t.Fatalf("ExportMix failed: %v", err)
	}
	if format != encode.FormatWAV {
		t.Errorf("Expected default format wav, got %s", format)
	}
	// loop region 0..16 beats is 8 seconds
	if want := audio.WAVHeaderSize + 8*testRate*4; len(data) != want {
		t.Errorf("Expected %d bytes, got %d", want, len(data))
	}

	path, err := s.WriteExport("Import mix", format, data)
	if err != nil {
		t.Fatalf("WriteExport failed: %v", err)
	}
	if filepath.Base(path) != "Import_mix.wav" {
		t.Errorf("Unexpected export path %s", path)
	}
	if info, err := os.Stat(path); err != nil || info.Size() != int64(len(data)) {
		t.Errorf("Export file not written correctly: %v", err)
	}

	out, _, err := s.ExportStems(ctx, "wav", engine.NewRange(0, 16))
	if err != nil {
		t.Fatalf("ExportStems failed: %v", err)
	}
	if len(out) != 1 || out[0].TrackID != tr.ID {
		t.Errorf("Unexpected stems %+v", out)
	}

	if _, _, err := s.ExportMix(ctx, "ogg", nil); err == nil {
		t.Error("Expected unsupported format error")
	}
}

func TestService_Recording(t *testing.T) {
	s := newTestService(t, Options{})
	ctx := context.Background()
	openProject(t, s, "Take")
	tr, _ := s.AddTrack(ctx, "Mic", project.KindAudio)

	if err := s.Seek(ctx, 2); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if err := s.StartRecording(ctx, tr.ID); err != nil {
		t.Fatalf("StartRecording failed: %v", err)
	}
	if !s.CurrentProject().Track(tr.ID).Armed {
		t.Error("Expected track to be armed while recording")
	}
	if s.RecordingSession() == nil {
		t.Error("Expected a recording session")
	}

	time.Sleep(20 * time.Millisecond)
	clip, err := s.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording failed: %v", err)
	}
	if clip.StartBeat != 2 || clip.Buffer == nil || clip.Buffer.Len() != testRate/2 {
		t.Errorf("Unexpected recorded clip %+v", clip)
	}
	if !strings.HasPrefix(clip.AudioURL, "file://") {
		t.Errorf("Expected recording to be stored, got %s", clip.AudioURL)
	}

	p := s.CurrentProject()
	got := p.Track(tr.ID)
	if got.Armed || len(got.Clips) != 1 || got.Clips[0].ID != clip.ID {
		t.Errorf("Unexpected track after recording %+v", got)
	}

	if _, err := s.StopRecording(ctx); !errors.Is(err, audio.ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording, got %v", err)
	}
}

func TestService_SeparateClip(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := newTestService(t, Options{Config: testConfig(t, srv.URL)})
	ctx := context.Background()
	openProject(t, s, "Stems")
	tr, _ := s.AddTrack(ctx, "Band", project.KindAudio)
	clip, err := s.ImportAudio(ctx, tr.ID, "band.wav", encode.WAV(tone(0.5, 110)), 1)
	if err != nil {
		t.Fatalf("ImportAudio failed: %v", err)
	}

	results, err := s.SeparateClip(ctx, clip.ID, SeparateOptions{
		Stems:     []stems.StemType{stems.Vocals, stems.Bass},
		AddTracks: true,
	})
	if err != nil {
		t.Fatalf("SeparateClip failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 stems, got %d", len(results))
	}

	p := s.CurrentProject()
	if len(p.Tracks) != 3 {
		t.Fatalf("Expected stem tracks to be added, got %d tracks", len(p.Tracks))
	}
	for i, want := range []string{"band Vocals (approx.)", "band Bass (approx.)"} {
		st := p.Tracks[i+1]
		if st.Name != want {
			t.Errorf("track %d: got %q, want %q", i+1, st.Name, want)
		}
		if len(st.Clips) != 1 || st.Clips[0].StartBeat != 1 || !strings.HasPrefix(st.Clips[0].AudioURL, "file://") {
			t.Errorf("Unexpected stem clip %+v", st.Clips)
		}
	}
	if pr := s.StemsProgress(); pr.Status != stems.StatusComplete {
		t.Errorf("Expected complete progress, got %+v", pr)
	}

	if _, err := s.SeparateClip(ctx, "missing", SeparateOptions{}); err == nil {
		t.Error("Expected error for a missing clip")
	}
}

func TestService_SeparateClipEmptyStemType(t *testing.T) {
	wav := encode.WAV(tone(0.5, 110))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/stems/separate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobId":"j"}`))
	})
	mux.HandleFunc("GET /api/stems/separate/status/j", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"complete":true}`))
	})
	mux.HandleFunc("GET /api/stems/separate/download/j", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stems":[{"type":"","url":"` + storage.DataURL("audio/wav", wav) + `"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestService(t, Options{Config: testConfig(t, srv.URL)})
	ctx := context.Background()
	openProject(t, s, "Stems")
	tr, _ := s.AddTrack(ctx, "Band", project.KindAudio)
	clip, err := s.ImportAudio(ctx, tr.ID, "band.wav", wav, 0)
	if err != nil {
		t.Fatalf("ImportAudio failed: %v", err)
	}

	_, err = s.SeparateClip(ctx, clip.ID, SeparateOptions{AddTracks: true})
	if !errors.Is(err, stems.ErrUnknownStem) {
		t.Fatalf("Expected ErrUnknownStem, got %v", err)
	}
	if n := len(s.CurrentProject().Tracks); n != 1 {
		t.Errorf("Expected no stem tracks, got %d tracks", n)
	}
}

func TestService_ExternalReload(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Watch = true
	kv, err := store.NewFileKV(cfg.Store.Directory)
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	s := newTestService(t, Options{Config: cfg, KV: kv})
	p := openProject(t, s, "Shared")

	otherKV, err := store.NewFileKV(cfg.Store.Directory)
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	other := store.NewProjects(otherKV)
	edited, err := other.Load(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	edited.Name = "Renamed elsewhere"
	edited.BPM = 100
	if err := other.Save(context.Background(), edited); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	waitFor(t, func() bool {
		cur := s.CurrentProject()
		return cur != nil && cur.Name == "Renamed elsewhere"
	})
	if s.Engine().Project().BPM != 100 {
		t.Error("Expected engine to be rescheduled with the reloaded project")
	}
}
