package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/project"
)

func sampleProject(name string) *project.Project {
	p := project.NewProject(name)
	tr := project.NewTrack("Guitar", project.KindAudio)
	c := project.NewClip("Take 1", 4, 8)
	c.AudioURL = "file:///tmp/take1.wav"
	c.Buffer = audio.NewBuffer(1, 10, 44100)
	c.SetGain(0.5)
	tr.AddClip(c)
	p.AddTrack(tr)
	return p
}

func backends(t *testing.T) map[string]KV {
	fkv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	return map[string]KV{"memory": NewMemoryKV(), "file": fkv}
}

func TestProjects_SaveLoad(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := NewProjects(kv)
			p := sampleProject("Demo")
			if err := repo.Save(ctx, p); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := repo.Load(ctx, p.ID)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if got.Name != "Demo" || len(got.Tracks) != 1 || len(got.Tracks[0].Clips) != 1 {
				t.Fatalf("Unexpected project: %+v", got)
			}
			c := got.Tracks[0].Clips[0]
			if c.Buffer != nil {
				t.Error("Expected resident buffer not to be persisted")
			}
			if c.AudioURL != "file:///tmp/take1.wav" || c.EffectiveGain() != 0.5 || c.StartBeat != 4 {
				t.Errorf("Unexpected clip: %+v", c)
			}
			if !got.UpdatedAt.Equal(p.UpdatedAt) {
				t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, p.UpdatedAt)
			}
		})
	}
}

func TestProjects_IndexOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewProjects(NewMemoryKV())
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	a, b := sampleProject("A"), sampleProject("B")
	for _, p := range []*project.Project{a, b} {
		if err := repo.Save(ctx, p); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	a.Name = "A2"
	if err := repo.Save(ctx, a); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.ID || list[0].Name != "A2" || list[1].ID != b.ID {
		t.Errorf("Unexpected index: %+v", list)
	}

	if err := repo.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Load(ctx, a.ID); !errors.Is(err, ErrNoProject) {
		t.Errorf("Expected ErrNoProject after delete, got %v", err)
	}
	list, _ = repo.List(ctx)
	if len(list) != 1 {
		t.Errorf("Expected 1 index entry after delete, got %d", len(list))
	}
}

func TestProjects_SaveRejectsInvalid(t *testing.T) {
	repo := NewProjects(NewMemoryKV())
	p := sampleProject("Bad")
	p.BPM = 0
	if err := repo.Save(context.Background(), p); err == nil {
		t.Error("Expected invalid project to be rejected")
	}
}

func TestProjects_CorruptEntries(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{"id": "x", "tracks": [`},
		{"missing id", `{"name": "no id", "tracks": []}`},
		{"empty id", `{"id": "", "tracks": []}`},
		{"tracks not array", `{"id": "x", "tracks": {"a": 1}}`},
		{"tracks missing", `{"id": "x", "name": "n"}`},
		{"wrong field type", `{"id": "x", "bpm": "fast", "tracks": []}`},
		{"zero bpm", `{"id": "x", "bpm": 0, "timeSignature": [4, 4], "loopEnd": 16, "tracks": []}`},
		{"empty loop", `{"id": "x", "bpm": 120, "timeSignature": [4, 4], "loopStart": 8, "loopEnd": 8, "tracks": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			kv := NewMemoryKV()
			repo := NewProjects(kv)
			good := sampleProject("Good")
			if err := repo.Save(ctx, good); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			// put a corrupt entry with its own index line
			bad := sampleProject("Bad")
			if err := repo.Save(ctx, bad); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			kv.Set(ctx, ProjectKey(bad.ID), []byte(tt.data))

			_, err := repo.Load(ctx, bad.ID)
			if !errors.Is(err, ErrNoProject) {
				t.Fatalf("Expected ErrNoProject, got %v", err)
			}
			if _, err := kv.Get(ctx, ProjectKey(bad.ID)); !errors.Is(err, ErrNotFound) {
				t.Error("Expected corrupt entry to be deleted")
			}
			list, _ := repo.List(ctx)
			if len(list) != 1 || list[0].ID != good.ID {
				t.Errorf("Expected only the good project in the index, got %+v", list)
			}
			if _, err := repo.Load(ctx, good.ID); err != nil {
				t.Errorf("Expected good project to survive, got %v", err)
			}
		})
	}
}

func TestProjects_CorruptIndexIsRebuilt(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	repo := NewProjects(kv)
	p := sampleProject("Survivor")
	if err := repo.Save(ctx, p); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	kv.Set(ctx, indexKey, []byte("not json"))

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != p.ID {
		t.Errorf("Expected rebuilt index with one entry, got %+v", list)
	}
}

func TestFileKV(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := kv.Set(ctx, "project:a/b", []byte(`{}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	keys, err := kv.Keys(ctx, "project:")
	if err != nil || len(keys) != 1 || keys[0] != "project:a/b" {
		t.Errorf("Unexpected keys %v, %v", keys, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("Expected no temp files left behind, got %d entries", len(entries))
	}
	if err := kv.Delete(ctx, "project:a/b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := kv.Delete(ctx, "project:a/b"); err != nil {
		t.Errorf("Expected deleting a missing key to succeed, got %v", err)
	}
	if _, ok := kv.KeyForPath(filepath.Join(dir, ".tmp-123")); ok {
		t.Error("Expected temp files to be ignored")
	}
}

func TestWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	kv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV failed: %v", err)
	}
	w, err := NewWatcher(kv)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()
	w.debounce = 10 * time.Millisecond

	changed := make(chan string, 4)
	go w.Run(ctx, func(id string) { changed <- id })

	kv.Set(ctx, indexKey, []byte("[]"))
	kv.Set(ctx, ProjectKey("abc"), []byte(`{"id":"abc","tracks":[]}`))

	select {
	case id := <-changed:
		if id != "abc" {
			t.Errorf("Expected change for abc, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for change notification")
	}
}
