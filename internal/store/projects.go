package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/jamz/internal/project"
)

// ErrNoProject is returned when a project does not exist or its stored
// form could not be recovered
var ErrNoProject = errors.New("no such project")

const (
	indexKey         = "projects"
	projectKeyPrefix = "project:"
)

// ProjectKey returns the KV key holding the project id
func ProjectKey(id string) string {
	return projectKeyPrefix + id
}

// ProjectIDFromKey is the inverse of ProjectKey
func ProjectIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, projectKeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, projectKeyPrefix), true
}

// Summary is one line of the project index
type Summary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Projects is the project repository
type Projects struct {
	kv  KV
	now func() time.Time
	mu  sync.Mutex
}

// NewProjects creates a repository on kv
func NewProjects(kv KV) *Projects {
	return &Projects{kv: kv, now: func() time.Time { return time.Now().UTC() }}
}

// KV returns the backend
func (r *Projects) KV() KV {
	return r.kv
}

// Save validates the project, bumps its updatedAt and writes it and its index entry
func (r *Projects) Save(ctx context.Context, p *project.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid project: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p.UpdatedAt = r.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.UpdatedAt
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}
	if err := r.kv.Set(ctx, ProjectKey(p.ID), data); err != nil {
		return err
	}

	index, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	index = upsert(index, Summary{ID: p.ID, Name: p.Name, UpdatedAt: p.UpdatedAt})
	if err := r.writeIndex(ctx, index); err != nil {
		return err
	}
	slog.Debug("Project saved", "id", p.ID, "name", p.Name, "bytes", len(data))
	return nil
}

// Load reads a project. Entries that cannot be parsed as a project are
// removed along with their index line and reported as ErrNoProject.
func (r *Projects) Load(ctx context.Context, id string) (*project.Project, error) {
	data, err := r.kv.Get(ctx, ProjectKey(id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoProject, id)
	}
	if err != nil {
		return nil, err
	}

	p, reason := decodeProject(data)
	if reason != "" {
		slog.Warn("Discarding corrupt project entry", "id", id, "reason", reason)
		r.discard(ctx, id)
		return nil, fmt.Errorf("%w: %s (corrupt entry removed: %s)", ErrNoProject, id, reason)
	}
	return p, nil
}

// decodeProject returns a non-empty reason when data is not a usable project
func decodeProject(data []byte) (*project.Project, string) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "invalid JSON"
	}
	var id string
	if err := json.Unmarshal(raw["id"], &id); err != nil || id == "" {
		return nil, "missing id"
	}
	tracks := bytes.TrimSpace(raw["tracks"])
	if len(tracks) == 0 || tracks[0] != '[' {
		return nil, "tracks is not an array"
	}

	var p project.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, "invalid project: " + err.Error()
	}
	for i, t := range p.Tracks {
		if t == nil {
			return nil, fmt.Sprintf("tracks[%d] is null", i)
		}
		if t.Clips == nil {
			t.Clips = []*project.Clip{}
		}
		for j, c := range t.Clips {
			if c == nil {
				return nil, fmt.Sprintf("tracks[%d].clips[%d] is null", i, j)
			}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, "invalid project: " + err.Error()
	}
	return &p, ""
}

func (r *Projects) discard(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Delete(ctx, ProjectKey(id)); err != nil {
		slog.Error("Failed to delete corrupt project", "id", id, "error", err)
	}
	index, err := r.readIndex(ctx)
	if err != nil {
		slog.Error("Failed to read project index", "error", err)
		return
	}
	if err := r.writeIndex(ctx, remove(index, id)); err != nil {
		slog.Error("Failed to update project index", "error", err)
	}
}

// List returns the index, most recently updated first
func (r *Projects) List(ctx context.Context) ([]Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readIndex(ctx)
}

// Delete removes a project and its index line. Deleting a missing project is not an error.
func (r *Projects) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.kv.Delete(ctx, ProjectKey(id)); err != nil {
		return err
	}
	index, err := r.readIndex(ctx)
	if err != nil {
		return err
	}
	return r.writeIndex(ctx, remove(index, id))
}

// readIndex must be called with r.mu held. A corrupt index is rebuilt from the stored projects.
func (r *Projects) readIndex(ctx context.Context) ([]Summary, error) {
	data, err := r.kv.Get(ctx, indexKey)
	if errors.Is(err, ErrNotFound) {
		return []Summary{}, nil
	}
	if err != nil {
		return nil, err
	}
	var index []Summary
	if err := json.Unmarshal(data, &index); err != nil {
		slog.Warn("Project index is corrupt, rebuilding", "error", err)
		return r.rebuildIndex(ctx)
	}
	sortIndex(index)
	return index, nil
}

func (r *Projects) rebuildIndex(ctx context.Context) ([]Summary, error) {
	keys, err := r.kv.Keys(ctx, projectKeyPrefix)
	if err != nil {
		return nil, err
	}
	index := []Summary{}
	for _, key := range keys {
		data, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		if p, reason := decodeProject(data); reason == "" {
			index = append(index, Summary{ID: p.ID, Name: p.Name, UpdatedAt: p.UpdatedAt})
		}
	}
	sortIndex(index)
	if err := r.writeIndex(ctx, index); err != nil {
		return nil, err
	}
	return index, nil
}

func (r *Projects) writeIndex(ctx context.Context, index []Summary) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("failed to encode project index: %w", err)
	}
	return r.kv.Set(ctx, indexKey, data)
}

func upsert(index []Summary, s Summary) []Summary {
	index = remove(index, s.ID)
	index = append(index, s)
	sortIndex(index)
	return index
}

func remove(index []Summary, id string) []Summary {
	out := index[:0]
	for _, s := range index {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func sortIndex(index []Summary) {
	sort.SliceStable(index, func(i, j int) bool {
		return index[i].UpdatedAt.After(index[j].UpdatedAt)
	})
}
