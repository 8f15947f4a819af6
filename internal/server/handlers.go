package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/service"
	"github.com/audiolibrelab/jamz/internal/stems"
	"github.com/audiolibrelab/jamz/internal/storage"
)

type createProjectRequest struct {
	Name string `json:"name"`
}

type addTrackRequest struct {
	Name string            `json:"name"`
	Kind project.TrackKind `json:"type"`
}

type playRequest struct {
	// Beat starts playback at a position instead of resuming
	Beat *float64 `json:"beat,omitempty"`
}

type seekRequest struct {
	Beat float64 `json:"beat"`
}

type recordRequest struct {
	TrackID string `json:"trackId"`
}

type separateRequest struct {
	Stems     []stems.StemType `json:"stems"`
	Quality   string           `json:"quality"`
	AddTracks bool             `json:"addTracks"`
}

// StemFile is an exported stem with its audio inlined as a data URL
type StemFile struct {
	TrackID   string `json:"trackId"`
	TrackName string `json:"trackName"`
	AudioURL  string `json:"audioUrl"`
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Transport: s.service.State(),
		Stems:     s.service.StemsProgress(),
		LastError: s.service.GetLastError(),
	}
	if cfg := s.service.GetConfig(); cfg != nil {
		resp.Profile = cfg.Profile
	}
	if p := s.service.CurrentProject(); p != nil {
		resp.ProjectID = p.ID
		resp.Project = p.Name
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.service.Sources(r.Context())
	if err != nil {
		s.sendErrorResponse(w, http.StatusServiceUnavailable,
			fmt.Sprintf("Failed to list sources: %v", err), "operation", "sources")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "count": len(sources)})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.service.ListProjects(r.Context())
	if err != nil {
		s.sendError(w, err, "list_projects")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "create_project")
		return
	}
	if req.Name == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Project name is required", "operation", "create_project")
		return
	}
	p, err := s.service.CreateProject(r.Context(), req.Name)
	if err != nil {
		s.sendError(w, err, "create_project")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err, "get_project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var p project.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid project: %v", err),
			"operation", "save_project", "id", id)
		return
	}
	if p.ID != id {
		s.sendErrorResponse(w, http.StatusBadRequest, "Project id does not match the URL",
			"operation", "save_project", "id", id)
		return
	}
	if err := p.Validate(); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "save_project", "id", id)
		return
	}
	saved, err := s.service.SaveProject(r.Context(), &p)
	if err != nil {
		s.sendError(w, err, "save_project")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.sendError(w, err, "delete_project")
		return
	}
	s.sendSuccess(w, "Project deleted")
}

func (s *Server) handleOpenProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.service.OpenProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.sendError(w, err, "open_project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCurrentProject(w http.ResponseWriter, r *http.Request) {
	p := s.service.CurrentProject()
	if p == nil {
		s.sendError(w, service.ErrNoOpenProject, "current_project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleAddTrack(w http.ResponseWriter, r *http.Request) {
	var req addTrackRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "add_track")
		return
	}
	t, err := s.service.AddTrack(r.Context(), req.Name, req.Kind)
	if err != nil {
		s.sendError(w, err, "add_track")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// handleImport accepts a multipart "audio" file and an optional startBeat
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["trackId"]
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to parse form", "operation", "import", "error", err)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Missing 'audio' file", "operation", "import")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Failed to read upload", "operation", "import", "error", err)
		return
	}

	var startBeat float64
	if v := r.FormValue("startBeat"); v != "" {
		if startBeat, err = strconv.ParseFloat(v, 64); err != nil || startBeat < 0 {
			s.sendErrorResponse(w, http.StatusBadRequest, "startBeat must be a number >= 0", "operation", "import")
			return
		}
	}

	clip, err := s.service.ImportAudio(r.Context(), trackID, header.Filename, data, startBeat)
	if err != nil {
		s.sendError(w, err, "import")
		return
	}
	writeJSON(w, http.StatusCreated, clip)
}

func (s *Server) handleSeparate(w http.ResponseWriter, r *http.Request) {
	var req separateRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "separate")
		return
	}
	results, err := s.service.SeparateClip(r.Context(), mux.Vars(r)["clipId"], service.SeparateOptions{
		Stems:     req.Stems,
		Quality:   req.Quality,
		AddTracks: req.AddTracks,
	})
	if err != nil {
		s.sendError(w, err, "separate")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stems": results})
}

func (s *Server) handleStemsProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.StemsProgress())
}

func (s *Server) handleCancelStems(w http.ResponseWriter, r *http.Request) {
	s.service.CancelStems()
	s.sendSuccess(w, "Stem separation cancelled")
}

func (s *Server) handleTransportState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "play")
		return
	}
	var err error
	if req.Beat != nil {
		err = s.service.PlayFrom(r.Context(), *req.Beat)
	} else {
		err = s.service.Play(r.Context())
	}
	if err != nil {
		s.sendError(w, err, "play")
		return
	}
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.service.Pause()
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.service.Stop()
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "seek")
		return
	}
	if err := s.service.Seek(r.Context(), req.Beat); err != nil {
		s.sendError(w, err, "seek")
		return
	}
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(r, &req); err != nil || req.TrackID == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "trackId is required", "operation", "start_recording")
		return
	}
	if err := s.service.StartRecording(r.Context(), req.TrackID); err != nil {
		s.sendError(w, err, "start_recording")
		return
	}
	writeJSON(w, http.StatusOK, s.service.State())
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	clip, err := s.service.StopRecording(r.Context())
	if err != nil && clip == nil {
		s.sendError(w, err, "stop_recording")
		return
	}
	resp := map[string]any{"success": true, "clip": clip}
	if err != nil {
		resp["warning"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseRange reads startBeat/endBeat query parameters. A missing bound
// defaults to the loop start or loop end.
func parseRange(r *http.Request) (*engine.Range, error) {
	q := r.URL.Query()
	start, end := q.Get("startBeat"), q.Get("endBeat")
	if start == "" && end == "" {
		return nil, nil
	}
	var rng engine.Range
	if start != "" {
		v, err := strconv.ParseFloat(start, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid startBeat: %q", start)
		}
		rng.Start = &v
	}
	if end != "" {
		v, err := strconv.ParseFloat(end, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid endBeat: %q", end)
		}
		rng.End = &v
	}
	return &rng, nil
}

func (s *Server) handleExportMix(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "export_mix")
		return
	}
	data, format, err := s.service.ExportMix(r.Context(), r.URL.Query().Get("format"), rng)
	if err != nil {
		s.sendError(w, err, "export_mix")
		return
	}

	name := "mix"
	if p := s.service.CurrentProject(); p != nil {
		name = p.Name
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"."+format.Extension()))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleExportStems(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, err.Error(), "operation", "export_stems")
		return
	}
	out, format, err := s.service.ExportStems(r.Context(), r.URL.Query().Get("format"), rng)
	if err != nil {
		s.sendError(w, err, "export_stems")
		return
	}
	files := make([]StemFile, 0, len(out))
	for _, st := range out {
		files = append(files, StemFile{
			TrackID:   st.TrackID,
			TrackName: st.TrackName,
			AudioURL:  storage.DataURL(format.ContentType(), st.Data),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"format": format, "stems": files})
}
