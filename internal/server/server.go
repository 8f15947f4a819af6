package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/service"
	"github.com/audiolibrelab/jamz/internal/stems"
	"github.com/audiolibrelab/jamz/internal/store"
)

// maxUploadBytes caps imported audio files
const maxUploadBytes = 200 << 20

// Server exposes the service over HTTP and websocket
type Server struct {
	service service.Service
	addr    string
	router  *mux.Router
}

// GenericResponse represents a generic API response
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse represents the JSON response for the status endpoint
type StatusResponse struct {
	Transport engine.State   `json:"transport"`
	ProjectID string         `json:"projectId,omitempty"`
	Project   string         `json:"projectName,omitempty"`
	Stems     stems.Progress `json:"stems"`
	Profile   string         `json:"profile,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// New creates a new web server instance
func New(svc service.Service, addr string) *Server {
	s := &Server{service: svc, addr: addr}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)

	api.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	api.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", s.handleSaveProject).Methods(http.MethodPut)
	api.HandleFunc("/projects/{id}", s.handleDeleteProject).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/open", s.handleOpenProject).Methods(http.MethodPost)

	api.HandleFunc("/project", s.handleCurrentProject).Methods(http.MethodGet)
	api.HandleFunc("/project/tracks", s.handleAddTrack).Methods(http.MethodPost)
	api.HandleFunc("/project/tracks/{trackId}/clips", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/project/clips/{clipId}/stems", s.handleSeparate).Methods(http.MethodPost)

	api.HandleFunc("/transport", s.handleTransportState).Methods(http.MethodGet)
	api.HandleFunc("/transport/play", s.handlePlay).Methods(http.MethodPost)
	api.HandleFunc("/transport/pause", s.handlePause).Methods(http.MethodPost)
	api.HandleFunc("/transport/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/transport/seek", s.handleSeek).Methods(http.MethodPost)

	api.HandleFunc("/record/start", s.handleStartRecording).Methods(http.MethodPost)
	api.HandleFunc("/record/stop", s.handleStopRecording).Methods(http.MethodPost)

	api.HandleFunc("/export/mix", s.handleExportMix).Methods(http.MethodGet)
	api.HandleFunc("/export/stems", s.handleExportStems).Methods(http.MethodGet)

	api.HandleFunc("/stems/progress", s.handleStemsProgress).Methods(http.MethodGet)
	api.HandleFunc("/stems/cancel", s.handleCancelStems).Methods(http.MethodPost)

	router.HandleFunc("/ws/transport", s.handleTransportSocket)
	return router
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	slog.Info("Starting Jamz Web Server",
		"addr", s.addr,
		"local_url", fmt.Sprintf("http://%s%s", getLocalIP(), portOf(s.addr)))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) sendSuccess(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, GenericResponse{Success: true, Message: message})
}

// sendErrorResponse sends a standardized error response and logs it with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...any) {
	logFields := []any{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)
	writeJSON(w, statusCode, GenericResponse{Success: false, Error: errorMsg})
}

// sendError maps service errors to status codes
func (s *Server) sendError(w http.ResponseWriter, err error, operation string) {
	s.sendErrorResponse(w, statusFor(err), err.Error(), "operation", operation)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNoProject):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoOpenProject),
		errors.Is(err, engine.ErrNoProject),
		errors.Is(err, audio.ErrAlreadyRecording),
		errors.Is(err, audio.ErrNotRecording),
		errors.Is(err, stems.ErrBusy),
		errors.Is(err, stems.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrContextUnavailable),
		errors.Is(err, engine.ErrNoInput),
		errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrInvalidRange),
		errors.Is(err, stems.ErrUnknownStem):
		return http.StatusBadRequest
	case errors.Is(err, audio.ErrDecodeFailed),
		errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ""
	}
	return ":" + port
}
