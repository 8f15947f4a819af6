package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/config"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/engine"
	"github.com/audiolibrelab/jamz/internal/project"
	"github.com/audiolibrelab/jamz/internal/stems"
	"github.com/audiolibrelab/jamz/internal/storage"
	"github.com/audiolibrelab/jamz/internal/store"
)

// ErrNoOpenProject is returned by operations that need an open project
var ErrNoOpenProject = errors.New("no project is open")

// Service represents the core Jamz service interface
type Service interface {
	// Project operations
	ListProjects(ctx context.Context) ([]store.Summary, error)
	CreateProject(ctx context.Context, name string) (*project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	SaveProject(ctx context.Context, p *project.Project) (*project.Project, error)
	DeleteProject(ctx context.Context, id string) error
	OpenProject(ctx context.Context, id string) (*project.Project, error)
	CurrentProject() *project.Project

	// Timeline operations on the open project
	AddTrack(ctx context.Context, name string, kind project.TrackKind) (*project.Track, error)
	ImportAudio(ctx context.Context, trackID, name string, data []byte, startBeat float64) (*project.Clip, error)

	// Transport operations
	Play(ctx context.Context) error
	PlayFrom(ctx context.Context, beat float64) error
	Pause()
	Stop()
	Seek(ctx context.Context, beat float64) error
	State() engine.State
	Subscribe(fn func(engine.State)) func()

	// Recording operations
	StartRecording(ctx context.Context, trackID string) error
	StopRecording(ctx context.Context) (*project.Clip, error)

	// Export operations
	ExportMix(ctx context.Context, format string, r *engine.Range) ([]byte, encode.Format, error)
	ExportStems(ctx context.Context, format string, r *engine.Range) ([]engine.Stem, encode.Format, error)
	WriteExport(name string, format encode.Format, data []byte) (string, error)

	// Stem separation operations
	SeparateClip(ctx context.Context, clipID string, opts SeparateOptions) ([]stems.Result, error)
	StemsProgress() stems.Progress
	CancelStems()

	// Information operations
	Sources(ctx context.Context) ([]string, error)
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// Options overrides the backends built from the configuration
type Options struct {
	Config     *config.Config
	ConfigFile string
	KV         store.KV
	Blobs      storage.BlobStore
	Sink       engine.SinkFactory
	Input      audio.InputDevice
	HTTPClient *http.Client
	// ManualClock runs the engine without an output sink
	ManualClock bool
	Logger      *slog.Logger
}

// SeparateOptions configures SeparateClip
type SeparateOptions struct {
	Stems   []stems.StemType
	Quality string
	// AddTracks inserts every stem as a new track of the open project
	AddTracks bool
}

// JamzService is the main service implementation
type JamzService struct {
	cfg        *config.Config
	configFile string
	log        *slog.Logger

	kv       store.KV
	projects *store.Projects
	blobs    storage.BlobStore
	fetcher  *storage.Fetcher
	engine   *engine.Session
	stems    *stems.Client

	watcher     *store.Watcher
	stopWatcher context.CancelFunc

	// mu guards the open project. It is taken before the engine lock.
	mu      sync.Mutex
	current *project.Project

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new Jamz service instance
func New(ctx context.Context, opts Options) (*JamzService, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &JamzService{cfg: cfg, configFile: opts.ConfigFile, log: logger}

	kv := opts.KV
	if kv == nil {
		var err error
		if kv, err = newKV(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}
	s.kv = kv
	s.projects = store.NewProjects(kv)

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	s.fetcher = storage.NewFetcher(httpClient)

	s.blobs = opts.Blobs
	if s.blobs == nil {
		blobs, err := newBlobStore(ctx, cfg.Blobs)
		if err != nil {
			kv.Close()
			return nil, err
		}
		s.blobs = blobs
	}
	if m, ok := s.blobs.(*storage.MinioBlobStore); ok {
		s.fetcher.WithMinio(m.Client())
	}

	decoder := audio.NewDecoder(cfg.Audio.SampleRate)
	if cfg.Audio.FFmpegPath != "" {
		decoder.FFmpegPath = cfg.Audio.FFmpegPath
	}

	input := opts.Input
	if input == nil {
		dev, err := newInputDevice(cfg)
		if err != nil {
			logger.Warn("Recording disabled", "error", err)
		} else {
			input = dev
		}
	}

	sink := opts.Sink
	if sink == nil && !opts.ManualClock {
		sink = sinkFactory(cfg.Audio.Output)
	}
	frameInterval := cfg.Audio.FrameInterval
	if opts.ManualClock {
		frameInterval = 0
	}
	s.engine = engine.NewSession(engine.Options{
		SampleRate:       cfg.Audio.SampleRate,
		Sink:             sink,
		FrameInterval:    frameInterval,
		Fetcher:          s.fetcher,
		Decoder:          decoder,
		Input:            input,
		Encoder:          encode.NewEncoder(cfg.Audio.FFmpegPath, cfg.Export.Mp3Bitrate),
		ExportSampleRate: cfg.Export.SampleRate,
		Logger:           logger,
	})

	s.stems = stems.NewClient(cfg.Stems.Endpoint, httpClient, decoder)
	s.stems.PollInterval = cfg.Stems.PollInterval
	s.stems.MaxAttempts = cfg.Stems.MaxAttempts

	if fkv, ok := kv.(*store.FileKV); ok && cfg.Store.Watch {
		if err := s.startWatcher(fkv); err != nil {
			logger.Warn("Store watcher disabled", "error", err)
		}
	}
	return s, nil
}

func newKV(ctx context.Context, cfg config.StoreConfig) (store.KV, error) {
	switch cfg.Backend {
	case "redis":
		return store.NewRedisKV(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return store.NewFileKV(cfg.Directory)
	}
}

func newBlobStore(ctx context.Context, cfg config.BlobsConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "minio":
		return storage.NewMinioBlobStore(ctx, storage.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
			Prefix:    cfg.Minio.Prefix,
		})
	default:
		return storage.NewFileBlobStore(cfg.Directory)
	}
}

func newInputDevice(cfg *config.Config) (audio.InputDevice, error) {
	opts := audio.InputOptions{
		Backend:    "auto",
		SampleRate: cfg.Audio.SampleRate,
		Channels:   1,
		FFmpegPath: cfg.Audio.FFmpegPath,
	}
	if in := cfg.Input; in != nil {
		opts.Backend = in.Backend
		opts.Device = in.Device
		opts.Sources = in.Sources
		opts.Channels = in.Channels()
	}
	return audio.NewInputDevice(opts)
}

// sinkFactory maps audio.output to a sink: "null", "auto" or a player command
func sinkFactory(output string) engine.SinkFactory {
	return func() (audio.Sink, error) {
		switch output {
		case "null":
			return audio.NewNullSink(), nil
		case "", "auto":
			player, err := audio.FindPlayer()
			if err != nil {
				return nil, err
			}
			return audio.NewCommandSink(player), nil
		default:
			return audio.NewCommandSink(output), nil
		}
	}
}

// Engine returns the engine session
func (s *JamzService) Engine() *engine.Session {
	return s.engine
}

// Close stops the watcher, releases the audio context and the store
func (s *JamzService) Close() error {
	if s.stopWatcher != nil {
		s.stopWatcher()
		s.watcher.Close()
	}
	var errs []error
	if err := s.engine.Dispose(); err != nil {
		errs = append(errs, err)
	}
	if err := s.kv.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetConfig returns the current configuration
func (s *JamzService) GetConfig() *config.Config {
	return s.cfg
}

// GetLastError returns the last error message
func (s *JamzService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *JamzService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err
}

func (s *JamzService) clearLastError() {
	s.setLastError("")
}

// fail records and returns err
func (s *JamzService) fail(op string, err error) error {
	s.log.Error("Service operation failed", "op", op, "error", err)
	s.setLastError(fmt.Sprintf("Failed to %s: %v", op, err))
	return err
}

// Sources lists the capture ports available for input definitions
func (s *JamzService) Sources(ctx context.Context) ([]string, error) {
	return audio.ListSources(ctx)
}

// ExportPath is where WriteExport puts an export called name
func (s *JamzService) ExportPath(name string, format encode.Format) string {
	return filepath.Join(s.cfg.Export.Directory, cleanFileName(name)+"."+format.Extension())
}

// WriteExport writes data into the export directory and returns the path
func (s *JamzService) WriteExport(name string, format encode.Format, data []byte) (string, error) {
	if err := os.MkdirAll(s.cfg.Export.Directory, 0755); err != nil {
		return "", s.fail("create export directory", err)
	}
	path := s.ExportPath(name, format)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", s.fail("write export", err)
	}
	s.log.Info("Export written", "path", path, "bytes", len(data))
	return path, nil
}

// cleanFileName removes path separators and characters that are awkward in file names
func cleanFileName(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "\"", "", "'", "")
	name = replacer.Replace(name)
	if name == "" {
		name = "untitled"
	}
	return name
}

func blobName(dir, ext string) string {
	return dir + "/" + uuid.New().String() + ext
}
