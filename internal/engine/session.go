// Package engine schedules a project's clips against the audio clock and
// renders offline mixdowns of it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/encode"
	"github.com/audiolibrelab/jamz/internal/project"
)

// DefaultFrameInterval is the position-update period, one display frame
const DefaultFrameInterval = 16 * time.Millisecond

var (
	// ErrContextUnavailable is returned when the audio output cannot be created
	ErrContextUnavailable = errors.New("audio context unavailable")
	ErrDisposed           = errors.New("engine session disposed")
	ErrNoProject          = errors.New("no project loaded")
	ErrNoInput            = errors.New("no input device configured")
	ErrInvalidRange       = errors.New("invalid export range")
)

// SinkFactory opens the output for a realtime context
type SinkFactory func() (audio.Sink, error)

// Fetcher resolves an audio URL into encoded bytes
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options configures a Session. A nil Sink gives a manually clocked
// context that only advances through Context().Advance.
type Options struct {
	SampleRate int
	Sink       SinkFactory
	// FrameInterval drives Tick while playing. Zero disables the ticker.
	FrameInterval time.Duration
	Fetcher       Fetcher
	Decoder       audio.Decoder
	Input         audio.InputDevice
	Encoder       *encode.Encoder
	// ExportSampleRate is the offline render rate
	ExportSampleRate int
	Logger           *slog.Logger
}

// State is a transport snapshot
type State struct {
	Playing     bool    `json:"playing"`
	Recording   bool    `json:"recording"`
	CurrentBeat float64 `json:"currentBeat"`
	// CurrentTime is the transport position in seconds
	CurrentTime float64 `json:"currentTime"`
	MasterLevel float64 `json:"masterLevel"`
	InputLevel  float64 `json:"inputLevel"`
	// Looped is set on the tick that wrapped to the loop start
	Looped bool `json:"looped,omitempty"`
}

// Session owns one audio context and the transport that plays a project on it
type Session struct {
	opts  Options
	log   *slog.Logger
	cache *bufferCache

	mu          sync.Mutex
	actx        *audio.Context
	disposed    bool
	project     *project.Project
	playing     bool
	startTime   float64
	startBeat   float64
	position    float64
	generation  uint64
	sources     map[string]*audio.Source
	recorder    *audio.Recorder
	recordTrack string
	recordBeat  float64
	tickerStop  chan struct{}

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// NewSession creates a session. The audio context is created on Init or first use.
func NewSession(opts Options) *Session {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	if opts.ExportSampleRate <= 0 {
		opts.ExportSampleRate = audio.DefaultSampleRate
	}
	if opts.Decoder == nil {
		opts.Decoder = audio.NewDecoder(opts.SampleRate)
	}
	if opts.Encoder == nil {
		opts.Encoder = encode.NewEncoder("", encode.DefaultMp3Bitrate)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		opts:    opts,
		log:     logger,
		sources: make(map[string]*audio.Source),
		subs:    make(map[int]func(State)),
	}
	s.cache = newBufferCache(opts.Fetcher, opts.Decoder)
	if opts.Input != nil {
		s.recorder = audio.NewRecorder(opts.Input)
	}
	return s
}

// Init creates the audio context if it does not exist yet
func (s *Session) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Session) initLocked() error {
	if s.disposed {
		return ErrDisposed
	}
	if s.actx != nil {
		return nil
	}
	if s.opts.Sink == nil {
		s.actx = audio.NewManualContext(s.opts.SampleRate)
		return nil
	}
	sink, err := s.opts.Sink()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContextUnavailable, err)
	}
	actx, err := audio.NewContext(s.opts.SampleRate, sink)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContextUnavailable, err)
	}
	s.actx = actx
	s.log.Info("Audio context created", "sample_rate", s.opts.SampleRate)
	return nil
}

// Context returns the audio context, or nil before Init
func (s *Session) Context() *audio.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actx
}

// Dispose stops playback and recording and closes the context. The session
// cannot be used afterwards.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.haltLocked()
	actx := s.actx
	s.actx = nil
	rec := s.recorder
	s.mu.Unlock()

	if rec != nil && rec.IsRecording() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := rec.Stop(ctx); err != nil {
			s.log.Warn("Discarding recording on dispose", "error", err)
		}
		cancel()
	}
	if actx == nil {
		return nil
	}
	for _, id := range actx.Graph().BusIDs() {
		actx.Graph().RemoveBus(id)
	}
	// closed outside s.mu: source callbacks on the render goroutine take it
	return actx.Close()
}

// Project returns the engine's copy of the project
func (s *Session) Project() *project.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// SetProject installs a snapshot of p and updates the mixer from it.
// Scheduled sources keep playing; use Reschedule after timeline changes.
// A tempo change while playing re-anchors at the current beat.
func (s *Session) SetProject(p *project.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing && s.project != nil && p != nil && p.BPM != s.project.BPM {
		s.rescheduleLocked(p)
		return
	}
	s.setProjectLocked(p)
}

func (s *Session) setProjectLocked(p *project.Project) {
	if p == nil {
		s.haltLocked()
		s.project = nil
		s.cache.retryFailed()
		return
	}
	if s.project == nil || s.project.ID != p.ID {
		s.cache.retryFailed()
	}
	s.project = p.Clone()
	if s.actx == nil {
		return
	}
	g := s.actx.Graph()
	for _, id := range g.BusIDs() {
		if s.project.Track(id) == nil {
			g.RemoveBus(id)
			s.log.Debug("Removed bus of deleted track", "track", id)
		}
	}
	for _, t := range s.project.Tracks {
		if b, ok := g.LookupBus(t.ID); ok {
			applyTrack(b, t)
		}
	}
}

// Reschedule installs p and, when playing, re-anchors at the current
// position so timeline and tempo changes take effect.
func (s *Session) Reschedule(p *project.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescheduleLocked(p)
}

// rescheduleLocked reads the playhead at the old tempo before installing p
func (s *Session) rescheduleLocked(p *project.Project) {
	playing := s.playing && s.project != nil
	var beat float64
	if playing {
		beat = s.beatAtLocked(s.actx.CurrentTime())
	}
	s.setProjectLocked(p)
	if !playing || !s.playing || s.project == nil {
		return
	}
	s.anchorLocked(beat)
}

// Play starts playback from the current position
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	beat := s.position
	if s.playing {
		beat = s.beatAtLocked(s.actx.CurrentTime())
	}
	return s.playLocked(ctx, beat)
}

// PlayFrom starts playback at beat
func (s *Session) PlayFrom(ctx context.Context, beat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playLocked(ctx, beat)
}

func (s *Session) playLocked(ctx context.Context, beat float64) error {
	if err := s.initLocked(); err != nil {
		return err
	}
	if s.project == nil {
		return ErrNoProject
	}
	if err := s.actx.Resume(ctx); err != nil {
		return fmt.Errorf("failed to resume audio context: %w", err)
	}
	if beat < 0 {
		beat = 0
	}
	if !s.playing {
		s.log.Debug("Transport started", "beat", beat)
	}
	s.anchorLocked(beat)
	s.startTickerLocked()
	return nil
}

// anchorLocked stops every source, records a new anchor at the current
// clock time and schedules all audible clips in one pass
func (s *Session) anchorLocked(beat float64) {
	s.stopSourcesLocked()
	s.generation++
	now := s.actx.CurrentTime()
	s.startTime = now
	s.startBeat = beat
	s.position = beat
	s.playing = true
	s.scheduleAllLocked(now)
}

// Pause silences all sources and freezes the position
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
}

// Stop pauses and rewinds to the loop start when looping, else to zero
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
	s.position = 0
	if s.project != nil && s.project.LoopEnabled {
		s.position = s.project.LoopStart
	}
}

func (s *Session) haltLocked() {
	if s.playing && s.actx != nil {
		s.position = s.beatAtLocked(s.actx.CurrentTime())
	}
	s.playing = false
	s.generation++
	s.stopSourcesLocked()
	s.stopTickerLocked()
}

// Seek moves the transport. While playing it reschedules from beat.
func (s *Session) Seek(ctx context.Context, beat float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing {
		return s.playLocked(ctx, beat)
	}
	if beat < 0 {
		beat = 0
	}
	s.position = beat
	return nil
}

func (s *Session) beatAtLocked(now float64) float64 {
	if s.project == nil {
		return s.startBeat
	}
	return s.startBeat + project.SecondsToBeats(now-s.startTime, s.project.BPM)
}

// State returns the transport snapshot without advancing the loop
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{Playing: s.playing, CurrentBeat: s.position}
	if s.playing && s.actx != nil {
		st.CurrentBeat = s.beatAtLocked(s.actx.CurrentTime())
	}
	if s.project != nil {
		st.CurrentTime = project.BeatsToSeconds(st.CurrentBeat, s.project.BPM)
	}
	if s.actx != nil {
		st.MasterLevel = s.actx.Graph().Analyser().Level()
	}
	if s.recorder != nil && s.recorder.IsRecording() {
		st.Recording = true
		st.InputLevel = s.recorder.Analyser().Level()
	}
	return st
}

// Tick runs one position update: it computes the position, wraps the loop
// when the position reaches the loop end and samples the meters. The
// snapshot is sent to subscribers.
func (s *Session) Tick() State {
	s.mu.Lock()
	looped := false
	if s.playing && s.project != nil && s.project.LoopEnabled {
		if s.beatAtLocked(s.actx.CurrentTime()) >= s.project.LoopEnd {
			s.anchorLocked(s.project.LoopStart)
			looped = true
		}
	}
	if s.playing {
		s.position = s.beatAtLocked(s.actx.CurrentTime())
	}
	st := s.stateLocked()
	st.Looped = looped
	s.mu.Unlock()

	s.broadcast(st)
	return st
}

func (s *Session) startTickerLocked() {
	if s.opts.FrameInterval <= 0 || s.tickerStop != nil {
		return
	}
	stop := make(chan struct{})
	s.tickerStop = stop
	go func() {
		t := time.NewTicker(s.opts.FrameInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.Tick()
			}
		}
	}()
}

func (s *Session) stopTickerLocked() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

// Subscribe registers fn for every tick snapshot and returns its removal func
func (s *Session) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Session) broadcast(st State) {
	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}
