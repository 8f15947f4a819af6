// Package stems splits a recording into instrument stems through a remote
// separation service, falling back to a local filter approximation when the
// service is not deployed.
package stems

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/storage"
)

// StemType names an instrument group
type StemType string

const (
	Vocals StemType = "vocals"
	Drums  StemType = "drums"
	Bass   StemType = "bass"
	Other  StemType = "other"
	Piano  StemType = "piano"
	Guitar StemType = "guitar"
)

// DefaultStems are separated when Options.Stems is empty
var DefaultStems = []StemType{Vocals, Drums, Bass, Other}

// Valid reports whether t is one of the known instrument groups
func (t StemType) Valid() bool {
	switch t {
	case Vocals, Drums, Bass, Other, Piano, Guitar:
		return true
	}
	return false
}

// Title returns the stem name with its first letter upper-cased
func (t StemType) Title() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Status is the phase of a separation
type Status string

const (
	StatusIdle        Status = "idle"
	StatusUploading   Status = "uploading"
	StatusProcessing  Status = "processing"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Provenance tells whether stems came from the separation service or the
// local filter approximation
type Provenance string

const (
	ProvenanceRemote Provenance = "remote"
	ProvenanceLocal  Provenance = "local-approximation"
)

const (
	DefaultEndpoint     = "/api/stems/separate"
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 120
	PeakSegments        = 200
)

var (
	ErrCanceled    = errors.New("stem separation canceled")
	ErrTimeout     = errors.New("stem processing timeout")
	ErrBusy        = errors.New("stem separation already in progress")
	ErrUnknownStem = errors.New("unknown stem type")
)

// Progress is reported on every phase change
type Progress struct {
	Status      Status   `json:"status"`
	Progress    float64  `json:"progress"`
	Message     string   `json:"message"`
	CurrentStem StemType `json:"currentStem,omitempty"`
}

// Result is one separated stem
type Result struct {
	Type          StemType      `json:"type"`
	Buffer        *audio.Buffer `json:"-"`
	AudioURL      string        `json:"audioUrl"`
	WaveformPeaks []float64     `json:"waveformPeaks"`
	Provenance    Provenance    `json:"provenance"`
}

// Options selects what to separate
type Options struct {
	Stems []StemType
	// Quality is passed to the service: fast, balanced or high
	Quality    string
	Filename   string
	OnProgress func(Progress)
}

// Client talks to the separation job API
type Client struct {
	Endpoint     string
	HTTP         *http.Client
	Decoder      audio.Decoder
	PollInterval time.Duration
	MaxAttempts  int

	mu       sync.Mutex
	progress Progress
	lastErr  string
	cancel   context.CancelFunc
	canceled bool
}

// NewClient creates a client for endpoint. Relative stem URLs returned by
// the service are resolved against it.
func NewClient(endpoint string, httpClient *http.Client, decoder audio.Decoder) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Endpoint:     strings.TrimRight(endpoint, "/"),
		HTTP:         httpClient,
		Decoder:      decoder,
		PollInterval: DefaultPollInterval,
		MaxAttempts:  DefaultMaxAttempts,
		progress:     Progress{Status: StatusIdle},
	}
}

// Progress returns the latest progress report
func (c *Client) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// LastError returns the message of the last failed separation
func (c *Client) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsProcessing reports whether a separation is running
func (c *Client) IsProcessing() bool {
	switch c.Progress().Status {
	case StatusIdle, StatusComplete, StatusError:
		return false
	}
	return true
}

// Cancel aborts the running separation and resets progress to idle.
// Partially downloaded stems are discarded.
func (c *Client) Cancel() {
	c.mu.Lock()
	if c.cancel != nil {
		c.canceled = true
		c.cancel()
	}
	c.progress = Progress{Status: StatusIdle}
	c.mu.Unlock()
}

// Reset clears progress and the last error
func (c *Client) Reset() {
	c.mu.Lock()
	c.progress = Progress{Status: StatusIdle}
	c.lastErr = ""
	c.mu.Unlock()
}

type reporter struct {
	c  *Client
	fn func(Progress)
}

// update merges fields into the current progress like a partial state update
func (r reporter) update(status Status, pct float64, msg string, stem StemType) {
	r.c.mu.Lock()
	if r.c.canceled {
		r.c.mu.Unlock()
		return
	}
	p := r.c.progress
	if status != "" {
		p.Status = status
	}
	p.Progress = pct
	p.Message = msg
	if stem != "" {
		p.CurrentStem = stem
	}
	r.c.progress = p
	r.c.mu.Unlock()
	if r.fn != nil {
		r.fn(p)
	}
}

// Separate uploads audio and returns the separated stems. When the service
// answers 404 the stems are approximated locally and labelled as such.
func (c *Client) Separate(ctx context.Context, data []byte, opts Options) ([]Result, error) {
	if len(opts.Stems) == 0 {
		opts.Stems = DefaultStems
	}
	if opts.Quality == "" {
		opts.Quality = "balanced"
	}
	if opts.Filename == "" {
		opts.Filename = "audio.wav"
	}
	for _, t := range opts.Stems {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStem, t)
		}
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.canceled = false
	c.lastErr = ""
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	rep := reporter{c: c, fn: opts.OnProgress}
	results, err := c.separate(ctx, data, opts, rep)
	if err == nil {
		return results, nil
	}

	c.mu.Lock()
	canceled := c.canceled
	c.mu.Unlock()
	if canceled || errors.Is(err, context.Canceled) {
		c.mu.Lock()
		c.progress = Progress{Status: StatusIdle, Message: "Cancelled"}
		c.mu.Unlock()
		slog.Info("Stem separation cancelled")
		return nil, ErrCanceled
	}

	rep.update(StatusError, 0, err.Error(), "")
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	slog.Error("Stem separation failed", "error", err)
	return nil, err
}

func (c *Client) separate(ctx context.Context, data []byte, opts Options, rep reporter) ([]Result, error) {
	rep.update(StatusUploading, 10, "Uploading audio...", "")

	resp, err := c.upload(ctx, data, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		slog.Warn("Stem service not available, using local approximation", "endpoint", c.Endpoint)
		return c.separateLocally(ctx, data, opts.Stems, rep)
	}
	var job struct {
		JobID string `json:"jobId"`
	}
	err = decodeResponse(resp, &job)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("upload failed: no job id returned")
	}
	slog.Debug("Stem job created", "job", job.JobID)

	rep.update(StatusProcessing, 30, "AI is separating stems...", "")
	if err := c.poll(ctx, job.JobID, rep); err != nil {
		return nil, err
	}

	rep.update(StatusDownloading, 80, "Downloading stems...", "")
	return c.download(ctx, job.JobID, rep)
}

func (c *Client) upload(ctx context.Context, data []byte, opts Options) (*http.Response, error) {
	stemsJSON, err := json.Marshal(opts.Stems)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stems: %w", err)
	}
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("audio", opts.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	w.WriteField("stems", string(stemsJSON))
	w.WriteField("quality", opts.Quality)
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	return resp, nil
}

type jobStatus struct {
	Progress    float64  `json:"progress"`
	Message     string   `json:"message"`
	CurrentStem StemType `json:"currentStem"`
	Complete    bool     `json:"complete"`
	Error       string   `json:"error"`
}

func (c *Client) poll(ctx context.Context, jobID string, rep reporter) error {
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}

		var st jobStatus
		if err := c.getJSON(ctx, c.Endpoint+"/status/"+url.PathEscape(jobID), &st); err != nil {
			return fmt.Errorf("failed to check processing status: %w", err)
		}
		if st.Error != "" {
			return errors.New(st.Error)
		}
		msg := st.Message
		if msg == "" {
			msg = "Processing..."
		}
		rep.update("", 30+math.Min(st.Progress*0.5, 50), msg, st.CurrentStem)
		if st.Complete {
			return nil
		}
	}
	return ErrTimeout
}

func (c *Client) download(ctx context.Context, jobID string, rep reporter) ([]Result, error) {
	var listing struct {
		Stems []struct {
			Type StemType `json:"type"`
			URL  string   `json:"url"`
		} `json:"stems"`
	}
	if err := c.getJSON(ctx, c.Endpoint+"/download/"+url.PathEscape(jobID), &listing); err != nil {
		return nil, fmt.Errorf("failed to download stems: %w", err)
	}

	fetcher := storage.NewFetcher(c.HTTP)
	results := make([]Result, 0, len(listing.Stems))
	for _, s := range listing.Stems {
		if !s.Type.Valid() {
			return nil, fmt.Errorf("service returned a stem with %w %q", ErrUnknownStem, s.Type)
		}
		resolved, err := c.resolve(s.URL)
		if err != nil {
			return nil, err
		}
		data, err := fetcher.Fetch(ctx, resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to download %s stem: %w", s.Type, err)
		}
		buf, err := c.Decoder.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s stem: %w", s.Type, err)
		}
		results = append(results, Result{
			Type:          s.Type,
			Buffer:        buf,
			AudioURL:      s.URL,
			WaveformPeaks: audio.Peaks(buf, PeakSegments),
			Provenance:    ProvenanceRemote,
		})
		pct := 80 + float64(len(results))/float64(len(listing.Stems))*20
		rep.update("", pct, fmt.Sprintf("Downloaded %s...", s.Type), s.Type)
	}

	rep.update(StatusComplete, 100, "Stem separation complete!", "")
	return results, nil
}

// resolve makes service-relative stem URLs absolute
func (c *Client) resolve(raw string) (string, error) {
	if strings.HasPrefix(raw, "data:") {
		return raw, nil
	}
	base, err := url.Parse(c.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid stem endpoint: %w", err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid stem URL %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, v)
}

func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return errors.New(resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}
