package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/audiolibrelab/jamz/internal/audio"
	"github.com/audiolibrelab/jamz/internal/project"
)

var errNoFetcher = errors.New("no audio fetcher configured")

// bufferCache holds decoded audio by URL. Concurrent loads of one URL
// share a single fetch. A failed load is remembered until the cache
// generation changes, so an unreachable URL is not fetched again on every
// loop wrap.
type bufferCache struct {
	fetcher Fetcher
	decoder audio.Decoder

	mu      sync.Mutex
	gen     uint64
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	done chan struct{}
	buf  *audio.Buffer
	err  error
	gen  uint64
}

func newBufferCache(fetcher Fetcher, decoder audio.Decoder) *bufferCache {
	return &bufferCache{fetcher: fetcher, decoder: decoder, entries: make(map[string]*cacheEntry)}
}

// cached returns the decoded buffer for url if it is resident
func (c *bufferCache) cached(url string) *audio.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return nil
	}
	select {
	case <-e.done:
		return e.buf
	default:
		return nil
	}
}

// failed returns the error of the last load of url in this generation
func (c *bufferCache) failed(url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok || e.gen != c.gen {
		return nil
	}
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// retryFailed starts a new generation; remembered failures load again
func (c *bufferCache) retryFailed() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

func (c *bufferCache) put(url string, buf *audio.Buffer) {
	e := &cacheEntry{done: make(chan struct{}), buf: buf}
	close(e.done)
	c.mu.Lock()
	e.gen = c.gen
	c.entries[url] = e
	c.mu.Unlock()
}

// load fetches and decodes url. Canceled loads are not remembered.
func (c *bufferCache) load(ctx context.Context, url string) (*audio.Buffer, error) {
	c.mu.Lock()
	e, ok := c.entries[url]
	if ok && e.gen != c.gen && isDone(e) && e.err != nil {
		ok = false
	}
	if !ok {
		e = &cacheEntry{done: make(chan struct{}), gen: c.gen}
		c.entries[url] = e
		c.mu.Unlock()
		e.buf, e.err = c.fetchDecode(ctx, url)
		if e.err != nil && ctx.Err() != nil {
			c.mu.Lock()
			if c.entries[url] == e {
				delete(c.entries, url)
			}
			c.mu.Unlock()
		}
		close(e.done)
		return e.buf, e.err
	}
	c.mu.Unlock()

	select {
	case <-e.done:
		return e.buf, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isDone(e *cacheEntry) bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (c *bufferCache) fetchDecode(ctx context.Context, url string) (*audio.Buffer, error) {
	if c.fetcher == nil {
		return nil, errNoFetcher
	}
	data, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audio: %w", err)
	}
	buf, err := c.decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// LoadAudio fetches and decodes url, caching the result for scheduling
func (s *Session) LoadAudio(ctx context.Context, url string) (*audio.Buffer, error) {
	return s.cache.load(ctx, url)
}

// LoadAudioData decodes local file contents. When url is not empty the
// buffer is cached under it so clips referencing url play without a fetch.
func (s *Session) LoadAudioData(data []byte, url string) (*audio.Buffer, error) {
	buf, err := s.opts.Decoder.Decode(data)
	if err != nil {
		return nil, err
	}
	if url != "" {
		s.cache.put(url, buf)
	}
	return buf, nil
}

// resolveBuffer returns the clip's resident buffer or loads it through the
// cache. Clips without audio resolve to nil.
func (s *Session) resolveBuffer(ctx context.Context, c *project.Clip) (*audio.Buffer, error) {
	if c.Buffer != nil {
		return c.Buffer, nil
	}
	if c.AudioURL == "" {
		return nil, nil
	}
	return s.cache.load(ctx, c.AudioURL)
}
