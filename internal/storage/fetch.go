package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/minio/minio-go/v7"
)

// ErrUnsupportedURL is returned for schemes the Fetcher cannot resolve
var ErrUnsupportedURL = errors.New("unsupported audio URL")

// ObjectGetter reads objects from an S3 compatible store
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
}

// Fetcher resolves audio URLs into bytes
type Fetcher struct {
	HTTP *http.Client
	// S3 resolves s3:// URLs. Nil disables them.
	S3 ObjectGetter
	// MaxBytes caps response sizes. Zero means no limit.
	MaxBytes int64
}

// NewFetcher creates a fetcher over http, file and data URLs
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{HTTP: client}
}

// WithMinio enables s3:// URLs through client
func (f *Fetcher) WithMinio(client *minio.Client) *Fetcher {
	f.S3 = minioGetter{client: client}
	return f
}

// Fetch returns the bytes behind rawURL
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return DecodeDataURL(rawURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "file":
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", u.Path, err)
		}
		return data, nil
	case "s3":
		if f.S3 == nil {
			return nil, fmt.Errorf("%w: s3 storage not configured", ErrUnsupportedURL)
		}
		data, err := f.S3.GetObject(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
		}
		return data, nil
	case "":
		// bare paths are local files
		data, err := os.ReadFile(rawURL)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURL, u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := f.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: %s", rawURL, resp.Status)
	}
	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, f.MaxBytes)
	}
	return data, nil
}

// DecodeDataURL decodes a base64 data: URL
func DecodeDataURL(rawURL string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data URL", ErrUnsupportedURL)
	}
	if !strings.HasSuffix(meta, ";base64") {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedURL, err)
		}
		return []byte(text), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 in data URL: %w", err)
	}
	return data, nil
}

// DataURL encodes data as a base64 data: URL
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
