package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/berth-dev/gradeloop/internal/cache"
	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/retry"
)

// maxImageBytes bounds a single fetched page.
const maxImageBytes = 20 << 20

// Image is one page of a submission, loaded once per run.
type Image struct {
	Index int    // 0-based position in the submission
	Ref   string // the reference as given: URL or file path
	Data  []byte
	Hash  string // content hash, used for cache keys
	MIME  string
}

// ModelURL returns what to send to a vision model: the original http(s)
// URL when there is one, otherwise an inline data URI.
func (img Image) ModelURL() string {
	if isHTTP(img.Ref) {
		return img.Ref
	}
	return llm.DataURI(img.MIME, img.Data)
}

// Fetcher loads raw image bytes from a reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FileFetcher reads local paths and file:// URLs.
type FileFetcher struct{}

func (FileFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	path := strings.TrimPrefix(ref, "file://")
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, retry.Permanent(CodeFetchFailed, fmt.Errorf("opening image: %w", err))
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		return nil, retry.Permanent(CodeFetchFailed, fmt.Errorf("reading image: %w", err))
	}
	if len(data) > maxImageBytes {
		return nil, retry.Permanent(CodeFetchFailed, fmt.Errorf("image %s exceeds %d bytes", ref, maxImageBytes))
	}
	return data, nil
}

// HTTPFetcher downloads http(s) URLs.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns an HTTPFetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, retry.Permanent(CodeFetchFailed, fmt.Errorf("building request: %w", err))
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, retry.Transient(CodeFetchFailed, fmt.Errorf("fetching %s: %w", ref, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetching %s: status %d", ref, resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, retry.Transient(CodeFetchFailed, err)
		}
		return nil, retry.Permanent(CodeFetchFailed, err)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, retry.Transient(CodeFetchFailed, fmt.Errorf("reading %s: %w", ref, err))
	}
	if len(data) > maxImageBytes {
		return nil, retry.Permanent(CodeFetchFailed, fmt.Errorf("image %s exceeds %d bytes", ref, maxImageBytes))
	}
	return data, nil
}

// SchemeFetcher dispatches on the reference scheme.
type SchemeFetcher struct {
	HTTP Fetcher
	File Fetcher
}

// DefaultFetcher handles http(s) URLs, file:// URLs and bare paths.
func DefaultFetcher() *SchemeFetcher {
	return &SchemeFetcher{HTTP: NewHTTPFetcher(0), File: FileFetcher{}}
}

func (s *SchemeFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if isHTTP(ref) {
		return s.HTTP.Fetch(ctx, ref)
	}
	return s.File.Fetch(ctx, ref)
}

// ErrEmptyImage is returned when a reference resolves to zero bytes.
var ErrEmptyImage = errors.New("image is empty")

// LoadImage fetches ref and fills in hash and MIME type. Bytes that do not
// decode as a supported image format are rejected as decode_failed.
func LoadImage(ctx context.Context, f Fetcher, index int, ref string) (Image, error) {
	data, err := f.Fetch(ctx, ref)
	if err != nil {
		return Image{}, err
	}
	if len(data) == 0 {
		return Image{}, retry.Permanent(CodeFetchFailed, fmt.Errorf("%s: %w", ref, ErrEmptyImage))
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, retry.Permanent(CodeDecodeFailed, fmt.Errorf("%s (%s): %w", ref, http.DetectContentType(data), err))
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return Image{}, retry.Permanent(CodeDecodeFailed, fmt.Errorf("%s: %w", ref, ErrEmptyImage))
	}
	return Image{
		Index: index,
		Ref:   ref,
		Data:  data,
		Hash:  cache.ContentHash(data),
		MIME:  "image/" + format,
	}, nil
}

func isHTTP(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
