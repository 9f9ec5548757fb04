package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/berth-dev/gradeloop/internal/retry"
)

// Uploader stores a slice image and returns a URL the grading model can read.
type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

// DirUploader writes slices to a local directory and returns file:// URLs.
type DirUploader struct {
	Dir string
}

func (u DirUploader) Upload(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating slice dir: %w", err)
	}
	path, err := filepath.Abs(filepath.Join(u.Dir, filepath.Base(name)))
	if err != nil {
		return "", fmt.Errorf("resolving slice path: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing slice: %w", err)
	}
	return "file://" + path, nil
}

// Slicer crops located regions out of a page and uploads them.
type Slicer struct {
	uploader Uploader
	policy   retry.Policy
	timeout  time.Duration
}

// SlicerOption configures a Slicer.
type SlicerOption func(*Slicer)

// WithUploadPolicy sets the retry policy for storage uploads.
func WithUploadPolicy(p retry.Policy) SlicerOption { return func(s *Slicer) { s.policy = p } }

// WithUploadTimeout bounds a single upload attempt.
func WithUploadTimeout(d time.Duration) SlicerOption {
	return func(s *Slicer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSlicer creates a Slicer that stores crops through u.
func NewSlicer(u Uploader, opts ...SlicerOption) *Slicer {
	s := &Slicer{uploader: u, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadStats summarizes the storage calls made while slicing one page.
type UploadStats struct {
	Uploads   int
	Attempts  int
	ErrorCode string
	Duration  time.Duration
}

// Slice crops every region of img and uploads it. Regions that fall outside
// the page are skipped. Each upload attempt is bounded by the upload
// timeout and transient failures are retried. Any upload that still fails
// fails the whole page so a partial slice set is never recorded.
func (s *Slicer) Slice(ctx context.Context, img Image, regions []Region) ([]Slice, UploadStats, error) {
	start := time.Now()
	var stats UploadStats
	fail := func(err error) ([]Slice, UploadStats, error) {
		stats.ErrorCode = retry.Code(err)
		stats.Duration = time.Since(start)
		return nil, stats, err
	}

	src, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return fail(retry.Permanent(CodeDecodeFailed, fmt.Errorf("decoding page %d: %w", img.Index, err)))
	}
	bounds := src.Bounds()

	var out []Slice
	for i, r := range regions {
		rect := image.Rect(r.Box.X0, r.Box.Y0, r.Box.X1, r.Box.Y1).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, imaging.Crop(src, rect), imaging.PNG); err != nil {
			return fail(retry.Permanent(CodeUploadFailed, fmt.Errorf("encoding slice: %w", err)))
		}
		name := fmt.Sprintf("%s-p%d-%s-%d.png", shortHash(img.Hash), img.Index, r.Kind, i)
		url, attempts, err := s.upload(ctx, name, buf.Bytes())
		stats.Uploads++
		stats.Attempts += attempts
		if err != nil {
			return fail(err)
		}
		out = append(out, Slice{
			Kind: r.Kind,
			URL:  url,
			Page: img.Index,
			Box:  Box{X0: rect.Min.X, Y0: rect.Min.Y, X1: rect.Max.X, Y1: rect.Max.Y},
		})
	}
	stats.Duration = time.Since(start)
	return out, stats, nil
}

type uploadResult struct {
	url string
	err error
}

func (s *Slicer) upload(ctx context.Context, name string, data []byte) (string, int, error) {
	res, attempts := retry.Run(ctx, s.policy, func(ctx context.Context, _ int) uploadResult {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		url, err := s.uploader.Upload(actx, name, data, "image/png")
		switch {
		case err == nil:
			return uploadResult{url: url}
		case ctx.Err() != nil:
			code := CodeCanceled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				code = CodeTimeout
			}
			return uploadResult{err: retry.Permanent(code, fmt.Errorf("uploading %s: %w", name, ctx.Err()))}
		case errors.Is(actx.Err(), context.DeadlineExceeded):
			return uploadResult{err: retry.Transient(CodeTimeout, fmt.Errorf("uploading %s: %w", name, err))}
		}
		var permanent *retry.PermanentError
		if errors.As(err, &permanent) {
			return uploadResult{err: err}
		}
		return uploadResult{err: retry.Transient(CodeUploadFailed, fmt.Errorf("uploading %s: %w", name, err))}
	}, func(r uploadResult) bool {
		return r.err != nil && retry.IsTransient(r.err) && ctx.Err() == nil
	})
	return res.url, attempts, res.err
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "page"
	}
	return h
}
