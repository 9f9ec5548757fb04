package tools

import (
	"context"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berth-dev/gradeloop/internal/cache"
	"github.com/berth-dev/gradeloop/internal/llm"
	"github.com/berth-dev/gradeloop/internal/retry"
	"github.com/berth-dev/gradeloop/internal/testutil"
)

func TestParseName(t *testing.T) {
	for _, n := range Names() {
		got, err := ParseName(string(n))
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
	_, err := ParseName("rm_rf")
	assert.Error(t, err)
}

func TestFallbackTable(t *testing.T) {
	f, ok := OCR.Fallback()
	assert.True(t, ok)
	assert.Equal(t, OCRFallback, f)

	f, ok = Locator.Fallback()
	assert.True(t, ok)
	assert.Equal(t, RegionDetector, f)

	_, ok = RegionDetector.Fallback()
	assert.False(t, ok)
	assert.True(t, Locator.IsSlicing())
	assert.False(t, OCRFallback.IsSlicing())
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	ok := Func{ToolName: OCR, Fn: func(context.Context, Input) ToolResult { return Success(nil, 0) }}
	_, err := NewRegistry(ok, ok)
	assert.Error(t, err)

	bad := Func{ToolName: "shell", Fn: ok.Fn}
	_, err = NewRegistry(bad)
	assert.Error(t, err)

	reg, err := NewRegistry(ok, nil)
	require.NoError(t, err)
	assert.True(t, reg.Has(OCR))
	assert.False(t, reg.Has(Locator))
}

func TestFromErrorCarriesClassification(t *testing.T) {
	r := FromError(retry.Transient(CodeTimeout, errors.New("slow")))
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, CodeTimeout, r.ErrorCode)
	assert.True(t, r.Retryable)

	r = FromError(retry.Permanent(CodeBadOutput, errors.New("junk")))
	assert.False(t, r.Retryable)
	assert.Equal(t, CodeBadOutput, r.ErrorCode)
}

func TestLoadImageFromFile(t *testing.T) {
	data := testutil.BlankPage(t, 20, 10)
	path := testutil.WritePage(t, t.TempDir(), "p.png", data)

	img, err := LoadImage(context.Background(), DefaultFetcher(), 2, path)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Index)
	assert.Equal(t, "image/png", img.MIME)
	assert.Equal(t, cache.ContentHash(data), img.Hash)
	assert.True(t, strings.HasPrefix(img.ModelURL(), "data:image/png;base64,"))

	_, err = LoadImage(context.Background(), DefaultFetcher(), 0, path+".missing")
	assert.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}

func TestLoadImageRejectsNonImages(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string][]byte{
		"notes.txt":     []byte("this is not an image at all"),
		"truncated.png": testutil.BlankPage(t, 20, 10)[:12],
	} {
		t.Run(name, func(t *testing.T) {
			path := testutil.WritePage(t, dir, name, data)
			_, err := LoadImage(context.Background(), DefaultFetcher(), 0, path)
			require.Error(t, err)
			assert.Equal(t, CodeDecodeFailed, retry.Code(err))
			assert.False(t, retry.IsTransient(err))
		})
	}
}

func TestHTTPFetcher(t *testing.T) {
	page := testutil.BlankPage(t, 8, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			_, _ = w.Write(page)
		case "/busy.png":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(time.Second)
	ctx := context.Background()

	img, err := LoadImage(ctx, DefaultFetcher(), 0, srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/ok.png", img.ModelURL())

	_, err = f.Fetch(ctx, srv.URL+"/busy.png")
	require.Error(t, err)
	assert.True(t, retry.IsTransient(err))

	_, err = f.Fetch(ctx, srv.URL+"/gone.png")
	require.Error(t, err)
	assert.False(t, retry.IsTransient(err))
}

func TestVisionOCR(t *testing.T) {
	client := (&llm.Scripted{}).Reply("  1. x = 2\nANSWER: 2 ", 30).Reply("   ", 4).
		Fail(retry.Transient(CodeRateLimited, errors.New("429")))
	ocr := NewVisionOCR(OCR, client, "vision-1", 0)
	in := Input{Image: Image{Data: []byte("png"), MIME: "image/png"}}

	r := ocr.Call(context.Background(), in)
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, "1. x = 2\nANSWER: 2", r.Text())
	assert.Equal(t, 30, r.Tokens)

	r = ocr.Call(context.Background(), in)
	assert.Equal(t, StatusEmpty, r.Status)
	assert.Equal(t, 4, r.Tokens)

	r = ocr.Call(context.Background(), in)
	assert.Equal(t, StatusError, r.Status)
	assert.True(t, r.Retryable)

	reqs := client.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "vision-1", reqs[0].Model)
	require.Len(t, reqs[0].Images, 1)
}

func TestParseRegions(t *testing.T) {
	regions, err := parseRegions(`{"regions":[
		{"kind":"figure","box":[0.25,0.5,0.75,1.0]},
		{"kind":"table","box":[0,0,1,1]},
		{"kind":"question","box":[0.5,0.5,0.5,0.9]},
		{"kind":"question","box":[-1,0,2,0.5]}
	]}`, 400, 200)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, Region{Kind: SliceFigure, Box: Box{X0: 100, Y0: 100, X1: 300, Y1: 200}}, regions[0])
	assert.Equal(t, Box{X0: 0, Y0: 0, X1: 400, Y1: 100}, regions[1].Box)

	_, err = parseRegions("I could not find anything", 10, 10)
	assert.Error(t, err)
}

func TestModelLocator(t *testing.T) {
	page := testutil.BlankPage(t, 400, 200)
	client := (&llm.Scripted{}).
		Reply(`{"regions":[{"kind":"figure","box":[0.1,0.1,0.5,0.5]}]}`, 12).
		Reply(`{"regions":[]}`, 5).
		Reply(`not json`, 5)
	loc := NewModelLocator(client, "", 0)
	in := Input{Image: Image{Data: page, MIME: "image/png"}}

	r := loc.Call(context.Background(), in)
	require.Equal(t, StatusOK, r.Status)
	require.Len(t, r.Data.Regions, 1)
	assert.Equal(t, Box{X0: 40, Y0: 20, X1: 200, Y1: 100}, r.Data.Regions[0].Box)
	assert.True(t, client.Requests()[0].JSON)

	r = loc.Call(context.Background(), in)
	assert.Equal(t, StatusEmpty, r.Status)
	assert.Equal(t, CodeNoRegions, r.ErrorCode)

	r = loc.Call(context.Background(), in)
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, CodeBadOutput, r.ErrorCode)
	assert.False(t, r.Retryable)

	r = loc.Call(context.Background(), Input{Image: Image{Data: []byte("garbage")}})
	assert.Equal(t, CodeDecodeFailed, r.ErrorCode)
	assert.Len(t, client.Requests(), 3, "undecodable pages never reach the model")
}

func TestDetectorFindsFigure(t *testing.T) {
	page := testutil.FigurePage(t, 400, 400, image.Rect(100, 100, 200, 200))
	r := NewDetector(DetectorConfig{}).Call(context.Background(), Input{Image: Image{Data: page}})

	require.Equal(t, StatusOK, r.Status)
	require.Len(t, r.Data.Regions, 1)
	box := r.Data.Regions[0].Box
	assert.Equal(t, SliceFigure, r.Data.Regions[0].Kind)
	assert.InDelta(t, 100, box.X0, 25)
	assert.InDelta(t, 100, box.Y0, 25)
	assert.InDelta(t, 200, box.X1, 25)
	assert.InDelta(t, 200, box.Y1, 25)
	assert.LessOrEqual(t, box.X0, 100)
	assert.GreaterOrEqual(t, box.X1, 200)
}

func TestDetectorIgnoresBlankPagesAndTextLines(t *testing.T) {
	det := NewDetector(DetectorConfig{})

	r := det.Call(context.Background(), Input{Image: Image{Data: testutil.BlankPage(t, 300, 300)}})
	assert.Equal(t, StatusEmpty, r.Status)
	assert.Equal(t, CodeNoRegions, r.ErrorCode)

	line := testutil.FigurePage(t, 400, 400, image.Rect(20, 50, 380, 56))
	r = det.Call(context.Background(), Input{Image: Image{Data: line}})
	assert.Equal(t, StatusEmpty, r.Status)

	r = det.Call(context.Background(), Input{Image: Image{Data: []byte("not an image")}})
	assert.Equal(t, StatusError, r.Status)
	assert.Equal(t, CodeDecodeFailed, r.ErrorCode)
}

func TestSlicerCropsAndUploads(t *testing.T) {
	dir := t.TempDir()
	page := testutil.FigurePage(t, 200, 100, image.Rect(10, 10, 60, 60))
	img := Image{Index: 1, Data: page, Hash: cache.ContentHash(page)}

	slices, stats, err := NewSlicer(DirUploader{Dir: dir}).Slice(context.Background(), img, []Region{
		{Kind: SliceFigure, Box: Box{X0: 5, Y0: 5, X1: 70, Y1: 70}},
		{Kind: SliceQuestion, Box: Box{X0: 150, Y0: 50, X1: 400, Y1: 300}},
		{Kind: SliceFigure, Box: Box{X0: 500, Y0: 500, X1: 600, Y1: 600}},
	})
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, 2, stats.Uploads)
	assert.Equal(t, 2, stats.Attempts)
	assert.Equal(t, Box{X0: 150, Y0: 50, X1: 200, Y1: 100}, slices[1].Box, "clipped to the page")
	for _, s := range slices {
		assert.Equal(t, 1, s.Page)
		require.True(t, strings.HasPrefix(s.URL, "file://"))
		_, err := os.Stat(strings.TrimPrefix(s.URL, "file://"))
		assert.NoError(t, err)
	}
}

// flakyUploader fails the first n calls, or blocks until the context ends
// when hang is set.
type flakyUploader struct {
	failures int32
	hang     bool
	calls    atomic.Int32
}

func (u *flakyUploader) Upload(ctx context.Context, name string, _ []byte, _ string) (string, error) {
	n := u.calls.Add(1)
	if u.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= u.failures {
		return "", errors.New("bucket unavailable")
	}
	return "mem://" + name, nil
}

func TestSlicerUploadFailure(t *testing.T) {
	page := testutil.FigurePage(t, 100, 100, image.Rect(10, 10, 60, 60))
	u := &flakyUploader{failures: 100}
	_, stats, err := NewSlicer(u, WithUploadPolicy(retry.Policy{MaxAttempts: 3})).Slice(context.Background(), Image{Data: page},
		[]Region{{Kind: SliceFigure, Box: Box{X0: 0, Y0: 0, X1: 50, Y1: 50}}})
	require.Error(t, err)
	assert.Equal(t, CodeUploadFailed, retry.Code(err))
	assert.True(t, retry.IsTransient(err))
	assert.EqualValues(t, 3, u.calls.Load())
	assert.Equal(t, 3, stats.Attempts)
	assert.Equal(t, CodeUploadFailed, stats.ErrorCode)
}

func TestSlicerRetriesTransientUpload(t *testing.T) {
	page := testutil.FigurePage(t, 100, 100, image.Rect(10, 10, 60, 60))
	u := &flakyUploader{failures: 2}
	slices, stats, err := NewSlicer(u, WithUploadPolicy(retry.Policy{MaxAttempts: 3})).Slice(context.Background(), Image{Data: page},
		[]Region{{Kind: SliceFigure, Box: Box{X0: 0, Y0: 0, X1: 50, Y1: 50}}})
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.True(t, strings.HasPrefix(slices[0].URL, "mem://"))
	assert.Equal(t, 3, stats.Attempts)
	assert.Empty(t, stats.ErrorCode)
}

func TestSlicerUploadTimeout(t *testing.T) {
	page := testutil.FigurePage(t, 100, 100, image.Rect(10, 10, 60, 60))
	u := &flakyUploader{hang: true}
	s := NewSlicer(u, WithUploadPolicy(retry.Policy{MaxAttempts: 2}), WithUploadTimeout(20*time.Millisecond))

	start := time.Now()
	_, stats, err := s.Slice(context.Background(), Image{Data: page},
		[]Region{{Kind: SliceFigure, Box: Box{X0: 0, Y0: 0, X1: 50, Y1: 50}}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, CodeTimeout, retry.Code(err))
	assert.EqualValues(t, 2, u.calls.Load())
	assert.Equal(t, 2, stats.Attempts)
}

func TestResultCache(t *testing.T) {
	ctx := context.Background()
	rc := NewResultCache(cache.NewMemory(16, time.Hour), time.Hour, nil)

	_, ok := rc.OCR(ctx, "h1")
	assert.False(t, ok)
	rc.PutOCR(ctx, "h1", "")
	_, ok = rc.OCR(ctx, "h1")
	assert.False(t, ok, "empty text is not cached")
	rc.PutOCR(ctx, "h1", "x = 2")
	text, ok := rc.OCR(ctx, "h1")
	assert.True(t, ok)
	assert.Equal(t, "x = 2", text)

	want := []Slice{{Kind: SliceFigure, URL: "file:///a.png", Page: 0, Box: Box{X1: 4, Y1: 4}}}
	rc.PutSlices(ctx, "h1", want)
	got, ok := rc.Slices(ctx, "h1")
	assert.True(t, ok)
	assert.Equal(t, want, got)

	assert.False(t, rc.SliceFailed(ctx, "h2"))
	rc.MarkSliceFailed(ctx, "h2")
	assert.True(t, rc.SliceFailed(ctx, "h2"))

	var disabled *ResultCache
	_, ok = disabled.OCR(ctx, "h1")
	assert.False(t, ok)
	assert.False(t, disabled.SliceFailed(ctx, "h1"))
}
