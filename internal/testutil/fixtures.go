// Package testutil provides fixtures shared by gradeloop tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

// TempFiles creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, content, 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// BlankPage returns a white PNG page with no content.
func BlankPage(t *testing.T, w, h int) []byte {
	t.Helper()
	return encodePNG(t, imaging.New(w, h, color.White))
}

// FigurePage returns a white PNG page with a black rectangle outline
// drawn at rect, standing in for a geometry figure.
func FigurePage(t *testing.T, w, h int, rect image.Rectangle) []byte {
	t.Helper()
	img := imaging.New(w, h, color.White)
	const stroke = 3
	black := color.NRGBA{A: 255}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			onEdge := x-rect.Min.X < stroke || rect.Max.X-x <= stroke ||
				y-rect.Min.Y < stroke || rect.Max.Y-y <= stroke
			if onEdge {
				img.SetNRGBA(x, y, black)
			}
		}
	}
	return encodePNG(t, img)
}

// WritePage writes page bytes to dir/name and returns the path.
func WritePage(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}
