package tools

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
)

// DetectorConfig tunes the deterministic region detector.
type DetectorConfig struct {
	WorkWidth     int     // pages are downscaled to this width before analysis
	EdgeThreshold int     // minimum luminance gradient counted as an edge
	DilateRadius  int     // edge mask dilation, in work pixels
	MinAreaRatio  float64 // regions smaller than this fraction of the page are dropped
	MaxAreaRatio  float64 // regions at least this large are treated as the whole page
	MaxAspect     float64 // wider-than-tall ratio above which a block is a text line
	MaxRegions    int
	Padding       int // pixels added around each region in page coordinates
}

// DefaultDetectorConfig returns the detector defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WorkWidth:     320,
		EdgeThreshold: 40,
		DilateRadius:  3,
		MinAreaRatio:  0.02,
		MaxAreaRatio:  0.9,
		MaxAspect:     8,
		MaxRegions:    4,
		Padding:       8,
	}
}

// Detector finds figure-like regions from the page pixels alone. It needs
// no model and is the last slicing tier.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector creates the detect_regions tool. Zero fields take defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	d := DefaultDetectorConfig()
	if cfg.WorkWidth <= 0 {
		cfg.WorkWidth = d.WorkWidth
	}
	if cfg.EdgeThreshold <= 0 {
		cfg.EdgeThreshold = d.EdgeThreshold
	}
	if cfg.DilateRadius <= 0 {
		cfg.DilateRadius = d.DilateRadius
	}
	if cfg.MinAreaRatio <= 0 {
		cfg.MinAreaRatio = d.MinAreaRatio
	}
	if cfg.MaxAreaRatio <= 0 {
		cfg.MaxAreaRatio = d.MaxAreaRatio
	}
	if cfg.MaxAspect <= 0 {
		cfg.MaxAspect = d.MaxAspect
	}
	if cfg.MaxRegions <= 0 {
		cfg.MaxRegions = d.MaxRegions
	}
	if cfg.Padding < 0 {
		cfg.Padding = 0
	}
	return &Detector{cfg: cfg}
}

func (d *Detector) Name() Name { return RegionDetector }

func (d *Detector) Call(ctx context.Context, in Input) ToolResult {
	if err := ctx.Err(); err != nil {
		return FromError(err)
	}
	src, err := imaging.Decode(bytes.NewReader(in.Image.Data))
	if err != nil {
		return Failure(CodeDecodeFailed, false, fmt.Sprintf("decoding page %d: %v", in.Image.Index, err))
	}
	regions := d.Detect(src)
	if len(regions) == 0 {
		return NoResult(CodeNoRegions)
	}
	return Success(&Payload{Regions: regions}, 0)
}

type component struct {
	x0, y0, x1, y1 int
}

func (c component) area() int { return (c.x1 - c.x0) * (c.y1 - c.y0) }

// Detect returns figure regions in src pixel coordinates, largest first.
func (d *Detector) Detect(src image.Image) []Region {
	bounds := src.Bounds()
	W, H := bounds.Dx(), bounds.Dy()
	if W == 0 || H == 0 {
		return nil
	}

	work := imaging.Clone(src)
	if W > d.cfg.WorkWidth {
		work = imaging.Resize(src, d.cfg.WorkWidth, 0, imaging.Box)
	}
	gray := imaging.Grayscale(work)
	w, h := gray.Rect.Dx(), gray.Rect.Dy()

	lum := make([]int, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride:]
		for x := 0; x < w; x++ {
			lum[y*w+x] = int(row[x*4])
		}
	}

	mask := edgeMask(lum, w, h, d.cfg.EdgeThreshold)
	mask = dilate(mask, w, h, d.cfg.DilateRadius)
	comps := components(mask, w, h)

	pageArea := float64(w * h)
	var kept []component
	for _, c := range comps {
		ratio := float64(c.area()) / pageArea
		if ratio < d.cfg.MinAreaRatio || ratio >= d.cfg.MaxAreaRatio {
			continue
		}
		cw, ch := c.x1-c.x0, c.y1-c.y0
		if ch == 0 || float64(cw)/float64(ch) > d.cfg.MaxAspect {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].area() > kept[j].area() })
	if len(kept) > d.cfg.MaxRegions {
		kept = kept[:d.cfg.MaxRegions]
	}

	sx, sy := float64(W)/float64(w), float64(H)/float64(h)
	out := make([]Region, 0, len(kept))
	for _, c := range kept {
		box := Box{
			X0: clamp(int(float64(c.x0)*sx)-d.cfg.Padding, 0, W),
			Y0: clamp(int(float64(c.y0)*sy)-d.cfg.Padding, 0, H),
			X1: clamp(int(float64(c.x1)*sx+0.5)+d.cfg.Padding, 0, W),
			Y1: clamp(int(float64(c.y1)*sy+0.5)+d.cfg.Padding, 0, H),
		}
		box.X0 += bounds.Min.X
		box.X1 += bounds.Min.X
		box.Y0 += bounds.Min.Y
		box.Y1 += bounds.Min.Y
		out = append(out, Region{Kind: SliceFigure, Box: box})
	}
	return out
}

// edgeMask marks pixels whose horizontal plus vertical luminance gradient
// reaches threshold.
func edgeMask(lum []int, w, h, threshold int) []bool {
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			g := 0
			if x+1 < w {
				g += abs(lum[i+1] - lum[i])
			}
			if y+1 < h {
				g += abs(lum[i+w] - lum[i])
			}
			mask[i] = g >= threshold
		}
	}
	return mask
}

// dilate sets every pixel within radius r of a set pixel, using an
// integral image so the cost is independent of r.
func dilate(mask []bool, w, h, r int) []bool {
	iw := w + 1
	integral := make([]int, iw*(h+1))
	for y := 0; y < h; y++ {
		rowSum := 0
		for x := 0; x < w; x++ {
			if mask[y*w+x] {
				rowSum++
			}
			integral[(y+1)*iw+x+1] = integral[y*iw+x+1] + rowSum
		}
	}
	out := make([]bool, w*h)
	for y := 0; y < h; y++ {
		y0, y1 := clamp(y-r, 0, h), clamp(y+r+1, 0, h)
		for x := 0; x < w; x++ {
			x0, x1 := clamp(x-r, 0, w), clamp(x+r+1, 0, w)
			sum := integral[y1*iw+x1] - integral[y0*iw+x1] - integral[y1*iw+x0] + integral[y0*iw+x0]
			out[y*w+x] = sum > 0
		}
	}
	return out
}

// components returns the bounding boxes of 4-connected set regions.
func components(mask []bool, w, h int) []component {
	seen := make([]bool, w*h)
	var out []component
	queue := make([]int, 0, 256)
	for start := range mask {
		if !mask[start] || seen[start] {
			continue
		}
		c := component{x0: w, y0: h}
		seen[start] = true
		queue = append(queue[:0], start)
		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			x, y := i%w, i/w
			c.x0, c.y0 = min(c.x0, x), min(c.y0, y)
			c.x1, c.y1 = max(c.x1, x+1), max(c.y1, y+1)
			for _, n := range [4]int{i - 1, i + 1, i - w, i + w} {
				if n < 0 || n >= len(mask) || seen[n] || !mask[n] {
					continue
				}
				if (n == i-1 && x == 0) || (n == i+1 && x == w-1) {
					continue
				}
				seen[n] = true
				queue = append(queue, n)
			}
		}
		out = append(out, c)
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
