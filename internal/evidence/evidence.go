// Package evidence captures annotated still images for incidents. The
// source frame is decoded, the detection's bounding box and a label are
// drawn onto it, and the result lands in a per-camera directory served
// by the daemon under /evidence/.
package evidence

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"sitewatch/internal/dedup"
	"sitewatch/internal/logging"
	"sitewatch/internal/pipeline"
)

// Config for the file sink.
type Config struct {
	// Dir is the root directory evidence images are written under.
	Dir string `koanf:"dir"`

	// BaseURL prefixes the returned evidence URLs. Defaults to
	// "/evidence".
	BaseURL string `koanf:"base_url"`

	// Quality is the JPEG encode quality, 1-100.
	Quality int `koanf:"quality"`
}

// DefaultConfig writes to ./data/evidence at quality 85.
func DefaultConfig() Config {
	return Config{
		Dir:     "data/evidence",
		BaseURL: "/evidence",
		Quality: 85,
	}
}

// FileSink writes annotated evidence JPEGs to local disk. Implements
// dedup.EvidenceWriter.
type FileSink struct {
	cfg Config
	log zerolog.Logger
}

// NewFileSink creates the evidence root directory if needed.
func NewFileSink(cfg Config) (*FileSink, error) {
	if cfg.Dir == "" {
		cfg.Dir = DefaultConfig().Dir
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = DefaultConfig().Quality
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating evidence directory: %w", err)
	}
	return &FileSink{cfg: cfg, log: logging.Component("evidence")}, nil
}

// Dir returns the root directory, for the daemon's static file server.
func (s *FileSink) Dir() string { return s.cfg.Dir }

// Write annotates the candidate's frame and persists it as
// <dir>/<camera>/<incident>.jpg, returning the serving URL.
func (s *FileSink) Write(ctx context.Context, cand pipeline.Candidate, incidentID string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	img, err := Annotate(cand)
	if err != nil {
		return "", err
	}

	camDir := filepath.Join(s.cfg.Dir, cand.CameraID)
	if err := os.MkdirAll(camDir, 0o755); err != nil {
		return "", fmt.Errorf("creating camera evidence directory: %w", err)
	}

	name := incidentID + ".jpg"
	path := filepath.Join(camDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating evidence file: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("encoding evidence image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing evidence file: %w", err)
	}

	s.log.Debug().Str("incident_id", incidentID).Str("path", path).Msg("evidence written")
	return s.cfg.BaseURL + "/" + cand.CameraID + "/" + name, nil
}

// Annotate decodes the candidate's frame and draws its bounding box and
// a confidence label. A frame without a box is returned as-is.
func Annotate(cand pipeline.Candidate) (image.Image, error) {
	src, _, err := image.Decode(bytes.NewReader(cand.FrameData))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if cand.BBox == nil {
		return src, nil
	}

	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	box := clampRect(image.Rect(
		int(cand.BBox.X1), int(cand.BBox.Y1),
		int(cand.BBox.X2), int(cand.BBox.Y2),
	), dst.Bounds())
	col := boxColor(cand.Type)
	drawRect(dst, box, col, 3)

	label := fmt.Sprintf("%s %d%%", cand.Type, int(cand.Confidence*100))
	drawLabel(dst, box.Min.X, box.Min.Y-4, label, col)

	return dst, nil
}

func boxColor(t pipeline.ViolationType) color.RGBA {
	switch t {
	case pipeline.ViolationFall, pipeline.ViolationFireSmoke:
		return color.RGBA{R: 220, G: 38, B: 38, A: 255}
	case pipeline.ViolationPPE:
		return color.RGBA{R: 234, G: 140, B: 8, A: 255}
	default:
		return color.RGBA{R: 250, G: 204, B: 21, A: 255}
	}
}

// drawRect paints a rectangle outline of the given stroke width.
func drawRect(dst *image.RGBA, r image.Rectangle, c color.Color, stroke int) {
	for i := 0; i < stroke; i++ {
		inner := r.Inset(i)
		if inner.Empty() {
			return
		}
		for x := inner.Min.X; x < inner.Max.X; x++ {
			dst.Set(x, inner.Min.Y, c)
			dst.Set(x, inner.Max.Y-1, c)
		}
		for y := inner.Min.Y; y < inner.Max.Y; y++ {
			dst.Set(inner.Min.X, y, c)
			dst.Set(inner.Max.X-1, y, c)
		}
	}
}

// drawLabel renders text just above the box, kept inside the image.
func drawLabel(dst *image.RGBA, x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	if y < face.Height {
		y = face.Height
	}
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func clampRect(r, bounds image.Rectangle) image.Rectangle {
	return r.Canon().Intersect(bounds)
}

var _ dedup.EvidenceWriter = (*FileSink)(nil)
