package evidence

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/pipeline"
)

func encodeTestFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func testCandidate(t *testing.T) pipeline.Candidate {
	return pipeline.Candidate{
		CameraID:   "cam-1",
		Location:   "dock",
		Type:       pipeline.ViolationPPE,
		Confidence: 0.94,
		ModelID:    "ppe-1",
		Timestamp:  time.Now(),
		BBox:       &pipeline.BBox{X1: 20, Y1: 30, X2: 120, Y2: 140},
		FrameData:  encodeTestFrame(t, 320, 240),
	}
}

func TestAnnotateDrawsBox(t *testing.T) {
	cand := testCandidate(t)
	img, err := Annotate(cand)
	require.NoError(t, err)

	bounds := img.Bounds()
	assert.Equal(t, 320, bounds.Dx())
	assert.Equal(t, 240, bounds.Dy())

	// The box edge is painted in the type's color, far brighter than
	// the dark background.
	r, _, _, _ := img.At(60, 30).RGBA()
	assert.Greater(t, uint32(r>>8), uint32(150), "top edge of the bbox must be annotated")
}

func TestAnnotateWithoutBBoxPassesThrough(t *testing.T) {
	cand := testCandidate(t)
	cand.BBox = nil
	img, err := Annotate(cand)
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
}

func TestAnnotateClampsOversizedBox(t *testing.T) {
	cand := testCandidate(t)
	cand.BBox = &pipeline.BBox{X1: -50, Y1: -50, X2: 900, Y2: 900}
	_, err := Annotate(cand)
	require.NoError(t, err)
}

func TestAnnotateRejectsGarbage(t *testing.T) {
	cand := testCandidate(t)
	cand.FrameData = []byte("not a jpeg")
	_, err := Annotate(cand)
	require.Error(t, err)
}

func TestFileSinkWrite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(Config{Dir: dir, BaseURL: "/evidence", Quality: 85})
	require.NoError(t, err)

	url, err := sink.Write(context.Background(), testCandidate(t), "inc-42")
	require.NoError(t, err)
	assert.Equal(t, "/evidence/cam-1/inc-42.jpg", url)

	path := filepath.Join(dir, "cam-1", "inc-42.jpg")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
}

func TestFileSinkWriteBadFrame(t *testing.T) {
	sink, err := NewFileSink(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	cand := testCandidate(t)
	cand.FrameData = []byte{0x00}
	_, err = sink.Write(context.Background(), cand, "inc-1")
	require.Error(t, err)
}
