package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noiseFrame(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(rng.Intn(256))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: uint8(255 - int(v)), B: v / 2, A: 255})
		}
	}
	return img
}

func writePNG(t *testing.T, fsys afero.Fs, name string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fsys, name, buf.Bytes(), 0o644))
}

func TestMatcherFindsCrop(t *testing.T) {
	t.Parallel()

	frame := noiseFrame(120, 90, 1)
	crop := frame.SubImage(image.Rect(37, 41, 61, 57))

	fsys := afero.NewMemMapFs()
	writePNG(t, fsys, "/tpl/login/button.png", crop)
	m := NewMatcher(fsys, "/tpl")

	ctx := context.Background()
	got, err := m.Match(ctx, frame, "login/button", Region{}, 0.86)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.InDelta(t, 1.0, got.Score, 1e-3)
	assert.Equal(t, Point{X: 37 + 12, Y: 41 + 8}, got.At)

	got, err = m.Match(ctx, frame, "login/button", Region{X1: 30, Y1: 30, X2: 80, Y2: 70}, 0.86)
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.Equal(t, Point{X: 49, Y: 49}, got.At)

	got, err = m.Match(ctx, frame, "login/button", Region{X1: 70, Y1: 0, X2: 120, Y2: 40}, 0.86)
	require.NoError(t, err)
	assert.False(t, got.Found)
	assert.Less(t, got.Score, 0.86)
}

func TestMatcherRegionSmallerThanTemplate(t *testing.T) {
	t.Parallel()

	frame := noiseFrame(60, 60, 2)
	fsys := afero.NewMemMapFs()
	writePNG(t, fsys, "/tpl/x.png", frame.SubImage(image.Rect(0, 0, 20, 20)))
	m := NewMatcher(fsys, "/tpl")

	got, err := m.Match(context.Background(), frame, "x", Region{X1: 0, Y1: 0, X2: 10, Y2: 10}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Match{}, got)
}

func TestMatcherMissingTemplate(t *testing.T) {
	t.Parallel()

	m := NewMatcher(afero.NewMemMapFs(), "/tpl")
	_, err := m.Match(context.Background(), noiseFrame(10, 10, 3), "nope", Region{}, 0.5)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.Error(t, m.Preload("nope"))
}

func TestOtsuSplitsBimodal(t *testing.T) {
	t.Parallel()

	g := grayPlane{w: 4, h: 1, pix: []float32{10, 12, 240, 250}}
	thr := otsu(g)
	assert.GreaterOrEqual(t, thr, uint8(12))
	assert.Less(t, thr, uint8(240))

	bin := binarize(g)
	assert.Equal(t, []uint8{0, 0, 255, 255}, bin.Pix)
}

func TestTesseractPipesBinarizedCrop(t *testing.T) {
	t.Parallel()

	var gotArgs []string
	var gotImg image.Image
	tess := &Tesseract{
		Path: "tesseract",
		Lang: "vie",
		Exec: func(_ context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
			gotArgs = append([]string{name}, args...)
			img, err := png.Decode(bytes.NewReader(stdin))
			if err != nil {
				return nil, err
			}
			gotImg = img
			return []byte("  Hoang De \n"), nil
		},
	}
	e := Engine{Matcher: NewMatcher(afero.NewMemMapFs(), "/"), OCR: tess}

	text, err := e.OCRRegion(context.Background(), noiseFrame(50, 50, 4), Region{X1: 10, Y1: 10, X2: 30, Y2: 20}, "")
	require.NoError(t, err)
	assert.Equal(t, "Hoang De", text)
	assert.Equal(t, []string{"tesseract", "stdin", "stdout", "-l", "vie", "--oem", "3", "--psm", "6"}, gotArgs)
	require.NotNil(t, gotImg)
	assert.Equal(t, 20, gotImg.Bounds().Dx())
	assert.Equal(t, 10, gotImg.Bounds().Dy())
}

func TestEngineWithoutOCR(t *testing.T) {
	t.Parallel()

	e := Engine{Matcher: NewMatcher(afero.NewMemMapFs(), "/")}
	_, err := e.OCRRegion(context.Background(), noiseFrame(5, 5, 5), Region{}, "eng")
	assert.ErrorIs(t, err, ErrOCRUnavailable)
}

func TestRegionCenter(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Point{X: 454, Y: 1245}, Region{X1: 318, Y1: 1183, X2: 590, Y2: 1308}.Center())
}
