package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrTemplateNotFound = errors.New("vision: template not found")
	ErrOCRUnavailable   = errors.New("vision: ocr not configured")
)

type template struct {
	w, h int
	// zm is the zero-mean template; norm is sqrt(sum(zm^2)).
	zm   []float32
	norm float64
}

// Matcher scores frames against PNG templates with normalized
// cross-correlation (the TM_CCOEFF_NORMED measure). Templates load lazily
// from <dir>/<id>.png and stay cached.
type Matcher struct {
	fs  afero.Fs
	dir string

	mu    sync.RWMutex
	cache map[string]*template
}

func NewMatcher(fsys afero.Fs, dir string) *Matcher {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Matcher{fs: fsys, dir: dir, cache: map[string]*template{}}
}

func (m *Matcher) template(id string) (*template, error) {
	m.mu.RLock()
	t, ok := m.cache[id]
	m.mu.RUnlock()
	if ok {
		return t, nil
	}

	name := id
	if path.Ext(name) == "" {
		name += ".png"
	}
	f, err := m.fs.Open(path.Join(strings.ReplaceAll(m.dir, "\\", "/"), name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode template %s: %w", id, err)
	}
	t = newTemplate(img)

	m.mu.Lock()
	m.cache[id] = t
	m.mu.Unlock()
	return t, nil
}

// Preload loads the given templates so missing files surface at startup.
func (m *Matcher) Preload(ids ...string) error {
	var errs []error
	for _, id := range ids {
		if _, err := m.template(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newTemplate(img image.Image) *template {
	g := toGray(img, img.Bounds())
	t := &template{w: g.w, h: g.h, zm: make([]float32, len(g.pix))}
	var mean float64
	for _, v := range g.pix {
		mean += float64(v)
	}
	if len(g.pix) > 0 {
		mean /= float64(len(g.pix))
	}
	var ss float64
	for i, v := range g.pix {
		d := float64(v) - mean
		t.zm[i] = float32(d)
		ss += d * d
	}
	t.norm = math.Sqrt(ss)
	return t
}

// Match finds the best placement of templateID inside region.
func (m *Matcher) Match(ctx context.Context, frame image.Image, templateID string, region Region, threshold float64) (Match, error) {
	if frame == nil {
		return Match{}, errors.New("vision: nil frame")
	}
	t, err := m.template(templateID)
	if err != nil {
		return Match{}, err
	}
	r := frame.Bounds()
	if !region.IsZero() {
		r = region.rect().Intersect(r)
	}
	if r.Dx() < t.w || r.Dy() < t.h || t.norm == 0 {
		return Match{}, nil
	}
	g := toGray(frame, r)
	if err := ctx.Err(); err != nil {
		return Match{}, err
	}

	bx, by, score := search(g, t)
	return Match{
		Found: score >= threshold,
		At:    Point{X: r.Min.X + bx + t.w/2, Y: r.Min.Y + by + t.h/2},
		Score: score,
	}, nil
}

// search scores every placement; flows always pass a tight region so the
// exhaustive scan stays cheap.
func search(g grayPlane, t *template) (int, int, float64) {
	ii := newIntegral(g)
	bx, by, best := 0, 0, math.Inf(-1)
	for y := 0; y <= g.h-t.h; y++ {
		for x := 0; x <= g.w-t.w; x++ {
			if s := ncc(g, ii, t, x, y); s > best {
				bx, by, best = x, y, s
			}
		}
	}
	if math.IsInf(best, -1) {
		best = 0
	}
	return bx, by, best
}

// integral holds summed-area tables of values and squares.
type integral struct {
	w     int
	s, sq []float64
}

func newIntegral(g grayPlane) integral {
	w := g.w + 1
	ii := integral{w: w, s: make([]float64, w*(g.h+1)), sq: make([]float64, w*(g.h+1))}
	for y := 0; y < g.h; y++ {
		var row, rowSq float64
		for x := 0; x < g.w; x++ {
			v := float64(g.at(x, y))
			row += v
			rowSq += v * v
			ii.s[(y+1)*w+x+1] = ii.s[y*w+x+1] + row
			ii.sq[(y+1)*w+x+1] = ii.sq[y*w+x+1] + rowSq
		}
	}
	return ii
}

func (ii integral) box(tab []float64, x, y, bw, bh int) float64 {
	w := ii.w
	return tab[(y+bh)*w+x+bw] - tab[y*w+x+bw] - tab[(y+bh)*w+x] + tab[y*w+x]
}

func ncc(g grayPlane, ii integral, t *template, x, y int) float64 {
	n := float64(t.w * t.h)
	sum := ii.box(ii.s, x, y, t.w, t.h)
	sumSq := ii.box(ii.sq, x, y, t.w, t.h)
	varSum := sumSq - sum*sum/n
	if varSum <= 1e-6 {
		return 0
	}
	var cross float64
	for ty := 0; ty < t.h; ty++ {
		row := g.pix[(y+ty)*g.w+x : (y+ty)*g.w+x+t.w]
		trow := t.zm[ty*t.w : (ty+1)*t.w]
		var acc float32
		for i, v := range row {
			acc += v * trow[i]
		}
		cross += float64(acc)
	}
	return cross / (math.Sqrt(varSum) * t.norm)
}
