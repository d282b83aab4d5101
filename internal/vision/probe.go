// Package vision finds UI markers on captured frames and reads text from them.
package vision

import (
	"context"
	"image"
)

// Region is an inclusive-exclusive screen rectangle (X1,Y1)-(X2,Y2).
// The zero Region means the whole frame.
type Region struct {
	X1, Y1, X2, Y2 int
}

func (r Region) IsZero() bool { return r == Region{} }

// Center is where a blind tap into the region lands.
func (r Region) Center() Point {
	return Point{X: (r.X1 + r.X2) / 2, Y: (r.Y1 + r.Y2) / 2}
}

func (r Region) rect() image.Rectangle { return image.Rect(r.X1, r.Y1, r.X2, r.Y2) }

type Point struct {
	X, Y int
}

// Match is a template search result. At is the center of the best hit in
// frame coordinates; Score is reported even when Found is false.
type Match struct {
	Found bool
	At    Point
	Score float64
}

// Probe is the vision capability flows depend on.
type Probe interface {
	MatchTemplate(ctx context.Context, frame image.Image, templateID string, region Region, threshold float64) (Match, error)
	OCRRegion(ctx context.Context, frame image.Image, region Region, lang string) (string, error)
}

// Engine joins a template matcher and an OCR reader into one Probe.
type Engine struct {
	Matcher *Matcher
	OCR     *Tesseract
}

func (e Engine) MatchTemplate(ctx context.Context, frame image.Image, templateID string, region Region, threshold float64) (Match, error) {
	return e.Matcher.Match(ctx, frame, templateID, region, threshold)
}

func (e Engine) OCRRegion(ctx context.Context, frame image.Image, region Region, lang string) (string, error) {
	if e.OCR == nil {
		return "", ErrOCRUnavailable
	}
	return e.OCR.Read(ctx, frame, region, lang)
}

var _ Probe = Engine{}
