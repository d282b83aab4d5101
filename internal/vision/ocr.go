package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"strings"
	"time"
)

// ExecFunc runs a command with stdin and returns stdout.
type ExecFunc func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	var out, errb bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(errb.String()))
	}
	return out.Bytes(), nil
}

// Tesseract reads text by piping a binarized crop through the tesseract CLI.
type Tesseract struct {
	Path    string
	Lang    string
	Timeout time.Duration
	Exec    ExecFunc
}

func NewTesseract(path, lang string) *Tesseract {
	return &Tesseract{Path: path, Lang: lang, Timeout: 5 * time.Second, Exec: execCommand}
}

func (t *Tesseract) Read(ctx context.Context, frame image.Image, region Region, lang string) (string, error) {
	if t == nil || t.Path == "" {
		return "", ErrOCRUnavailable
	}
	if lang == "" {
		lang = t.Lang
	}
	r := frame.Bounds()
	if !region.IsZero() {
		r = region.rect().Intersect(r)
	}
	if r.Empty() {
		return "", nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, binarize(toGray(frame, r))); err != nil {
		return "", err
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := t.Exec
	if run == nil {
		run = execCommand
	}
	out, err := run(cctx, buf.Bytes(), t.Path, "stdin", "stdout", "-l", lang, "--oem", "3", "--psm", "6")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
