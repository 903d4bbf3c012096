// Package raster renders pdf pages to png images with poppler's pdftoppm so
// that image-only OCR engines can read scanned documents.
package raster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var ErrNoPages = errors.New("pdftoppm produced no images")

type Rasterizer struct {
	binary   string
	dpi      int
	maxPages int
	runner   Runner
}

func New(binary string, dpi, maxPages int, runner Runner) *Rasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Rasterizer{binary: binary, dpi: dpi, maxPages: maxPages, runner: runner}
}

// Pages writes pdf to a scratch directory and returns one png per page, in
// page order, capped at the configured page limit.
func (r *Rasterizer) Pages(ctx context.Context, pdf []byte) ([][]byte, error) {
	dir, err := os.MkdirTemp("", "docpipe-raster-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(in, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("write scratch pdf: %w", err)
	}

	args := []string{"-r", strconv.Itoa(r.dpi), "-png"}
	if r.maxPages > 0 {
		args = append(args, "-l", strconv.Itoa(r.maxPages))
	}
	prefix := filepath.Join(dir, "page")
	args = append(args, in, prefix)

	if _, stderr, err := r.runner.Run(ctx, r.binary, args...); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %s", r.binary, err, strings.TrimSpace(string(stderr)))
	}

	// pdftoppm zero pads page numbers so lexical order is page order
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if r.maxPages > 0 && len(matches) > r.maxPages {
		matches = matches[:r.maxPages]
	}
	if len(matches) == 0 {
		return nil, ErrNoPages
	}

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read rendered page: %w", err)
		}
		pages = append(pages, b)
	}
	return pages, nil
}
