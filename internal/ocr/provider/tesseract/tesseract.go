// Package tesseract is the local OCR level. It runs libtesseract through
// gosseract and rasterises pdf input with pdftoppm first.
package tesseract

import (
	"context"
	"strings"
	"time"

	"github.com/carbontrack/docpipeline/internal/ocr"
	"github.com/carbontrack/docpipeline/internal/ocr/provider/raster"
	"github.com/carbontrack/docpipeline/internal/store/model"
	"github.com/otiai10/gosseract/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/bmp":  true,
	"image/tiff": true,
	"image/webp": true,
}

// Pager renders a pdf into page images.
type Pager interface {
	Pages(ctx context.Context, pdf []byte) ([][]byte, error)
}

type Provider struct {
	languages []string
	timeout   time.Duration
	pager     Pager
	log       *zap.SugaredLogger
}

func New(languages []string, pager Pager, timeout time.Duration) *Provider {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	return &Provider{
		languages: languages,
		timeout:   timeout,
		pager:     pager,
		log:       zap.S().Named("tesseract"),
	}
}

func (p *Provider) Name() string { return "tesseract" }

func (p *Provider) Kind() model.StepKind { return model.StepLocalOcr }

func (p *Provider) Timeout() time.Duration { return p.timeout }

func (p *Provider) Supports(mediaType string) bool {
	if mediaType == "application/pdf" {
		return p.pager != nil
	}
	return imageTypes[mediaType]
}

func (p *Provider) Attempt(ctx context.Context, doc ocr.Document) (*ocr.Extraction, error) {
	images := [][]byte{doc.Bytes}
	if doc.MediaType == "application/pdf" {
		pages, err := p.pager.Pages(ctx, doc.Bytes)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ocr.NewErrTimeout(ctx.Err())
			}
			if errors.Is(err, raster.ErrNoPages) {
				return nil, ocr.NewErrCorrupted(err)
			}
			return nil, ocr.NewErrUnavailable(err)
		}
		images = pages
	}

	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(p.languages...); err != nil {
		return nil, ocr.NewErrUnavailable(errors.Wrap(err, "set languages"))
	}

	var (
		texts []string
		sum   float64
		words int
	)
	for i, img := range images {
		if ctx.Err() != nil {
			return nil, ocr.NewErrTimeout(ctx.Err())
		}
		if err := client.SetImageFromBytes(img); err != nil {
			return nil, ocr.NewErrCorrupted(errors.Wrapf(err, "load page %d", i+1))
		}
		text, err := client.Text()
		if err != nil {
			return nil, ocr.NewErrCorrupted(errors.Wrapf(err, "recognize page %d", i+1))
		}
		if text = strings.TrimSpace(text); text != "" {
			texts = append(texts, text)
		}

		boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
		if err != nil {
			p.log.Debugw("no word boxes", "page", i+1, "error", err)
			continue
		}
		for _, b := range boxes {
			sum += b.Confidence / 100.0
			words++
		}
	}

	ext := &ocr.Extraction{Text: strings.Join(texts, "\n\f\n"), Pages: len(images)}
	if words > 0 {
		ext.Confidence = sum / float64(words)
	}
	return ext, nil
}
