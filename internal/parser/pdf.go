package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// minCharsPerPage below which a PDF is considered a scan.
const minCharsPerPage = 40

type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

func (p *PDFParser) Name() string { return "pdf" }

func (p *PDFParser) Parse(ctx context.Context, data []byte) (result *Result, err error) {
	if !bytes.HasPrefix(bytes.TrimLeft(data, "\x00\t\r\n "), []byte("%PDF-")) {
		return nil, NewErrCorrupted("pdf", errors.New("missing pdf header"))
	}

	// the reader panics on some malformed cross reference tables
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, NewErrCorrupted("pdf", fmt.Errorf("%v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, NewErrCorrupted("pdf", err)
	}

	pages := reader.NumPage()
	if pages == 0 {
		return nil, NewErrCorrupted("pdf", errors.New("document has no pages"))
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, NewErrCorrupted("pdf", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return nil, NewErrCorrupted("pdf", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(raw))
	density := len([]rune(text)) / pages
	if density < minCharsPerPage {
		return nil, ErrNeedsOcr
	}

	confidence := 0.9 * printableRatio(text)
	if density < 4*minCharsPerPage {
		confidence -= 0.1
	}

	return &Result{Text: text, Confidence: confidence, Format: p.Name(), Pages: pages}, nil
}
