package parser

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Name() string { return "text" }

func (p *TextParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	confidence := 0.95
	if !utf8.Valid(trimBOM(data)) {
		confidence = 0.85
	}

	text, err := decodeText(data)
	if err != nil {
		return nil, NewErrCorrupted("text", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, NewErrCorrupted("text", errors.New("empty document"))
	}

	return &Result{Text: text, Confidence: confidence, Format: p.Name(), Pages: 1}, nil
}

// decodeText returns data as UTF-8, falling back to Windows-1252 for legacy
// exports. Binary content is rejected.
func decodeText(data []byte) (string, error) {
	data = trimBOM(data)

	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return "", err
		}
		text = string(decoded)
	}

	if printableRatio(text) < 0.9 {
		return "", errors.New("content is not text")
	}
	return text, nil
}

func printableRatio(s string) float64 {
	total, printable := 0, 0
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(printable) / float64(total)
}
