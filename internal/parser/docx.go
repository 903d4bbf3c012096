package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

type DocxParser struct{}

func NewDocxParser() *DocxParser {
	return &DocxParser{}
}

func (p *DocxParser) Name() string { return "docx" }

func (p *DocxParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, NewErrCorrupted("docx", err)
	}

	var body *zip.File
	for _, f := range archive.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, NewErrCorrupted("docx", errors.New("word/document.xml not found"))
	}

	rc, err := body.Open()
	if err != nil {
		return nil, NewErrCorrupted("docx", err)
	}
	defer rc.Close()

	text, err := documentText(ctx, rc)
	if err != nil {
		return nil, NewErrCorrupted("docx", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrNeedsOcr
	}

	return &Result{Text: text, Confidence: 0.9, Format: p.Name(), Pages: 1}, nil
}

// documentText walks the WordprocessingML body: w:t runs are text, w:tab
// and w:br are whitespace, a closing w:p ends a line.
func documentText(ctx context.Context, r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var (
		b      strings.Builder
		inText bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
