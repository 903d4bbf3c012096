// Package parser extracts text from documents whose format carries it
// structurally, so that OCR only runs for scans and images.
package parser

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	MediaTypeCSV         = "text/csv"
	MediaTypeText        = "text/plain"
	MediaTypePDF         = "application/pdf"
	MediaTypeXLSX        = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MediaTypeDOCX        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeOctetStream = "application/octet-stream"
	MediaTypeZip         = "application/zip"
)

// Result is the text a parser could recover.
type Result struct {
	Text       string
	Confidence float64
	Format     string
	Pages      int
}

type Parser interface {
	Name() string
	Parse(ctx context.Context, data []byte) (*Result, error)
}

var extensions = map[string]string{
	".csv":  MediaTypeCSV,
	".txt":  MediaTypeText,
	".text": MediaTypeText,
	".pdf":  MediaTypePDF,
	".xlsx": MediaTypeXLSX,
	".xlsm": MediaTypeXLSX,
	".docx": MediaTypeDOCX,
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// ResolveMediaType picks the media type from the declared value, then the
// file extension, then content sniffing.
func ResolveMediaType(declared, filename string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "" && mt != MediaTypeOctetStream {
		if mt == "application/csv" || mt == "text/comma-separated-values" {
			return MediaTypeCSV
		}
		return mt
	}

	if mt, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}

	if len(data) == 0 {
		return MediaTypeOctetStream
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}

func IsImage(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/")
}

type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	r.Register(MediaTypeCSV, NewCSVParser())
	r.Register(MediaTypeText, NewTextParser())
	r.Register(MediaTypePDF, NewPDFParser())
	r.Register(MediaTypeXLSX, NewSpreadsheetParser())
	r.Register(MediaTypeDOCX, NewDocxParser())
	return r
}

func (r *Registry) Register(mediaType string, p Parser) {
	r.parsers[mediaType] = p
}

// Lookup returns the parser for mediaType. Images yield ErrNeedsOcr and
// unknown types an *ErrUnsupported.
func (r *Registry) Lookup(mediaType string) (Parser, error) {
	if p, ok := r.parsers[mediaType]; ok {
		return p, nil
	}
	if IsImage(mediaType) {
		return nil, ErrNeedsOcr
	}
	return nil, NewErrUnsupported(mediaType)
}

// Parse resolves the parser for mediaType and runs it.
func (r *Registry) Parse(ctx context.Context, mediaType string, data []byte) (*Result, error) {
	p, err := r.Lookup(mediaType)
	if err != nil {
		return nil, err
	}
	return p.Parse(ctx, data)
}
