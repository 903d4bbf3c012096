package parser

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

var delimiters = []rune{',', ';', '\t', '|'}

type CSVParser struct{}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Name() string { return "csv" }

func (p *CSVParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	text, err := decodeText(data)
	if err != nil {
		return nil, NewErrCorrupted("csv", err)
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sniffDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var (
		b       strings.Builder
		rows    int
		widths  = map[int]int{}
		maxCols int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, NewErrCorrupted("csv", err)
		}
		if isBlankRecord(record) {
			continue
		}
		rows++
		widths[len(record)]++
		if len(record) > maxCols {
			maxCols = len(record)
		}
		b.WriteString(strings.Join(record, "\t"))
		b.WriteByte('\n')
	}

	if rows == 0 {
		return nil, NewErrCorrupted("csv", errors.New("no rows"))
	}

	// share of rows having the dominant column count
	dominant := 0
	for _, n := range widths {
		if n > dominant {
			dominant = n
		}
	}
	confidence := 0.6 + 0.35*float64(dominant)/float64(rows)
	if rows < 2 || maxCols < 2 {
		confidence = 0.6
	}

	return &Result{Text: b.String(), Confidence: confidence, Format: p.Name(), Pages: 1}, nil
}

func sniffDelimiter(text string) rune {
	firstLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		firstLine = text[:i]
	}
	best, bestCount := ',', 0
	for _, d := range delimiters {
		if n := strings.Count(firstLine, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func trimBOM(data []byte) []byte {
	return bytes.TrimPrefix(data, utf8BOM)
}
