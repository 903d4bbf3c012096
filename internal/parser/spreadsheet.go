package parser

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type SpreadsheetParser struct{}

func NewSpreadsheetParser() *SpreadsheetParser {
	return &SpreadsheetParser{}
}

func (p *SpreadsheetParser) Name() string { return "spreadsheet" }

func (p *SpreadsheetParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	excelFile, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, NewErrCorrupted("spreadsheet", err)
	}
	defer excelFile.Close()

	var (
		b     strings.Builder
		rows  int
		pages int
	)
	for _, sheet := range excelFile.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sheetRows, err := excelFile.GetRows(sheet)
		if err != nil {
			zap.S().Named("parser").Warnf("failed to read sheet %q: %v", sheet, err)
			continue
		}
		if len(sheetRows) == 0 {
			continue
		}
		pages++
		b.WriteString("# ")
		b.WriteString(sheet)
		b.WriteByte('\n')
		for _, row := range sheetRows {
			if isBlankRecord(row) {
				continue
			}
			rows++
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}

	if rows == 0 {
		return nil, NewErrCorrupted("spreadsheet", errors.New("workbook has no data"))
	}

	return &Result{Text: b.String(), Confidence: 0.95, Format: p.Name(), Pages: pages}, nil
}
