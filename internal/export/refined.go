// Package export renders refined aides as spreadsheets.
package export

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"grantmatch-backend/internal/results"
)

const (
	SheetName       = "Aides affinées"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var headers = []string{
	"Aide",
	"Lien",
	"Score",
	"Pertinence",
	"Justification",
	"Points positifs",
	"Points négatifs",
	"Recommandations",
}

// RefinedXLSX returns a workbook with one row per refined aide, in the given order.
func RefinedXLSX(records []results.RefinedRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return nil, err
		}
	}

	for i, r := range records {
		row := i + 2
		write := func(col int, v any) error {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			return f.SetCellValue(SheetName, cell, v)
		}
		values := []any{
			r.Title,
			r.URL,
			r.RelevanceScore,
			r.RelevanceLevel,
			r.Justification,
			bulletList(r.Strengths),
			bulletList(r.Weaknesses),
			r.Recommendations,
		}
		for col, v := range values {
			if err := write(col+1, v); err != nil {
				return nil, err
			}
		}
		if r.URL != "" {
			cell, _ := excelize.CoordinatesToCellName(2, row)
			_ = f.SetCellHyperLink(SheetName, cell, r.URL, "External")
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 40)
	_ = f.SetColWidth(SheetName, "B", "B", 50)
	_ = f.SetColWidth(SheetName, "C", "D", 14)
	_ = f.SetColWidth(SheetName, "E", "H", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			lines = append(lines, "- "+it)
		}
	}
	return strings.Join(lines, "\n")
}
