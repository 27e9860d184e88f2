// Package report summarizes the master dataset by operator and territory and
// renders the summary as an XLSX workbook.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/opmerge/internal/core"
)

// Count is one row of a distribution.
type Count struct {
	Name    string  `json:"name"`
	Records int64   `json:"records"`
	Share   float64 `json:"share"` // percent of Total
}

// Summary is the operator distribution of a dataset.
type Summary struct {
	Total       int64     `json:"total"`
	Domestic    int64     `json:"domestic"`
	Foreign     int64     `json:"foreign"`
	Matched     int64     `json:"matched"`
	Unmatched   int64     `json:"unmatched"`
	Operators   []Count   `json:"operators"`
	Territories []Count   `json:"territories"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Summarize streams an enriched CSV and counts records per operator and
// territory. Rows tagged Foreign are counted separately; empty operator
// cells are unmatched domestic rows.
func Summarize(ctx context.Context, r io.Reader) (Summary, error) {
	s := Summary{GeneratedAt: time.Now().UTC()}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read header: %w", err)
	}
	opIdx, terrIdx := -1, -1
	for i, h := range header {
		switch {
		case strings.EqualFold(h, core.ColumnOperator):
			opIdx = i
		case strings.EqualFold(h, core.ColumnTerritory):
			terrIdx = i
		}
	}
	if opIdx < 0 {
		return s, fmt.Errorf("dataset has no %s column", core.ColumnOperator)
	}

	operators := make(map[string]int64)
	territories := make(map[string]int64)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s, fmt.Errorf("read row %d: %w", s.Total+1, err)
		}
		s.Total++
		if s.Total%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return s, err
			}
		}

		op := cell(rec, opIdx)
		switch op {
		case core.OperatorForeign:
			s.Foreign++
			continue
		case "":
			s.Domestic++
			s.Unmatched++
			continue
		}
		s.Domestic++
		s.Matched++
		operators[op]++
		if t := cell(rec, terrIdx); t != "" {
			territories[t]++
		}
	}

	s.Operators = distribution(operators, s.Total)
	s.Territories = distribution(territories, s.Total)
	return s, nil
}

// SummarizeFile opens path and summarizes it. A missing file yields an
// empty summary.
func SummarizeFile(ctx context.Context, path string) (Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Summary{GeneratedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	return Summarize(ctx, f)
}

func cell(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// distribution sorts counts descending, ties by name.
func distribution(m map[string]int64, total int64) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		c := Count{Name: name, Records: n}
		if total > 0 {
			c.Share = float64(n) * 100 / float64(total)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Records != out[j].Records {
			return out[i].Records > out[j].Records
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Sheet names in the workbook.
const (
	SheetSummary     = "Summary"
	SheetOperators   = "Operators"
	SheetTerritories = "Territories"
)

// WriteXLSX renders s as a workbook with a summary sheet and one sheet per
// distribution.
func WriteXLSX(s Summary, w io.Writer) error {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	// The default sheet becomes the summary.
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return err
	}
	summary := [][]any{
		{"Metric", "Value"},
		{"Total records", s.Total},
		{"Domestic", s.Domestic},
		{"Foreign", s.Foreign},
		{"Matched", s.Matched},
		{"Unmatched", s.Unmatched},
		{"Generated at", s.GeneratedAt.Format(time.RFC3339)},
	}
	if err := writeRows(f, SheetSummary, summary); err != nil {
		return err
	}
	_ = f.SetColWidth(SheetSummary, "A", "A", 18)
	_ = f.SetColWidth(SheetSummary, "B", "B", 24)

	for _, sheet := range []struct {
		name   string
		label  string
		counts []Count
	}{
		{SheetOperators, "Operator", s.Operators},
		{SheetTerritories, "Territory", s.Territories},
	} {
		if _, err := f.NewSheet(sheet.name); err != nil {
			return err
		}
		rows := [][]any{{sheet.label, "Records", "Share (%)"}}
		for _, c := range sheet.counts {
			rows = append(rows, []any{c.Name, c.Records, roundShare(c.Share)})
		}
		if err := writeRows(f, sheet.name, rows); err != nil {
			return err
		}
		_ = f.SetColWidth(sheet.name, "A", "A", 24)
		_ = f.SetColWidth(sheet.name, "B", "C", 12)
	}

	idx, _ := f.GetSheetIndex(SheetOperators)
	f.SetActiveSheet(idx)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	slog.Debug("report.xlsx.ok",
		"operators", len(s.Operators),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func roundShare(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
