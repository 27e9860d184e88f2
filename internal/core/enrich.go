package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ctxCheckEvery is how many rows the enricher processes between context checks.
const ctxCheckEvery = 1000

// Enricher streams a converted batch and appends operator and territory
// columns to every row.
type Enricher struct {
	normalizer *Normalizer
	table      *PrefixTable
}

// NewEnricher returns an Enricher using n for classification and t for
// prefix resolution.
func NewEnricher(n *Normalizer, t *PrefixTable) *Enricher {
	return &Enricher{normalizer: n, table: t}
}

// Enrich reads CSV rows from src and writes enriched rows to dst.
//
// The header must contain TELEPHONE (case-insensitive). Operateur and
// Territoire are appended when absent and overwritten when present. The
// telephone cell becomes the national number for domestic rows and the
// cleaned number for foreign rows. Unmatched domestic rows keep empty
// operator and territory cells.
//
// A batch with domestic rows but no match at all fails with ErrNoMatches.
func (e *Enricher) Enrich(ctx context.Context, src io.Reader, dst io.Writer) (EnrichStats, error) {
	const op = "enrich batch"
	stats := EnrichStats{ByOperator: make(map[string]int64)}

	cr := csv.NewReader(WrapForStreaming(src, 0))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return stats, joinErr(op, ErrMissingTelephone)
	}
	if err != nil {
		return stats, ioErr(op, fmt.Errorf("read header: %w", err))
	}

	telIdx := columnIndexFold(header, ColumnTelephone)
	if telIdx < 0 {
		return stats, joinErr(op, ErrMissingTelephone)
	}

	outHeader := append([]string(nil), header...)
	opIdx := columnIndexFold(outHeader, ColumnOperator)
	if opIdx < 0 {
		opIdx = len(outHeader)
		outHeader = append(outHeader, ColumnOperator)
	}
	terrIdx := columnIndexFold(outHeader, ColumnTerritory)
	if terrIdx < 0 {
		terrIdx = len(outHeader)
		outHeader = append(outHeader, ColumnTerritory)
	}

	cw := csv.NewWriter(dst)
	if err := cw.Write(outHeader); err != nil {
		return stats, ioErr(op, err)
	}

	out := make([]string, len(outHeader))
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, ioErr(op, fmt.Errorf("read row %d: %w", stats.Total+1, err))
		}

		stats.Total++
		if stats.Total%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		for i := range out {
			out[i] = field(rec, i)
		}
		e.enrichRow(out, telIdx, opIdx, terrIdx, &stats)

		if err := cw.Write(out); err != nil {
			return stats, ioErr(op, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return stats, ioErr(op, err)
	}

	if stats.Domestic > 0 && stats.Matched == 0 {
		return stats, joinErr(op, ErrNoMatches)
	}
	return stats, nil
}

func (e *Enricher) enrichRow(row []string, telIdx, opIdx, terrIdx int, stats *EnrichStats) {
	c := e.normalizer.Classify(row[telIdx])
	if c.Origin == Foreign {
		stats.Foreign++
		row[telIdx] = c.Cleaned
		row[opIdx] = OperatorForeign
		row[terrIdx] = TerritoryUnknown
		return
	}

	stats.Domestic++
	row[telIdx] = c.National
	entry, ok := e.table.Resolve(c.National)
	if !ok {
		stats.Unmatched++
		row[opIdx] = ""
		row[terrIdx] = ""
		return
	}
	stats.Matched++
	stats.ByOperator[entry.Operator]++
	row[opIdx] = entry.Operator
	row[terrIdx] = entry.Territory
}

func columnIndexFold(header []string, name string) int {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}
