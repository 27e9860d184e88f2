package core

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Prefix lengths present in the reference table.
const (
	MinPrefixLen = 3
	MaxPrefixLen = 7
)

// Reference table column names.
const (
	refColumnPrefix    = "EZABPQM"
	refColumnOperator  = "Mnémo"
	refColumnTerritory = "Territoire"
)

// policyLengths lists the lengths consulted by each policy, in lookup order.
var policyLengths = map[MatchPolicy][]int{
	PolicyNarrowUnion:   {3, 4, 5},
	PolicyLongestPrefix: {7, 6, 5, 4, 3},
}

// PrefixTable resolves national numbers to operators. It is immutable after
// construction and safe for concurrent use.
type PrefixTable struct {
	policy  MatchPolicy
	lengths []int
	buckets [MaxPrefixLen + 1]map[string]PrefixEntry
	stats   PrefixTableStats
}

// PrefixTableStats reports what happened while building a table.
type PrefixTableStats struct {
	Loaded     int
	Invalid    int // wrong length or non-digit prefix
	Duplicates int // later entries for an already loaded prefix
}

// NewPrefixTable buckets entries by prefix length. Invalid prefixes are
// skipped, and for duplicate prefixes the first entry wins.
func NewPrefixTable(entries []PrefixEntry, policy MatchPolicy) (*PrefixTable, error) {
	lengths, ok := policyLengths[policy]
	if !ok {
		return nil, errorf(KindValidation, "build prefix table", "unknown match policy %q", policy)
	}

	t := &PrefixTable{policy: policy, lengths: lengths}
	for l := MinPrefixLen; l <= MaxPrefixLen; l++ {
		t.buckets[l] = make(map[string]PrefixEntry)
	}
	for _, e := range entries {
		t.add(e)
	}
	return t, nil
}

func (t *PrefixTable) add(e PrefixEntry) {
	e.Prefix = strings.TrimSpace(e.Prefix)
	l := len(e.Prefix)
	if l < MinPrefixLen || l > MaxPrefixLen || !isDigits(e.Prefix) {
		t.stats.Invalid++
		return
	}
	if _, dup := t.buckets[l][e.Prefix]; dup {
		t.stats.Duplicates++
		return
	}
	t.buckets[l][e.Prefix] = e
	t.stats.Loaded++
}

// Resolve looks up the national number under the table's policy. The first
// length that matches wins.
func (t *PrefixTable) Resolve(national string) (PrefixEntry, bool) {
	for _, l := range t.lengths {
		if len(national) < l {
			continue
		}
		if e, ok := t.buckets[l][national[:l]]; ok {
			return e, true
		}
	}
	return PrefixEntry{}, false
}

// Policy returns the active match policy.
func (t *PrefixTable) Policy() MatchPolicy { return t.policy }

// Stats returns build statistics.
func (t *PrefixTable) Stats() PrefixTableStats { return t.stats }

// Len returns the number of loaded prefixes.
func (t *PrefixTable) Len() int { return t.stats.Loaded }

// PrefixTableOptions configures LoadPrefixTable.
type PrefixTableOptions struct {
	Encoding string // "latin1" (default) or "utf-8"
	Policy   MatchPolicy
}

// LoadPrefixTable reads a ';'-separated reference table. EZABPQM and Mnémo
// are required; Territoire is optional; every other column is ignored.
func LoadPrefixTable(r io.Reader, opts PrefixTableOptions) (*PrefixTable, error) {
	const op = "load prefix table"

	policy := opts.Policy
	if policy == "" {
		policy = PolicyLongestPrefix
	}

	src, err := decodeReference(r, opts.Encoding)
	if err != nil {
		return nil, validationErr(op, err)
	}

	cr := csv.NewReader(src)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, validationErr(op, fmt.Errorf("%w: empty reference table", ErrMissingColumn))
	}
	if err != nil {
		return nil, validationErr(op, err)
	}

	cols := indexColumns(header)
	prefixIdx, okP := cols[refColumnPrefix]
	operatorIdx, okO := cols[refColumnOperator]
	var missing []string
	if !okP {
		missing = append(missing, refColumnPrefix)
	}
	if !okO {
		missing = append(missing, refColumnOperator)
	}
	if len(missing) > 0 {
		return nil, validationErr(op, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", ")))
	}
	territoryIdx, hasTerritory := cols[refColumnTerritory]

	var entries []PrefixEntry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, validationErr(op, err)
		}
		e := PrefixEntry{
			Prefix:   field(rec, prefixIdx),
			Operator: strings.TrimSpace(field(rec, operatorIdx)),
		}
		if hasTerritory {
			e.Territory = strings.TrimSpace(field(rec, territoryIdx))
		}
		entries = append(entries, e)
	}

	return NewPrefixTable(entries, policy)
}

// LoadPrefixTableFile opens path and calls LoadPrefixTable.
func LoadPrefixTableFile(path string, opts PrefixTableOptions) (*PrefixTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, validationErr("load prefix table", err)
	}
	defer f.Close()
	return LoadPrefixTable(f, opts)
}

func decodeReference(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(encoding) {
	case "", "latin1", "latin-1", "iso-8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case "utf-8", "utf8":
		return newBOMSkipper(r), nil
	}
	return nil, errors.New("unsupported reference table encoding " + encoding)
}

// indexColumns maps trimmed header names to their positions. The first
// occurrence of a name wins.
func indexColumns(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, seen := idx[h]; !seen {
			idx[h] = i
		}
	}
	return idx
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
