// Package warehouse copies the master dataset into a PostgreSQL table.
package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/opmerge/internal/config"
)

// DefaultBatchSize is the number of rows per COPY.
const DefaultBatchSize = 1000

// Open parses cfg.URL, applies pool sizing and pings the server.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = int32(cfg.MaxConns)
	}
	pc.MinConns = int32(cfg.MinConns)
	pc.ConnConfig.RuntimeParams["application_name"] = "opmerge"

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to warehouse", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}

// LoadResult reports a finished load.
type LoadResult struct {
	Table    string        `json:"table"`
	Rows     int64         `json:"rows"`
	Batches  int           `json:"batches"`
	Columns  []string      `json:"columns"`
	Duration time.Duration `json:"duration"`
}

// Loader replaces the contents of one table with the master dataset.
type Loader struct {
	pool      *pgxpool.Pool
	table     string
	batchSize int
}

// NewLoader returns a loader writing to table.
func NewLoader(pool *pgxpool.Pool, table string, batchSize int) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Loader{pool: pool, table: table, batchSize: batchSize}
}

// LoadFile opens path and loads it.
func (l *Loader) LoadFile(ctx context.Context, path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadResult{}, fmt.Errorf("master dataset %s does not exist", path)
		}
		return LoadResult{}, err
	}
	defer f.Close()
	return l.Load(ctx, f)
}

// Load creates the table if needed, truncates it and copies every row of
// the CSV in r. The whole load is one transaction; a failed batch leaves
// the previous contents in place.
func (l *Loader) Load(ctx context.Context, r io.Reader) (LoadResult, error) {
	start := time.Now()
	res := LoadResult{Table: l.table}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return res, errors.New("dataset is empty")
		}
		return res, fmt.Errorf("read header: %w", err)
	}
	cols := ColumnNames(header)
	res.Columns = cols

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, CreateTableSQL(l.table, cols)); err != nil {
		return res, fmt.Errorf("create table: %w", err)
	}
	if _, err := tx.Exec(ctx, "TRUNCATE "+pgx.Identifier{l.table}.Sanitize()); err != nil {
		return res, fmt.Errorf("truncate: %w", err)
	}

	err = ReadBatches(cr, len(cols), l.batchSize, func(rows [][]any) error {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{l.table}, cols, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy batch %d: %w", res.Batches+1, err)
		}
		res.Rows += n
		res.Batches++
		return nil
	})
	if err != nil {
		return res, err
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	res.Duration = time.Since(start)

	slog.Info("warehouse load complete",
		"table", l.table,
		"rows", res.Rows,
		"batches", res.Batches,
		"elapsed_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

// ColumnNames turns CSV headers into unique lower-case SQL column names.
// Characters outside [a-z0-9_] become underscores; blanks get a positional
// name and repeats get a numeric suffix.
func ColumnNames(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]int, len(header))
	for i, h := range header {
		name := sanitize(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[name]++
		out[i] = name
	}
	return out
}

func sanitize(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\ufeff")
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "c_" + name
	}
	return name
}

// CreateTableSQL returns an idempotent CREATE TABLE with TEXT columns.
func CreateTableSQL(table string, cols []string) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))
}

// ReadBatches reads records from cr and hands them to fn width columns at a
// time in groups of size. Short rows are padded with NULL and long rows
// truncated. Empty cells become NULL.
func ReadBatches(cr *csv.Reader, width, size int, fn func([][]any) error) error {
	batch := make([][]any, 0, size)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}
		row := make([]any, width)
		for i := 0; i < width && i < len(rec); i++ {
			if rec[i] != "" {
				row[i] = rec[i]
			}
		}
		batch = append(batch, row)
		if len(batch) == size {
			if err := fn(batch); err != nil {
				return err
			}
			batch = make([][]any, 0, size)
		}
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}
