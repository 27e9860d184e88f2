// Package application assembles the ingestion pipeline from configuration.
// The server and the command-line tool share it so both see the same
// dataset, lock marker and reference table.
package application

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/opmerge/internal/config"
	"github.com/JonMunkholm/opmerge/internal/core"
	"github.com/JonMunkholm/opmerge/internal/metrics"
	"github.com/JonMunkholm/opmerge/internal/warehouse"
	"github.com/JonMunkholm/opmerge/internal/web"
)

// Pipeline holds the wired components. Table, Pool and Loader are nil when
// their inputs are not configured.
type Pipeline struct {
	Config      *config.Config
	Table       *core.PrefixTable
	Normalizer  *core.Normalizer
	Converter   *core.ExecConverter
	Appender    *core.Appender
	Coordinator *core.Coordinator
	Metrics     *metrics.Metrics

	Pool   *pgxpool.Pool
	Loader *warehouse.Loader
}

// Options control which optional parts Build sets up.
type Options struct {
	// Registry receives metrics; nil skips metrics.
	Registry *prometheus.Registry
	// Warehouse connects to Postgres when a database URL is configured.
	Warehouse bool
}

// Build wires the pipeline. A missing reference table is logged rather than
// fatal since jobs may bring their own.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	policy, err := core.ParseMatchPolicy(cfg.Ingest.MatchPolicy)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		Config:     cfg,
		Normalizer: core.NewNormalizer(cfg.Ingest.DomesticCode),
		Converter:  core.NewExecConverter(cfg.Converter.Path, cfg.Converter.Timeout),
		Appender: core.NewAppender(core.AppenderOptions{
			MasterPath:   cfg.Ingest.MasterPath,
			LockWait:     cfg.Dataset.LockWait,
			PollInterval: cfg.Dataset.LockPollInterval,
			StaleAfter:   cfg.Dataset.LockStaleAfter,
			SchemaCheck:  core.SchemaCheck(cfg.Dataset.SchemaCheck),
		}),
	}

	if err := p.Converter.Available(); err != nil {
		slog.Warn("converter unavailable; jobs will fail until it is installed",
			"path", cfg.Converter.Path, "error", err)
	}

	if err := p.loadTable(policy); err != nil {
		return nil, err
	}

	if opts.Registry != nil {
		p.Metrics = metrics.New(opts.Registry)
	}

	var obs core.Observer
	if p.Metrics != nil {
		obs = p.Metrics
	}
	p.Coordinator = core.NewCoordinator(core.CoordinatorOptions{
		WorkDir:      cfg.Ingest.WorkDir,
		ChunkSize:    cfg.Ingest.ChunkSize,
		Retention:    cfg.Ingest.JobRetention,
		Converter:    p.Converter,
		Appender:     p.Appender,
		Normalizer:   p.Normalizer,
		Table:        p.Table,
		TableOptions: p.TableOptions(),
		Observer:     obs,
	})

	if opts.Warehouse && cfg.Database.WarehouseEnabled() {
		pool, err := warehouse.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("warehouse: %w", err)
		}
		p.Pool = pool
		p.Loader = warehouse.NewLoader(pool, cfg.Database.Table, cfg.Database.LoadBatchSize)
	}

	return p, nil
}

func (p *Pipeline) loadTable(policy core.MatchPolicy) error {
	path := p.Config.Ingest.PrefixTablePath
	if path == "" {
		slog.Warn("no reference table configured; every job must upload one")
		return nil
	}
	tbl, err := core.LoadPrefixTableFile(path, core.PrefixTableOptions{
		Encoding: p.Config.Ingest.PrefixTableEncoding,
		Policy:   policy,
	})
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("reference table not found; every job must upload one", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reference table %s: %w", path, err)
	}

	st := tbl.Stats()
	slog.Info("reference table loaded",
		"path", path,
		"prefixes", st.Loaded,
		"invalid", st.Invalid,
		"duplicates", st.Duplicates,
		"policy", tbl.Policy(),
	)
	p.Table = tbl
	return nil
}

// TableOptions returns the options used for per-job reference tables.
func (p *Pipeline) TableOptions() core.PrefixTableOptions {
	policy, _ := core.ParseMatchPolicy(p.Config.Ingest.MatchPolicy)
	return core.PrefixTableOptions{
		Encoding: p.Config.Ingest.PrefixTableEncoding,
		Policy:   policy,
	}
}

// WebDeps returns the collaborators the HTTP server needs.
func (p *Pipeline) WebDeps() web.Deps {
	deps := web.Deps{
		Coordinator:    p.Coordinator,
		Appender:       p.Appender,
		Metrics:        p.Metrics,
		ConverterCheck: p.Converter.Available,
	}
	if p.Loader != nil {
		deps.Loader = p.Loader
	}
	return deps
}

// Close releases the warehouse pool.
func (p *Pipeline) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
