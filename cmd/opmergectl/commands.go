package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/opmerge/internal/core"
	"github.com/JonMunkholm/opmerge/internal/report"
)

var errNoTable = errors.New("no reference table: set PREFIX_TABLE_PATH or pass --table")

func resolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve NUMBER...",
		Short: "Resolve telephone numbers to operator and territory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			if p.Table == nil {
				return errNoTable
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NUMBER\tORIGIN\tNATIONAL\tOPERATOR\tTERRITORY")
			for _, raw := range args {
				c := p.Normalizer.Classify(raw)
				op, terr := core.OperatorForeign, core.TerritoryUnknown
				if c.Origin == core.Domestic {
					op, terr = "-", "-"
					if e, ok := p.Table.Resolve(c.National); ok {
						op, terr = e.Operator, e.Territory
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", raw, c.Origin, c.National, op, terr)
			}
			return tw.Flush()
		},
	}
}

func enrichCmd(g *globals) *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Enrich a converted CSV batch without touching the master dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			if p.Table == nil {
				return errNoTable
			}

			src, err := os.Open(in)
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := os.Create(out)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(dst)

			stats, err := core.NewEnricher(p.Normalizer, p.Table).Enrich(cmd.Context(), src, w)
			if err == nil {
				err = w.Flush()
			}
			if cerr := dst.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(out)
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Converted CSV batch (required)")
	cmd.Flags().StringVar(&out, "out", "", "Enriched CSV output (required)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func appendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "append ENRICHED.csv",
		Short: "Append an enriched CSV to the master dataset under the lock marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			id := core.JobID("cli-" + uuid.NewString())
			res, err := p.Appender.Append(cmd.Context(), id, f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

// ingestCmd runs the full pipeline for one raw batch and waits for it.
func ingestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest BATCH.txt",
		Short: "Convert, enrich and append one raw batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := g.pipeline(ctx, false)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			fi, err := f.Stat()
			if err != nil {
				return err
			}

			id, err := p.Coordinator.Submit(ctx, core.BatchDescriptor{
				Filename: filepath.Base(args[0]),
				Data:     f,
				Size:     fi.Size(),
			})
			if err != nil {
				return err
			}
			if err := p.Coordinator.WaitIdle(ctx); err != nil {
				return err
			}

			job, err := p.Coordinator.Status(id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), job); err != nil {
				return err
			}
			if job.Status == core.StatusFailed {
				return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
			}
			return nil
		},
	}
}

func infoCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show master dataset size, columns and lock marker",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			info, err := p.Appender.Info()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func unlockCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Delete a stale dataset lock marker",
		Long: `unlock deletes the dataset lock marker left behind by a process that
died while merging. Only run it when no ingestion is in progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), false)
			if err != nil {
				return err
			}
			marker, readErr := p.Appender.ReadMarker()
			removed, err := p.Appender.ForceUnlock()
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintln(cmd.OutOrStdout(), "no lock marker present")
				return nil
			}
			if readErr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "removed lock held by job %s (pid %d on %s since %s)\n",
					marker.JobID, marker.PID, marker.Host, marker.AcquiredAt.Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "removed unreadable lock marker")
			}
			return nil
		},
	}
}

func reportCmd(g *globals) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write the operator distribution workbook of the master dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			sum, err := report.SummarizeFile(cmd.Context(), cfg.Ingest.MasterPath)
			if err != nil {
				return err
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := report.WriteXLSX(sum, f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d records, %d operators\n", out, sum.Total, len(sum.Operators))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "operators.xlsx", "Output workbook")
	return cmd
}

func loadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Copy the master dataset into the Postgres warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer p.Close()
			if p.Loader == nil {
				return errors.New("warehouse disabled: set DATABASE_URL")
			}

			res, err := p.Loader.LoadFile(cmd.Context(), p.Appender.MasterPath())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
