package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/opmerge/internal/logging"
)

// DefaultJobRetention is how long finished jobs stay queryable.
const DefaultJobRetention = time.Hour

// Observer receives pipeline events. The metrics package implements it.
type Observer interface {
	JobRejected()
	JobFinished(status JobStatus, elapsed time.Duration)
	Converted(elapsed time.Duration, err error)
	Enriched(stats EnrichStats)
	Appended(res AppendResult)
}

type nopObserver struct{}

func (nopObserver) JobRejected()                         {}
func (nopObserver) JobFinished(JobStatus, time.Duration) {}
func (nopObserver) Converted(time.Duration, error)       {}
func (nopObserver) Enriched(EnrichStats)                 {}
func (nopObserver) Appended(AppendResult)                {}

// CoordinatorOptions wires the pipeline stages.
type CoordinatorOptions struct {
	WorkDir   string
	ChunkSize int
	Retention time.Duration

	Converter  Converter
	Appender   *Appender
	Normalizer *Normalizer

	// Table is the default reference table; nil means every job must
	// supply its own. TableOptions parses per-job tables.
	Table        *PrefixTable
	TableOptions PrefixTableOptions

	Observer Observer
}

// Coordinator admits one ingestion job at a time and tracks job state.
type Coordinator struct {
	opts CoordinatorOptions
	slot *AdmissionSlot
	obs  Observer

	mu   sync.RWMutex
	jobs map[JobID]Job

	running sync.WaitGroup
	now     func() time.Time
}

// NewCoordinator returns a Coordinator. Converter, Appender and Normalizer
// are required.
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultJobRetention
	}
	if opts.Normalizer == nil {
		opts.Normalizer = NewNormalizer("")
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Coordinator{
		opts: opts,
		slot: NewAdmissionSlot(),
		obs:  obs,
		jobs: make(map[JobID]Job),
		now:  time.Now,
	}
}

// Submit validates and stages a batch, then processes it in the background.
//
// The returned id is valid as soon as staging completes. A non-.txt file is
// rejected with a validation error and a busy slot with ErrBusy; in both
// cases no job is created. If staging itself fails the job is recorded as
// failed and its id is returned along with the error.
func (c *Coordinator) Submit(ctx context.Context, desc BatchDescriptor) (JobID, error) {
	const op = "submit batch"

	if !strings.EqualFold(filepath.Ext(desc.Filename), ".txt") {
		return "", validationErr(op, fmt.Errorf("%w: %q is not a .txt file", ErrInvalidInputType, desc.Filename))
	}

	id := JobID(uuid.NewString())
	tok, ok := c.slot.TryAcquire(id)
	if !ok {
		c.obs.JobRejected()
		return "", concurrencyErr(op, ErrBusy)
	}

	logger := logging.ForJob(ctx, string(id))
	now := c.now()
	c.mu.Lock()
	c.evictLocked(now)
	c.jobs[id] = Job{
		ID:            id,
		Status:        StatusQueued,
		Message:       "queued",
		InputFilename: filepath.Base(desc.Filename),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	c.mu.Unlock()
	c.transition(id, StatusProcessing, 0, "staging input")

	dir, input, table, err := c.stage(ctx, id, desc)
	if err != nil {
		logger.Error("staging failed", "file", desc.Filename, "error", err)
		c.fail(id, err)
		if dir != "" {
			_ = os.RemoveAll(dir)
		}
		c.slot.Release(tok)
		return id, err
	}
	c.transition(id, StatusProcessing, ProgressInputReceived, "input received")
	logger.Info("batch staged", "file", desc.Filename)

	c.running.Add(1)
	go c.run(logger, id, tok, dir, input, table)

	return id, nil
}

// stage copies the upload into a per-job work directory and resolves the
// reference table for the job.
func (c *Coordinator) stage(ctx context.Context, id JobID, desc BatchDescriptor) (dir, input string, table *PrefixTable, err error) {
	const op = "stage input"

	table = c.opts.Table
	if desc.PrefixTable != nil {
		table, err = LoadPrefixTable(desc.PrefixTable, c.opts.TableOptions)
		if err != nil {
			return "", "", nil, err
		}
	}
	if table == nil {
		return "", "", nil, validationErr(op, fmt.Errorf("%w: no reference table configured", ErrMissingColumn))
	}

	dir = filepath.Join(c.opts.WorkDir, string(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", nil, ioErr(op, err)
	}

	input = filepath.Join(dir, filepath.Base(desc.Filename))
	f, err := os.Create(input)
	if err != nil {
		return dir, "", nil, ioErr(op, err)
	}
	defer f.Close()

	if _, err := CopyChunked(ctx, f, desc.Data, c.opts.ChunkSize); err != nil {
		return dir, "", nil, ioErr(op, err)
	}
	if err := f.Close(); err != nil {
		return dir, "", nil, ioErr(op, err)
	}
	return dir, input, table, nil
}

// run executes conversion, enrichment and append. The slot is released and
// the work directory removed on every path, panics included.
func (c *Coordinator) run(logger *slog.Logger, id JobID, tok slotToken, dir, input string, table *PrefixTable) {
	start := c.now()
	defer c.running.Done()
	defer c.slot.Release(tok)
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("failed to remove work directory", "dir", dir, "error", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in ingestion job", "panic", r, "stack", string(debug.Stack()))
			c.fail(id, fmt.Errorf("internal error: %v", r))
		}
		if job, err := c.Status(id); err == nil {
			c.obs.JobFinished(job.Status, c.now().Sub(start))
		}
	}()

	ctx := context.Background()
	result, err := c.process(ctx, logger, id, dir, input, table)
	if err != nil {
		logger.Error("ingestion job failed", "error", err, "kind", KindOf(err))
		c.fail(id, err)
		return
	}
	result.Duration = c.now().Sub(start)

	c.update(id, func(j *Job) {
		j.Status = StatusCompleted
		j.Progress = ProgressAppendComplete
		j.Message = fmt.Sprintf("appended %d rows, dataset now has %d rows", result.Append.NewRows, result.Append.TotalRows)
		j.Result = result
	})
	logger.Info("ingestion job completed",
		"new_rows", result.Append.NewRows,
		"total_rows", result.Append.TotalRows,
		"matched", result.Enrich.Matched,
		"duration_ms", result.Duration.Milliseconds(),
	)
}

func (c *Coordinator) process(ctx context.Context, logger *slog.Logger, id JobID, dir, input string, table *PrefixTable) (*JobResult, error) {
	converted := filepath.Join(dir, "converted.csv")
	conv, err := c.opts.Converter.Convert(ctx, input, converted)
	c.obs.Converted(conv.Duration, err)
	if err != nil {
		return nil, err
	}
	c.transition(id, StatusProcessing, ProgressConversionComplete, "conversion complete")
	logger.Debug("conversion complete", "duration_ms", conv.Duration.Milliseconds())

	enriched := filepath.Join(dir, "enriched.csv")
	stats, err := c.enrich(ctx, table, converted, enriched)
	if err != nil {
		return nil, err
	}
	c.obs.Enriched(stats)
	c.transition(id, StatusProcessing, ProgressJoinComplete,
		fmt.Sprintf("prefix join complete: %d of %d domestic numbers matched", stats.Matched, stats.Domestic))

	f, err := os.Open(enriched)
	if err != nil {
		return nil, ioErr("open enriched batch", err)
	}
	defer f.Close()

	res, err := c.opts.Appender.Append(ctx, id, f)
	if err != nil {
		return nil, err
	}
	c.obs.Appended(res)

	return &JobResult{Enrich: stats, Append: res, Convert: conv.Duration}, nil
}

func (c *Coordinator) enrich(ctx context.Context, table *PrefixTable, src, dst string) (EnrichStats, error) {
	in, err := os.Open(src)
	if err != nil {
		return EnrichStats{}, ioErr("open converted batch", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return EnrichStats{}, ioErr("create enriched batch", err)
	}
	defer out.Close()

	stats, err := NewEnricher(c.opts.Normalizer, table).Enrich(ctx, in, out)
	if err != nil {
		return stats, err
	}
	if err := out.Close(); err != nil {
		return stats, ioErr("close enriched batch", err)
	}
	return stats, nil
}

// transition moves a non-terminal job forward.
func (c *Coordinator) transition(id JobID, status JobStatus, progress int, msg string) {
	c.update(id, func(j *Job) {
		j.Status = status
		j.Progress = progress
		j.Message = msg
	})
}

func (c *Coordinator) fail(id JobID, err error) {
	c.update(id, func(j *Job) {
		j.Status = StatusFailed
		j.Message = MapError(err).Message
		j.Error = CleanErrorMessage(err.Error())
	})
}

// update applies fn to a copy of the stored snapshot and stores the copy.
// Terminal jobs are never modified and status never moves backwards.
func (c *Coordinator) update(id JobID, fn func(*Job)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.jobs[id]
	if !ok || cur.Status.Terminal() {
		return
	}
	next := cur
	fn(&next)
	if next.Status.rank() < cur.Status.rank() {
		return
	}
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	next.UpdatedAt = c.now()
	c.jobs[id] = next
}

// Status returns the current snapshot of a job.
func (c *Coordinator) Status(id JobID) (Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	j, ok := c.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, nil
}

// Jobs lists known jobs, newest first.
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	c.evictLocked(c.now())
	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Current returns the job holding the admission slot.
func (c *Coordinator) Current() (Job, bool) {
	st := c.slot.State()
	if !st.Locked {
		return Job{}, false
	}
	j, err := c.Status(st.JobID)
	return j, err == nil
}

// LockState reports whether a job holds the admission slot.
func (c *Coordinator) LockState() LockState { return c.slot.State() }

// ResetLock force-clears the admission slot and returns its prior state.
// A job that was running keeps running; its eventual release is a no-op.
// There is no authentication on this operation.
func (c *Coordinator) ResetLock() LockState {
	prev := c.slot.Reset()
	if prev.Locked {
		slog.Warn("admission lock reset", "job_id", prev.JobID)
	}
	return prev
}

// WaitIdle blocks until every background job has finished or ctx is done.
func (c *Coordinator) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked drops finished jobs older than the retention period.
func (c *Coordinator) evictLocked(now time.Time) {
	for id, j := range c.jobs {
		if j.Status.Terminal() && now.Sub(j.UpdatedAt) > c.opts.Retention {
			delete(c.jobs, id)
		}
	}
}

// IsNotFound reports whether err means an unknown job id.
func IsNotFound(err error) bool { return errors.Is(err, ErrJobNotFound) }
