package core

// appender.go merges enriched batches into the master dataset.
//
// Every merge writes a complete new file next to the master and replaces it
// with one rename, so readers see either the old or the new dataset and a
// crash mid-merge leaves the master untouched. Writers coordinate through a
// marker file "<master>.lock" created with O_EXCL. The marker is cooperative:
// a writer that dies between create and remove leaves it behind until an
// operator calls ForceUnlock, or until LOCK_STALE_AFTER expires when set.

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"
)

// Replaceable for tests.
var (
	renameFunc = os.Rename
	linkFunc   = os.Link
)

// Lock defaults.
const (
	DefaultLockWait     = 60 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
)

// AppenderOptions configures an Appender.
type AppenderOptions struct {
	MasterPath   string
	LockWait     time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration // 0 disables stale marker removal
	SchemaCheck  SchemaCheck
}

// Appender owns all writes to the master dataset.
type Appender struct {
	opts AppenderOptions
	host string
}

// NewAppender returns an Appender for opts.MasterPath.
func NewAppender(opts AppenderOptions) *Appender {
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SchemaCheck == "" {
		opts.SchemaCheck = SchemaReject
	}
	host, _ := os.Hostname()
	return &Appender{opts: opts, host: host}
}

// MasterPath returns the dataset location.
func (a *Appender) MasterPath() string { return a.opts.MasterPath }

// LockPath returns the marker file location.
func (a *Appender) LockPath() string { return a.opts.MasterPath + ".lock" }

// LockMarker is the JSON content of the marker file.
type LockMarker struct {
	JobID      JobID     `json:"job_id"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Append merges batch (a CSV with header) into the master dataset.
//
// When no master exists the batch becomes the master. Otherwise the combined
// file holds the batch header, the master rows, then the batch rows. The
// master is replaced only after TotalRows == ExistingRows + NewRows has been
// checked.
func (a *Appender) Append(ctx context.Context, jobID JobID, batch io.Reader) (AppendResult, error) {
	const op = "append batch"
	start := time.Now()
	var res AppendResult

	dir := filepath.Dir(a.opts.MasterPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, ioErr(op, err)
	}

	side, header, newRows, err := a.writeSideFile(batch)
	if side != "" {
		defer os.Remove(side)
	}
	if err != nil {
		return res, err
	}
	res.NewRows = newRows

	// Fast path: first batch becomes the master without taking the lock.
	if err := linkFunc(side, a.opts.MasterPath); err == nil {
		_ = syncDir(dir)
		res.Created = true
		res.TotalRows = newRows
		res.Duration = time.Since(start)
		return res, nil
	}

	lockStart := time.Now()
	unlock, err := a.acquire(ctx, jobID)
	res.LockWait = time.Since(lockStart)
	if err != nil {
		return res, err
	}
	defer unlock()

	// The master may have been purged or never linked while we waited.
	// Without hard link support the lock-free path never succeeds, so a
	// rename cannot clobber a concurrent writer.
	if _, statErr := os.Stat(a.opts.MasterPath); errors.Is(statErr, fs.ErrNotExist) {
		err := linkFunc(side, a.opts.MasterPath)
		if err != nil && !errors.Is(err, fs.ErrExist) {
			err = renameFunc(side, a.opts.MasterPath)
		}
		if err != nil {
			return res, ioErr(op, err)
		}
		_ = syncDir(dir)
		res.Created = true
		res.TotalRows = newRows
		res.Duration = time.Since(start)
		return res, nil
	}

	existing, total, err := a.merge(header, side, newRows)
	res.ExistingRows = existing
	if err != nil {
		return res, err
	}
	res.TotalRows = total
	res.Duration = time.Since(start)
	return res, nil
}

// writeSideFile copies batch to a temp file beside the master and returns
// its path, header and data row count. The caller removes the file.
func (a *Appender) writeSideFile(batch io.Reader) (string, []string, int64, error) {
	const op = "stage batch"

	f, err := os.CreateTemp(filepath.Dir(a.opts.MasterPath), "."+filepath.Base(a.opts.MasterPath)+".batch-*")
	if err != nil {
		return "", nil, 0, ioErr(op, err)
	}
	name := f.Name()
	defer f.Close()

	cr := newCSVReader(batch)
	header, err := cr.Read()
	if err == io.EOF {
		return name, nil, 0, validationErr(op, errors.New("batch has no header"))
	}
	if err != nil {
		return name, nil, 0, validationErr(op, err)
	}
	header = slices.Clone(header)

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return name, nil, 0, ioErr(op, err)
	}
	rows, err := copyRecords(cr, cw)
	if err != nil {
		return name, nil, 0, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return name, nil, 0, ioErr(op, err)
	}
	if err := f.Sync(); err != nil {
		return name, nil, 0, ioErr(op, err)
	}
	if err := f.Close(); err != nil {
		return name, nil, 0, ioErr(op, err)
	}
	return name, header, rows, nil
}

// merge writes header + master rows + side rows to a temp file and renames
// it over the master. Caller holds the lock.
func (a *Appender) merge(header []string, side string, newRows int64) (existing, total int64, err error) {
	const op = "merge dataset"
	dir := filepath.Dir(a.opts.MasterPath)

	master, err := os.Open(a.opts.MasterPath)
	if err != nil {
		return 0, 0, ioErr(op, err)
	}
	defer master.Close()

	mr := newCSVReader(master)
	masterHeader, err := mr.Read()
	if err != nil && err != io.EOF {
		return 0, 0, ioErr(op, fmt.Errorf("read master header: %w", err))
	}
	if a.opts.SchemaCheck == SchemaReject && masterHeader != nil && !slices.Equal(masterHeader, header) {
		return 0, 0, validationErr(op, fmt.Errorf("%w: master has %d columns, batch has %d",
			ErrSchemaMismatch, len(masterHeader), len(header)))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(a.opts.MasterPath)+".merge-*")
	if err != nil {
		return 0, 0, ioErr(op, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	cw := csv.NewWriter(tmp)
	if err := cw.Write(header); err != nil {
		return 0, 0, ioErr(op, err)
	}
	if masterHeader != nil {
		existing, err = copyRecords(mr, cw)
		if err != nil {
			return existing, 0, err
		}
	}

	sf, err := os.Open(side)
	if err != nil {
		return existing, 0, ioErr(op, err)
	}
	defer sf.Close()
	sr := newCSVReader(sf)
	if _, err := sr.Read(); err != nil {
		return existing, 0, ioErr(op, fmt.Errorf("read batch header: %w", err))
	}
	added, err := copyRecords(sr, cw)
	if err != nil {
		return existing, 0, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return existing, 0, ioErr(op, err)
	}
	if err := tmp.Sync(); err != nil {
		return existing, 0, ioErr(op, err)
	}
	if err := tmp.Close(); err != nil {
		return existing, 0, ioErr(op, err)
	}

	total = existing + added
	if total != existing+newRows {
		return existing, total, errorf(KindIO, op,
			"row count mismatch: existing %d + new %d != total %d", existing, newRows, total)
	}

	if err := renameFunc(tmpName, a.opts.MasterPath); err != nil {
		return existing, total, ioErr(op, err)
	}
	_ = syncDir(dir)
	return existing, total, nil
}

// acquire creates the marker file, polling while another writer holds it.
// The returned func removes the marker if it is still ours.
func (a *Appender) acquire(ctx context.Context, jobID JobID) (func(), error) {
	const op = "acquire dataset lock"
	path := a.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, ioErr(op, err)
	}
	deadline := time.Now().Add(a.opts.LockWait)

	for {
		marker := LockMarker{JobID: jobID, PID: os.Getpid(), Host: a.host, AcquiredAt: time.Now().UTC()}
		err := writeMarker(path, marker)
		if err == nil {
			return func() { a.releaseMarker(marker) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, ioErr(op, err)
		}

		if a.opts.StaleAfter > 0 && a.removeIfStale(path) {
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, concurrencyErr(op, fmt.Errorf("%w after %s", ErrLockTimeout, a.opts.LockWait))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.opts.PollInterval):
		}
	}
}

func writeMarker(path string, m LockMarker) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(m); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// releaseMarker removes the marker unless it was replaced by another writer
// after a forced unlock.
func (a *Appender) releaseMarker(mine LockMarker) {
	current, err := a.ReadMarker()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("dataset lock marker unreadable, removing", "path", a.LockPath(), "error", err)
			_ = os.Remove(a.LockPath())
		}
		return
	}
	if current.JobID != mine.JobID || current.PID != mine.PID || !current.AcquiredAt.Equal(mine.AcquiredAt) {
		slog.Warn("dataset lock marker owned by another writer, leaving it", "path", a.LockPath(), "owner", current.JobID)
		return
	}
	if err := os.Remove(a.LockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to remove dataset lock marker", "path", a.LockPath(), "error", err)
	}
}

func (a *Appender) removeIfStale(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	age := time.Since(fi.ModTime())
	if age < a.opts.StaleAfter {
		return false
	}
	slog.Warn("removing stale dataset lock marker", "path", path, "age", age.Round(time.Second))
	return os.Remove(path) == nil
}

// ReadMarker returns the current marker, or an fs.ErrNotExist error.
func (a *Appender) ReadMarker() (LockMarker, error) {
	var m LockMarker
	data, err := os.ReadFile(a.LockPath())
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// ForceUnlock deletes the marker file and reports whether one existed.
func (a *Appender) ForceUnlock() (bool, error) {
	err := os.Remove(a.LockPath())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, ioErr("force unlock", err)
}

// Exists reports whether the master dataset exists.
func (a *Appender) Exists() bool {
	fi, err := os.Stat(a.opts.MasterPath)
	return err == nil && fi.Mode().IsRegular()
}

// Purge removes the master dataset under the lock and reports whether it
// existed.
func (a *Appender) Purge(ctx context.Context) (bool, error) {
	unlock, err := a.acquire(ctx, "purge")
	if err != nil {
		return false, err
	}
	defer unlock()

	err = os.Remove(a.opts.MasterPath)
	switch {
	case err == nil:
		_ = syncDir(filepath.Dir(a.opts.MasterPath))
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}
	return false, ioErr("purge dataset", err)
}

// RowCount returns the number of data rows in the master, 0 if absent.
func (a *Appender) RowCount() (int64, error) {
	if !a.Exists() {
		return 0, nil
	}
	return countRecords(a.opts.MasterPath)
}

// DatasetInfo describes the master dataset.
type DatasetInfo struct {
	Path     string      `json:"path"`
	Exists   bool        `json:"exists"`
	Rows     int64       `json:"rows"`
	Size     int64       `json:"size_bytes"`
	Modified time.Time   `json:"modified,omitempty"`
	Columns  []string    `json:"columns,omitempty"`
	Lock     *LockMarker `json:"lock,omitempty"`
}

// Info reads the dataset header, size and row count.
func (a *Appender) Info() (DatasetInfo, error) {
	info := DatasetInfo{Path: a.opts.MasterPath}
	if m, err := a.ReadMarker(); err == nil {
		info.Lock = &m
	}

	f, err := os.Open(a.opts.MasterPath)
	if errors.Is(err, fs.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return info, ioErr("dataset info", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return info, ioErr("dataset info", err)
	}
	info.Exists = true
	info.Size = fi.Size()
	info.Modified = fi.ModTime()

	cr := newCSVReader(f)
	header, err := cr.Read()
	if err == io.EOF {
		return info, nil
	}
	if err != nil {
		return info, ioErr("dataset info", err)
	}
	info.Columns = slices.Clone(header)
	for {
		if _, err := cr.Read(); err == io.EOF {
			break
		} else if err != nil {
			return info, ioErr("dataset info", err)
		}
		info.Rows++
	}
	return info, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	return cr
}

// copyRecords copies every remaining record from cr to cw.
func copyRecords(cr *csv.Reader, cw *csv.Writer) (int64, error) {
	var n int64
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, ioErr("copy records", err)
		}
		if err := cw.Write(rec); err != nil {
			return n, ioErr("copy records", err)
		}
		n++
	}
}

// countRecords returns the number of records after the header in path.
func countRecords(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, ioErr("count rows", err)
	}
	defer f.Close()

	cr := newCSVReader(f)
	var n int64
	for {
		_, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, ioErr("count rows", err)
		}
		n++
	}
	if n > 0 {
		n-- // header
	}
	return n, nil
}

func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
