package core

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var enrichedHeader = []string{"NOM", "TELEPHONE", "Operateur", "Territoire"}

// batchCSV builds an enriched batch with n rows whose names start at offset.
func batchCSV(n, offset int) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write(enrichedHeader)
	for i := 0; i < n; i++ {
		_ = w.Write([]string{fmt.Sprintf("sub-%d", offset+i), "612345678", "Orange", "Metropole"})
	}
	w.Flush()
	return b.String()
}

func newTestAppender(t *testing.T, opts AppenderOptions) *Appender {
	t.Helper()
	if opts.MasterPath == "" {
		opts.MasterPath = filepath.Join(t.TempDir(), "data", "input.csv")
	}
	if opts.LockWait == 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return NewAppender(opts)
}

func readMaster(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	defer f.Close()
	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		t.Fatalf("read master: %v", err)
	}
	return rows
}

func assertNoLeftovers(t *testing.T, a *Appender) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(a.MasterPath()))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(a.MasterPath()) {
			t.Errorf("unexpected file left behind: %s", e.Name())
		}
	}
}

func TestAppender_FirstBatchCreatesMaster(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	in := batchCSV(3, 0)

	res, err := a.Append(context.Background(), "job-1", strings.NewReader(in))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !res.Created || res.NewRows != 3 || res.ExistingRows != 0 || res.TotalRows != 3 {
		t.Errorf("result = %+v", res)
	}

	data, err := os.ReadFile(a.MasterPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != in {
		t.Errorf("round trip mismatch:\n got %q\nwant %q", data, in)
	}
	assertNoLeftovers(t, a)
}

// Scenario C: 1000 existing rows plus a 500 row batch.
func TestAppender_MergeArithmetic(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	ctx := context.Background()

	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(1000, 0))); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(500, 1000)))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.Created || res.ExistingRows != 1000 || res.NewRows != 500 || res.TotalRows != 1500 {
		t.Errorf("result = %+v", res)
	}

	rows := readMaster(t, a.MasterPath())
	if len(rows) != 1501 {
		t.Fatalf("master has %d records, want 1501", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(enrichedHeader, ",") {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "sub-0" || rows[1000][0] != "sub-999" || rows[1001][0] != "sub-1000" || rows[1500][0] != "sub-1499" {
		t.Error("existing rows must precede batch rows in original order")
	}

	n, err := a.RowCount()
	if err != nil || n != 1500 {
		t.Errorf("RowCount() = %d, %v; want 1500", n, err)
	}
	if _, err := os.Stat(a.LockPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock marker should be removed after merge")
	}
	assertNoLeftovers(t, a)
}

func TestAppender_QuotedNewlinesCountAsOneRow(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	in := "NOM,TELEPHONE\n\"line one\nline two\",612345678\n"

	res, err := a.Append(context.Background(), "job-1", strings.NewReader(in))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.NewRows != 1 {
		t.Errorf("NewRows = %d, want 1", res.NewRows)
	}
	res, err = a.Append(context.Background(), "job-2", strings.NewReader(in))
	if err != nil {
		t.Fatalf("second Append() error = %v", err)
	}
	if res.TotalRows != 2 {
		t.Errorf("TotalRows = %d, want 2", res.TotalRows)
	}
}

func TestAppender_SchemaMismatch(t *testing.T) {
	other := "TELEPHONE,Operateur\n612345678,Orange\n"

	t.Run("reject", func(t *testing.T) {
		a := newTestAppender(t, AppenderOptions{SchemaCheck: SchemaReject})
		ctx := context.Background()
		if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(2, 0))); err != nil {
			t.Fatal(err)
		}
		before, _ := os.ReadFile(a.MasterPath())

		_, err := a.Append(ctx, "job-2", strings.NewReader(other))
		if !errors.Is(err, ErrSchemaMismatch) || !IsKind(err, KindValidation) {
			t.Fatalf("error = %v, want schema mismatch validation error", err)
		}
		after, _ := os.ReadFile(a.MasterPath())
		if string(before) != string(after) {
			t.Error("master modified on rejected batch")
		}
		assertNoLeftovers(t, a)
	})

	t.Run("ignore", func(t *testing.T) {
		a := newTestAppender(t, AppenderOptions{SchemaCheck: SchemaIgnore})
		ctx := context.Background()
		if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(2, 0))); err != nil {
			t.Fatal(err)
		}
		res, err := a.Append(ctx, "job-2", strings.NewReader(other))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if res.TotalRows != 3 {
			t.Errorf("TotalRows = %d, want 3", res.TotalRows)
		}
		rows := readMaster(t, a.MasterPath())
		if strings.Join(rows[0], ",") != "TELEPHONE,Operateur" {
			t.Errorf("header = %v, want the new batch header", rows[0])
		}
	})
}

func TestAppender_EmptyBatch(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	_, err := a.Append(context.Background(), "job-1", strings.NewReader(""))
	if !IsKind(err, KindValidation) {
		t.Errorf("error = %v, want validation error", err)
	}
	if a.Exists() {
		t.Error("empty batch must not create a master")
	}
}

func holdMarker(t *testing.T, a *Appender, owner JobID) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(a.LockPath()), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := writeMarker(a.LockPath(), LockMarker{JobID: owner, PID: 1, AcquiredAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
}

func TestAppender_LockTimeout(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{LockWait: 50 * time.Millisecond})
	ctx := context.Background()
	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(2, 0))); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(a.MasterPath())
	holdMarker(t, a, "other")

	res, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(2, 2)))
	if !errors.Is(err, ErrLockTimeout) || !IsKind(err, KindConcurrency) {
		t.Fatalf("error = %v, want lock timeout", err)
	}
	if res.LockWait < 50*time.Millisecond {
		t.Errorf("LockWait = %v, want >= 50ms", res.LockWait)
	}
	after, _ := os.ReadFile(a.MasterPath())
	if string(before) != string(after) {
		t.Error("master modified after lock timeout")
	}
	if m, err := a.ReadMarker(); err != nil || m.JobID != "other" {
		t.Errorf("foreign marker should survive: %+v, %v", m, err)
	}
}

func TestAppender_MarkerDeletionUnblocks(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{LockWait: 5 * time.Second})
	ctx := context.Background()
	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(2, 0))); err != nil {
		t.Fatal(err)
	}
	holdMarker(t, a, "crashed")

	go func() {
		time.Sleep(50 * time.Millisecond)
		if existed, err := a.ForceUnlock(); err != nil || !existed {
			t.Errorf("ForceUnlock() = %v, %v", existed, err)
		}
	}()

	res, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(3, 2)))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if res.TotalRows != 5 {
		t.Errorf("TotalRows = %d, want 5", res.TotalRows)
	}
	if res.LockWait < 40*time.Millisecond {
		t.Errorf("LockWait = %v, expected the append to wait", res.LockWait)
	}
}

func TestAppender_StaleMarker(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{LockWait: 100 * time.Millisecond, StaleAfter: time.Minute})
	ctx := context.Background()
	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(1, 0))); err != nil {
		t.Fatal(err)
	}
	holdMarker(t, a, "crashed")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(a.LockPath(), old, old); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(1, 1))); err != nil {
		t.Fatalf("stale marker should be cleared: %v", err)
	}
}

func TestAppender_FreshMarkerNotStale(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{LockWait: 30 * time.Millisecond, StaleAfter: time.Hour})
	ctx := context.Background()
	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(1, 0))); err != nil {
		t.Fatal(err)
	}
	holdMarker(t, a, "busy")

	if _, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(1, 1))); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("error = %v, want lock timeout", err)
	}
}

func TestAppender_RenameFailureLeavesMaster(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	ctx := context.Background()
	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(2, 0))); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(a.MasterPath())

	orig := renameFunc
	renameFunc = func(string, string) error { return errors.New("no space left on device") }
	defer func() { renameFunc = orig }()

	_, err := a.Append(ctx, "job-2", strings.NewReader(batchCSV(2, 2)))
	if !IsKind(err, KindIO) {
		t.Fatalf("error = %v, want io error", err)
	}
	after, _ := os.ReadFile(a.MasterPath())
	if string(before) != string(after) {
		t.Error("master modified after failed rename")
	}
	assertNoLeftovers(t, a)
}

func TestAppender_ConcurrentAppendsSerialize(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{LockWait: 10 * time.Second})
	ctx := context.Background()

	const writers, perBatch = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Append(ctx, JobID(fmt.Sprintf("job-%d", i)), strings.NewReader(batchCSV(perBatch, i*perBatch)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Append() error = %v", err)
		}
	}

	rows := readMaster(t, a.MasterPath())
	if got := len(rows) - 1; got != writers*perBatch {
		t.Errorf("master has %d rows, want %d", got, writers*perBatch)
	}
	seen := make(map[string]bool)
	for _, r := range rows[1:] {
		if seen[r[0]] {
			t.Errorf("duplicate row %s", r[0])
		}
		seen[r[0]] = true
	}
}

func TestAppender_PurgeAndInfo(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	ctx := context.Background()

	info, err := a.Info()
	if err != nil || info.Exists {
		t.Fatalf("Info() on missing master = %+v, %v", info, err)
	}
	if existed, err := a.Purge(ctx); err != nil || existed {
		t.Errorf("Purge() on missing master = %v, %v", existed, err)
	}

	if _, err := a.Append(ctx, "job-1", strings.NewReader(batchCSV(4, 0))); err != nil {
		t.Fatal(err)
	}
	info, err = a.Info()
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if !info.Exists || info.Rows != 4 || len(info.Columns) != 4 || info.Size == 0 || info.Lock != nil {
		t.Errorf("Info() = %+v", info)
	}

	existed, err := a.Purge(ctx)
	if err != nil || !existed {
		t.Fatalf("Purge() = %v, %v", existed, err)
	}
	if a.Exists() {
		t.Error("master should be gone after Purge")
	}
	if n, _ := a.RowCount(); n != 0 {
		t.Errorf("RowCount() after purge = %d", n)
	}
	if _, err := os.Stat(a.LockPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("Purge must release the marker")
	}
}

func TestAppender_ForceUnlockWithoutMarker(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	existed, err := a.ForceUnlock()
	if err != nil || existed {
		t.Errorf("ForceUnlock() = %v, %v; want false, nil", existed, err)
	}
}

func TestAppender_ReleaseKeepsForeignMarker(t *testing.T) {
	a := newTestAppender(t, AppenderOptions{})
	unlock, err := a.acquire(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}

	// An operator force-unlocks and another writer takes the marker.
	if _, err := a.ForceUnlock(); err != nil {
		t.Fatal(err)
	}
	holdMarker(t, a, "job-2")

	unlock()
	m, err := a.ReadMarker()
	if err != nil || m.JobID != "job-2" {
		t.Errorf("marker = %+v, %v; job-2 marker must survive", m, err)
	}
}

func TestAppender_FirstBatchWithoutHardLinks(t *testing.T) {
	orig := linkFunc
	linkFunc = func(string, string) error { return errors.New("operation not permitted") }
	defer func() { linkFunc = orig }()

	a := newTestAppender(t, AppenderOptions{})
	in := batchCSV(2, 0)

	res, err := a.Append(context.Background(), "job-1", strings.NewReader(in))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if !res.Created || res.TotalRows != 2 {
		t.Errorf("result = %+v", res)
	}
	data, err := os.ReadFile(a.MasterPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != in {
		t.Errorf("master = %q, want %q", data, in)
	}
	assertNoLeftovers(t, a)
}
