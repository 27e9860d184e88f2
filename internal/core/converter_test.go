package core

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeRunner struct {
	run func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

func (f fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	return f.run(ctx, name, args...)
}

// copyRunner emulates a converter that copies the input verbatim.
func copyRunner() fakeRunner {
	return fakeRunner{run: func(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return nil, []byte(err.Error()), err
		}
		return nil, nil, os.WriteFile(args[1], data, 0o644)
	}}
}

func TestExecConverter_Success(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "batch.txt")
	out := filepath.Join(dir, "batch.csv")
	if err := os.WriteFile(in, []byte("TELEPHONE\n+33612345678\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewExecConverter("/opt/data_processor", time.Second)
	c.Runner = copyRunner()

	res, err := c.Convert(context.Background(), in, out)
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output missing: %v", err)
	}
}

func TestExecConverter_PassesPaths(t *testing.T) {
	var gotName string
	var gotArgs []string
	c := NewExecConverter("/opt/data_processor", time.Second)
	c.Runner = fakeRunner{run: func(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
		gotName, gotArgs = name, args
		return nil, nil, nil
	}}

	_, _ = c.Convert(context.Background(), "in.txt", "out.csv")
	if gotName != "/opt/data_processor" || strings.Join(gotArgs, " ") != "in.txt out.csv" {
		t.Errorf("ran %s %v", gotName, gotArgs)
	}
}

func TestExecConverter_Failure(t *testing.T) {
	c := NewExecConverter("/opt/data_processor", time.Second)
	c.Runner = fakeRunner{run: func(context.Context, string, ...string) ([]byte, []byte, error) {
		return nil, []byte("bad header\nline 3\n"), errors.New("exit status 2")
	}}

	res, err := c.Convert(context.Background(), "in.txt", filepath.Join(t.TempDir(), "out.csv"))
	if !IsKind(err, KindExternalTool) {
		t.Fatalf("error = %v, want external tool error", err)
	}
	if res.Stderr != "bad header line 3" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if !strings.Contains(err.Error(), "bad header line 3") {
		t.Errorf("error should carry stderr: %v", err)
	}
}

func TestExecConverter_Timeout(t *testing.T) {
	c := NewExecConverter("/opt/data_processor", 20*time.Millisecond)
	c.Runner = fakeRunner{run: func(ctx context.Context, _ string, _ ...string) ([]byte, []byte, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}}

	res, err := c.Convert(context.Background(), "in.txt", "out.csv")
	if !errors.Is(err, ErrConverterTimeout) || !IsKind(err, KindExternalTool) {
		t.Fatalf("error = %v, want converter timeout", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestExecConverter_NoOutputFile(t *testing.T) {
	c := NewExecConverter("/opt/data_processor", time.Second)
	c.Runner = fakeRunner{run: func(context.Context, string, ...string) ([]byte, []byte, error) {
		return nil, nil, nil
	}}

	_, err := c.Convert(context.Background(), "in.txt", filepath.Join(t.TempDir(), "missing.csv"))
	if !IsKind(err, KindExternalTool) {
		t.Errorf("error = %v, want external tool error", err)
	}
}

func TestExecConverter_RealProcessExitCode(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "convert.sh")
	body := "#!" + sh + "\necho 'unsupported record' >&2\nexit 3\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := NewExecConverter(script, 5*time.Second).Convert(context.Background(), "in.txt", filepath.Join(dir, "out.csv"))
	if !IsKind(err, KindExternalTool) {
		t.Fatalf("error = %v, want external tool error", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stderr != "unsupported record" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
}

func TestExecConverter_Available(t *testing.T) {
	if err := NewExecConverter(filepath.Join(t.TempDir(), "nope"), 0).Available(); !errors.Is(err, ErrConverterMissing) {
		t.Errorf("Available() = %v, want ErrConverterMissing", err)
	}
}
