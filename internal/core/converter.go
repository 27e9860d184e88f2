package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultConverterTimeout bounds one conversion.
const DefaultConverterTimeout = 5 * time.Minute

var (
	ErrConverterTimeout = errors.New("converter timed out")
	ErrConverterMissing = errors.New("converter binary not found")
)

// ConvertResult describes one converter invocation.
type ConvertResult struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// Converter turns a raw .txt batch at inputPath into CSV at outputPath.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string) (ConvertResult, error)
}

// Runner lets tests stub the external process.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	return out.Bytes(), errb.Bytes(), err
}

// ExecConverter runs the native converter binary as
// "<path> <input> <output>".
type ExecConverter struct {
	Path    string
	Timeout time.Duration
	Runner  Runner
}

// NewExecConverter returns a converter for the binary at path.
func NewExecConverter(path string, timeout time.Duration) *ExecConverter {
	if timeout <= 0 {
		timeout = DefaultConverterTimeout
	}
	return &ExecConverter{Path: path, Timeout: timeout, Runner: execRunner{}}
}

// Available reports whether the converter binary exists.
func (c *ExecConverter) Available() error {
	if _, err := os.Stat(c.Path); err != nil {
		return externalToolErr("check converter", fmt.Errorf("%w: %s", ErrConverterMissing, c.Path))
	}
	return nil
}

// Convert runs the binary under the configured timeout. A nonzero exit, a
// timeout, or a missing output file is an external tool error carrying the
// cleaned stderr.
func (c *ExecConverter) Convert(ctx context.Context, inputPath, outputPath string) (ConvertResult, error) {
	const op = "convert batch"

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	start := time.Now()
	_, stderr, err := c.Runner.Run(runCtx, c.Path, inputPath, outputPath)
	res := ConvertResult{
		Stderr:   CleanErrorMessage(string(stderr)),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			res.ExitCode = -1
			return res, externalToolErr(op, fmt.Errorf("%w after %s", ErrConverterTimeout, c.Timeout))
		case ctx.Err() != nil:
			res.ExitCode = -1
			return res, ctx.Err()
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			res.ExitCode = -1
			return res, externalToolErr(op, fmt.Errorf("%w: %s", ErrConverterMissing, c.Path))
		default:
			res.ExitCode = -1
		}
		msg := res.Stderr
		if msg == "" {
			msg = err.Error()
		}
		slog.Error("converter failed",
			"path", c.Path,
			"input", inputPath,
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
			"stderr", res.Stderr,
		)
		return res, externalToolErr(op, fmt.Errorf("exit code %d: %s", res.ExitCode, msg))
	}

	if _, err := os.Stat(outputPath); err != nil {
		return res, externalToolErr(op, fmt.Errorf("converter produced no output file: %w", err))
	}

	slog.Debug("converter ok",
		"path", c.Path,
		"input", inputPath,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}
