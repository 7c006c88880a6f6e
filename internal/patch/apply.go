package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ligustah/sophon/internal/fsutil"
)

var (
	// ErrTimeout is returned when both patch attempts time out.
	ErrTimeout = errors.New("patch: timed out")

	// ErrFailed is wrapped by every FailedError.
	ErrFailed = errors.New("patch: failed")
)

// FailedError reports a patch tool failure.
type FailedError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *FailedError) Error() string {
	switch {
	case e.Stderr != "" && e.Err != nil:
		return fmt.Sprintf("patch failed: %v: %s", e.Err, e.Stderr)
	case e.Stderr != "":
		return fmt.Sprintf("patch failed: %s", e.Stderr)
	case e.Err != nil:
		return fmt.Sprintf("patch failed: %v", e.Err)
	}
	return "patch failed"
}

func (e *FailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFailed}
	}
	return []error{ErrFailed, e.Err}
}

// Options configures an Applier.
type Options struct {
	// ShortTimeout bounds the first attempt. Default: 50s
	ShortTimeout time.Duration

	// LongTimeout bounds the retry after a timeout. Default: 300s
	LongTimeout time.Duration

	// TempDir receives extracted patch windows. Default: os.TempDir()
	TempDir string

	Logger *slog.Logger
}

// Request describes one file to patch in place.
type Request struct {
	// Target is the file to update.
	Target string

	// Blob is the downloaded diff blob and Offset/Length locate this
	// file's patch inside it.
	Blob   string
	Offset int64
	Length int64

	ExpectedSize int64
	ExpectedMD5  string
}

// Result describes a completed patch run.
type Result struct {
	// Mismatch is set when the output failed verification. Target is left
	// untouched in that case.
	Mismatch bool
	Size     int64
	MD5      string
}

// Applier wraps a Patcher with window extraction, timeouts and verification.
type Applier struct {
	patcher Patcher
	opts    Options
}

// NewApplier creates an Applier.
func NewApplier(patcher Patcher, opts Options) *Applier {
	if opts.ShortTimeout <= 0 {
		opts.ShortTimeout = 50 * time.Second
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = 300 * time.Second
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Applier{patcher: patcher, opts: opts}
}

// Apply patches req.Target.
func (a *Applier) Apply(ctx context.Context, req Request) (Result, error) {
	window, err := a.extract(req)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(window)

	candidate := req.Target + ".patched"
	_ = os.Remove(candidate)

	if err := a.run(ctx, req.Target, window, candidate); err != nil {
		_ = os.Remove(candidate)
		return Result{}, err
	}

	size, err := fsutil.Size(candidate)
	if err != nil {
		return Result{}, err
	}
	if size < 0 {
		return Result{}, &FailedError{Stderr: "no output produced"}
	}
	if size != req.ExpectedSize {
		_ = os.Remove(candidate)
		return Result{Mismatch: true, Size: size}, nil
	}

	sum, err := fsutil.HashFile(candidate)
	if err != nil {
		return Result{}, err
	}
	if !fsutil.EqualDigest(sum, req.ExpectedMD5) {
		_ = os.Remove(candidate)
		return Result{Mismatch: true, Size: size, MD5: sum}, nil
	}

	if err := os.Rename(candidate, req.Target); err != nil {
		return Result{}, fmt.Errorf("replace %s: %w", req.Target, err)
	}
	return Result{Size: size, MD5: sum}, nil
}

func (a *Applier) run(ctx context.Context, target, window, candidate string) error {
	timeouts := []time.Duration{a.opts.ShortTimeout, a.opts.LongTimeout}
	for i, timeout := range timeouts {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		err := a.patcher.Patch(runCtx, target, window, candidate)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			var fe *FailedError
			if errors.As(err, &fe) {
				return err
			}
			return &FailedError{Err: err}
		}

		_ = os.Remove(candidate)
		if i < len(timeouts)-1 {
			a.opts.Logger.Warn("patch timed out, retrying with longer timeout",
				"file", target, "timeout", timeout, "next_timeout", timeouts[i+1])
		}
	}
	return fmt.Errorf("%w: %s", ErrTimeout, target)
}

// extract copies the patch window out of the blob into a temporary file.
func (a *Applier) extract(req Request) (string, error) {
	blob, err := os.Open(req.Blob)
	if err != nil {
		return "", fmt.Errorf("open diff blob: %w", err)
	}
	defer blob.Close()

	if err := os.MkdirAll(a.opts.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(a.opts.TempDir, "patch-*.hdiff")
	if err != nil {
		return "", fmt.Errorf("create patch window: %w", err)
	}

	n, err := io.Copy(tmp, io.NewSectionReader(blob, req.Offset, req.Length))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n != req.Length {
		err = fmt.Errorf("diff blob %s too short: window %d+%d, read %d", req.Blob, req.Offset, req.Length, n)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("extract patch window: %w", err)
	}
	return tmp.Name(), nil
}
