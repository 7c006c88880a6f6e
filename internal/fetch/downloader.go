package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sophonhttp "github.com/ligustah/sophon/internal/http"
)

// ErrDownloadFailed is wrapped by every DownloadError.
var ErrDownloadFailed = errors.New("fetch: download failed")

// ErrShortContent means the server reported the range complete before the
// expected size was reached. It is not retried.
var ErrShortContent = errors.New("fetch: remote content shorter than expected")

// DownloadError is returned when a blob could not be downloaded. Errors holds
// the failure of every attempt, in order.
//
// Use errors.Is(err, ErrDownloadFailed) to detect it, or errors.As to inspect
// the individual attempts.
type DownloadError struct {
	URL    string
	Errors []error
}

func (e *DownloadError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("download %s failed", e.URL)
	}
	return fmt.Sprintf("download %s failed after %d attempts: %v", e.URL, len(e.Errors), e.Errors[len(e.Errors)-1])
}

func (e *DownloadError) Unwrap() []error {
	return append([]error{ErrDownloadFailed}, e.Errors...)
}

// DownloaderOptions configures a Downloader.
type DownloaderOptions struct {
	// Attempts is the number of tries per blob. Default: 5
	Attempts int

	// Backoff is the fixed wait between attempts. Default: 10s
	Backoff time.Duration

	// OnProgress, when set, is called with the number of bytes written by
	// each successful read.
	OnProgress func(n int64)

	Logger *slog.Logger
}

// Downloader performs resumable blob downloads.
type Downloader struct {
	remote Remote
	opts   DownloaderOptions
}

// NewDownloader creates a downloader reading from remote.
func NewDownloader(remote Remote, opts DownloaderOptions) *Downloader {
	if opts.Attempts <= 0 {
		opts.Attempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Downloader{remote: remote, opts: opts}
}

// DownloadRange downloads url into dest, continuing any partial content
// already present. A negative expectedSize disables size checks.
func (d *Downloader) DownloadRange(ctx context.Context, url, dest string, expectedSize int64) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dest, err)
	}

	dlErr := &DownloadError{URL: url}
	for attempt := 0; attempt < d.opts.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.opts.Backoff):
			}
		}

		err := d.attempt(ctx, url, dest, expectedSize)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		dlErr.Errors = append(dlErr.Errors, err)
		d.opts.Logger.Warn("download attempt failed",
			"url", url, "attempt", attempt+1, "attempts", d.opts.Attempts, "error", err)

		if sophonhttp.Permanent(err) || errors.Is(err, ErrShortContent) {
			break
		}
	}
	return dlErr
}

func (d *Downloader) attempt(ctx context.Context, url, dest string, expectedSize int64) error {
	size, err := fileSize(dest)
	if err != nil {
		return err
	}

	if expectedSize >= 0 && size > expectedSize {
		d.opts.Logger.Warn("partial file larger than expected, discarding",
			"file", dest, "size", size, "expected", expectedSize)
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("discard oversized partial: %w", err)
		}
		size = 0
	}
	if expectedSize > 0 && size == expectedSize {
		return nil
	}

	body, err := d.remote.OpenFrom(ctx, url, size)
	if errors.Is(err, sophonhttp.ErrRangeComplete) {
		if expectedSize >= 0 && size != expectedSize {
			return fmt.Errorf("%w: %s ends at %d, expected %d", ErrShortContent, url, size, expectedSize)
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", dest, err)
	}

	var src io.Reader = body
	if d.opts.OnProgress != nil {
		src = &countingReader{r: body, fn: d.opts.OnProgress}
	}
	_, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("write %s: %w", dest, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", dest, closeErr)
	}

	return d.checkSize(dest, expectedSize)
}

func (d *Downloader) checkSize(dest string, expectedSize int64) error {
	if expectedSize < 0 {
		return nil
	}
	size, err := fileSize(dest)
	if err != nil {
		return err
	}
	if size != expectedSize {
		return fmt.Errorf("size mismatch for %s: got %d, expected %d", dest, size, expectedSize)
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}

type countingReader struct {
	r  io.Reader
	fn func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.fn(int64(n))
	}
	return n, err
}
