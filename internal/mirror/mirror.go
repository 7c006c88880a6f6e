package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/fetch"
	"github.com/ligustah/sophon/pkg/manifest"
)

// ErrIncomplete is returned when some blobs could not be published.
var ErrIncomplete = errors.New("mirror: publish incomplete")

// Blob is a content-addressed object to mirror.
type Blob struct {
	ID   string
	Size int64
}

// ChunkBlobs returns the distinct chunks of m, sorted by id.
func ChunkBlobs(m *manifest.Manifest) []Blob {
	seen := make(map[string]int64)
	for i := range m.Files {
		for _, c := range m.Files[i].Chunks {
			seen[c.ID] = c.CompressedSize
		}
	}
	return sorted(seen)
}

// PatchBlobs returns the distinct patch blobs of m, sorted by id.
func PatchBlobs(m *manifest.DiffManifest) []Blob {
	seen := make(map[string]int64)
	for i := range m.Files {
		for _, p := range m.Files[i].Patches {
			seen[p.ID] = p.BlobSize
		}
	}
	return sorted(seen)
}

func sorted(set map[string]int64) []Blob {
	out := make([]Blob, 0, len(set))
	for id, size := range set {
		out = append(out, Blob{ID: id, Size: size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailedBlob records a blob that could not be published.
type FailedBlob struct {
	ID    string
	Error error
}

// CircuitBreakerError is returned when too many consecutive uploads fail.
//
// Use errors.As to extract it and inspect Failed for details.
type CircuitBreakerError struct {
	ConsecutiveFailures int
	Failed              []FailedBlob
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker tripped: %d consecutive failures", e.ConsecutiveFailures)
}

// Options configures a Publisher.
type Options struct {
	// Prefix is prepended to every object key. It must match the prefix
	// of the fetch.BucketRemote reading the mirror.
	Prefix string

	// Workers is the number of parallel uploads.
	// Default: 16
	Workers int

	// MaxConsecutiveFailures trips the circuit breaker.
	// Default: 10
	MaxConsecutiveFailures int

	// OnBlob is called after every blob, with skipped set when the object
	// was already present.
	OnBlob func(b Blob, skipped bool, err error)

	Logger *slog.Logger
}

// Stats summarizes a publish run.
type Stats struct {
	Uploaded int
	Skipped  int
	Failed   int
	Bytes    int64
}

// Publisher copies blobs from a remote into a bucket.
type Publisher struct {
	src    fetch.Remote
	bucket *blob.Bucket
	opts   Options
}

// NewPublisher creates a Publisher reading from src.
func NewPublisher(src fetch.Remote, bucket *blob.Bucket, opts Options) *Publisher {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Publisher{src: src, bucket: bucket, opts: opts}
}

// Publish uploads every blob not already present with its declared size.
// Blob URLs are resolved against from.
func (p *Publisher) Publish(ctx context.Context, from api.Download, blobs []Blob) (Stats, error) {
	var (
		uploaded, skipped atomic.Int64
		bytes             atomic.Int64

		cbMu                sync.Mutex
		consecutiveFailures int
		failed              []FailedBlob
		tripped             bool
	)

	cbCtx, cbCancel := context.WithCancel(ctx)
	defer cbCancel()

	jobs := make(chan Blob, p.opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				if cbCtx.Err() != nil {
					continue
				}
				wasSkipped, err := p.publishOne(cbCtx, from, b)
				if p.opts.OnBlob != nil {
					p.opts.OnBlob(b, wasSkipped, err)
				}

				cbMu.Lock()
				switch {
				case err != nil && cbCtx.Err() == nil:
					consecutiveFailures++
					failed = append(failed, FailedBlob{ID: b.ID, Error: err})
					p.opts.Logger.Warn("publish failed", "blob", b.ID, "error", err)
					if consecutiveFailures >= p.opts.MaxConsecutiveFailures {
						tripped = true
						cbCancel()
					}
				case err != nil:
				case wasSkipped:
					consecutiveFailures = 0
					skipped.Add(1)
				default:
					consecutiveFailures = 0
					uploaded.Add(1)
					bytes.Add(b.Size)
				}
				cbMu.Unlock()
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, b := range blobs {
			select {
			case jobs <- b:
			case <-cbCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	stats := Stats{
		Uploaded: int(uploaded.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   len(failed),
		Bytes:    bytes.Load(),
	}

	if tripped {
		return stats, &CircuitBreakerError{ConsecutiveFailures: consecutiveFailures, Failed: failed}
	}
	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	if len(failed) > 0 {
		errs := make([]error, 0, len(failed)+1)
		errs = append(errs, fmt.Errorf("%w: %d of %d blobs failed", ErrIncomplete, len(failed), len(blobs)))
		for _, f := range failed {
			errs = append(errs, fmt.Errorf("%s: %w", f.ID, f.Error))
		}
		return stats, errors.Join(errs...)
	}
	return stats, nil
}

func (p *Publisher) publishOne(ctx context.Context, from api.Download, b Blob) (skipped bool, err error) {
	key := p.opts.Prefix + b.ID
	attrs, err := p.bucket.Attributes(ctx, key)
	switch {
	case err == nil && attrs.Size == b.Size:
		return true, nil
	case err != nil && gcerrors.Code(err) != gcerrors.NotFound:
		return false, fmt.Errorf("stat %s: %w", key, err)
	}

	r, err := p.src.OpenFrom(ctx, from.URL(b.ID), 0)
	if err != nil {
		return false, fmt.Errorf("open source: %w", err)
	}
	defer r.Close()

	wctx, abort := context.WithCancel(ctx)
	defer abort()
	w, err := p.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return false, fmt.Errorf("create %s: %w", key, err)
	}

	n, err := io.Copy(w, r)
	if err == nil && n != b.Size {
		err = fmt.Errorf("size mismatch: got %d bytes, want %d", n, b.Size)
	}
	if err != nil {
		// Cancelling the writer context discards the partial object.
		abort()
		_ = w.Close()
		return false, fmt.Errorf("copy %s: %w", b.ID, err)
	}
	if err := w.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", key, err)
	}
	p.opts.Logger.Debug("published blob", "blob", b.ID, "size", b.Size)
	return false, nil
}

// ValidationResult reports the state of a mirror.
type ValidationResult struct {
	Valid          bool
	Total          int
	Missing        int
	SizeMismatches int
	Errors         []string
}

// Validate checks that every blob exists under prefix with its declared
// size. Missing or mismatched objects are reported in the result, not as
// an error.
func Validate(ctx context.Context, bucket *blob.Bucket, prefix string, blobs []Blob) (*ValidationResult, error) {
	sizes := make(map[string]int64)
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mirror: list %q: %w", prefix, err)
		}
		if !obj.IsDir {
			sizes[obj.Key] = obj.Size
		}
	}

	result := &ValidationResult{Valid: true, Total: len(blobs), Errors: make([]string, 0)}
	for _, b := range blobs {
		key := prefix + b.ID
		size, ok := sizes[key]
		switch {
		case !ok:
			result.Valid = false
			result.Missing++
			result.Errors = append(result.Errors, fmt.Sprintf("blob missing: %s", key))
		case size != b.Size:
			result.Valid = false
			result.SizeMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("blob %s size mismatch: expected %d, got %d", key, b.Size, size))
		}
	}
	return result, nil
}
