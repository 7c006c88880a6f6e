package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrCacheMiss is returned in force-cache mode when an entry is absent.
var ErrCacheMiss = errors.New("fetch: not in cache")

// DefaultMaxAge is how long a cached control file stays fresh.
const DefaultMaxAge = 24 * time.Hour

// URLFunc resolves the URL of a cache entry. It is only called when the
// network is actually needed, since resolving it may require another fetch.
type URLFunc func(ctx context.Context) (string, error)

// StaticURL returns a URLFunc for a known URL.
func StaticURL(url string) URLFunc {
	return func(context.Context) (string, error) { return url, nil }
}

// Getter is the transport used to refresh cache entries.
type Getter interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
	Post(ctx context.Context, url, contentType string, body []byte) (io.ReadCloser, error)
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// MaxAge is the freshness window. Default: 24h
	MaxAge time.Duration

	// Force disables all network access.
	Force bool

	Logger *slog.Logger
}

// Cache stores control files in a bucket keyed by name.
type Cache struct {
	bucket *blob.Bucket
	client Getter
	opts   CacheOptions
	now    func() time.Time
}

// NewCache creates a cache backed by bucket.
func NewCache(bucket *blob.Bucket, client Getter, opts CacheOptions) *Cache {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		bucket: bucket,
		client: client,
		opts:   opts,
		now:    time.Now,
	}
}

// Load returns the content cached under name, downloading it from the URL
// produced by url when absent or stale. A non-nil body is sent as a JSON
// POST instead of a GET.
func (c *Cache) Load(ctx context.Context, name string, url URLFunc, body []byte) ([]byte, error) {
	attrs, err := c.bucket.Attributes(ctx, name)
	switch {
	case err == nil:
		age := c.now().Sub(attrs.ModTime)
		if c.opts.Force || age < c.opts.MaxAge {
			data, err := c.bucket.ReadAll(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("read cached %s: %w", name, err)
			}
			return data, nil
		}
		c.opts.Logger.Debug("cache entry stale", "name", name, "age", age.Round(time.Second))
	case gcerrors.Code(err) == gcerrors.NotFound:
		if c.opts.Force {
			return nil, fmt.Errorf("%w: %s", ErrCacheMiss, name)
		}
	default:
		return nil, fmt.Errorf("stat cached %s: %w", name, err)
	}

	u, err := url(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve url for %s: %w", name, err)
	}

	var rc io.ReadCloser
	if body != nil {
		rc, err = c.client.Post(ctx, u, "application/json", body)
	} else {
		rc, err = c.client.Get(ctx, u)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}

	if err := c.bucket.WriteAll(ctx, name, data, nil); err != nil {
		return nil, fmt.Errorf("store %s: %w", name, err)
	}
	c.opts.Logger.Debug("cache entry refreshed", "name", name, "size", len(data))
	return data, nil
}

// Invalidate removes the entry so the next Load refetches it.
func (c *Cache) Invalidate(ctx context.Context, name string) error {
	err := c.bucket.Delete(ctx, name)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}
