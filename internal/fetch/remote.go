package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	sophonhttp "github.com/ligustah/sophon/internal/http"
)

// Remote opens a blob starting at a byte offset. Implementations return
// sophonhttp.ErrRangeComplete when offset is at or past the end of the blob.
type Remote interface {
	OpenFrom(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

// HTTPRemote fetches blobs from the CDN.
type HTTPRemote struct {
	Client *sophonhttp.Client
}

// OpenFrom implements Remote.
func (r HTTPRemote) OpenFrom(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	resp, err := r.Client.OpenFrom(ctx, url, offset)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// BucketRemote serves blobs from a mirror bucket. The object key is Prefix
// followed by the last path segment of the requested URL.
type BucketRemote struct {
	Bucket *blob.Bucket
	Prefix string
}

// Key returns the object key for a blob URL.
func (r BucketRemote) Key(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	return r.Prefix + path.Base(p)
}

// OpenFrom implements Remote.
func (r BucketRemote) OpenFrom(ctx context.Context, rawURL string, offset int64) (io.ReadCloser, error) {
	key := r.Key(rawURL)
	attrs, err := r.Bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", sophonhttp.ErrNotFound, key)
		}
		return nil, err
	}
	if offset >= attrs.Size {
		return nil, sophonhttp.ErrRangeComplete
	}
	return r.Bucket.NewRangeReader(ctx, key, offset, -1, nil)
}
