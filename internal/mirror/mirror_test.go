package mirror

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/fetch"
	"github.com/ligustah/sophon/pkg/manifest"
)

var cdn = api.Download{URLPrefix: "https://cdn.example.com/chunks"}

func openBucket(t *testing.T) *blob.Bucket {
	t.Helper()
	b, err := blob.OpenBucket(context.Background(), "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func put(t *testing.T, b *blob.Bucket, key, data string) {
	t.Helper()
	if err := b.WriteAll(context.Background(), key, []byte(data), nil); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

// source returns a CDN stand-in holding the given blobs.
func source(t *testing.T, blobs map[string]string) (fetch.Remote, []Blob) {
	t.Helper()
	b := openBucket(t)
	var out []Blob
	for id, data := range blobs {
		put(t, b, id, data)
		out = append(out, Blob{ID: id, Size: int64(len(data))})
	}
	return fetch.BucketRemote{Bucket: b}, out
}

func quietOptions() Options {
	return Options{Prefix: "chunks/", Workers: 4, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestPublishAndValidate(t *testing.T) {
	ctx := context.Background()
	src, blobs := source(t, map[string]string{"aaa": "first", "bbb": "second blob", "ccc": "3"})
	dst := openBucket(t)

	var mu sync.Mutex
	seen := make(map[string]bool)
	opts := quietOptions()
	opts.OnBlob = func(b Blob, skipped bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen[b.ID] = skipped
	}

	stats, err := NewPublisher(src, dst, opts).Publish(ctx, cdn, blobs)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if stats.Uploaded != 3 || stats.Skipped != 0 || stats.Bytes != 17 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if len(seen) != 3 {
		t.Errorf("OnBlob called for %d blobs", len(seen))
	}

	data, err := dst.ReadAll(ctx, "chunks/bbb")
	if err != nil || string(data) != "second blob" {
		t.Fatalf("mirrored blob: %q, %v", data, err)
	}

	result, err := Validate(ctx, dst, "chunks/", blobs)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Valid || result.Total != 3 {
		t.Errorf("expected a valid mirror, got %+v", result)
	}

	stats, err = NewPublisher(src, dst, opts).Publish(ctx, cdn, blobs)
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if stats.Uploaded != 0 || stats.Skipped != 3 {
		t.Errorf("expected all blobs skipped, got %+v", stats)
	}
}

func TestPublishReplacesWrongSize(t *testing.T) {
	ctx := context.Background()
	src, blobs := source(t, map[string]string{"aaa": "correct content"})
	dst := openBucket(t)
	put(t, dst, "chunks/aaa", "short")

	stats, err := NewPublisher(src, dst, quietOptions()).Publish(ctx, cdn, blobs)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if stats.Uploaded != 1 {
		t.Errorf("expected the stale object to be replaced, got %+v", stats)
	}
	if data, _ := dst.ReadAll(ctx, "chunks/aaa"); string(data) != "correct content" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestPublishSizeMismatchDiscardsObject(t *testing.T) {
	ctx := context.Background()
	src, _ := source(t, map[string]string{"aaa": "1234"})
	dst := openBucket(t)

	_, err := NewPublisher(src, dst, quietOptions()).Publish(ctx, cdn, []Blob{{ID: "aaa", Size: 10}})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if !strings.Contains(err.Error(), "size mismatch") {
		t.Errorf("expected size mismatch in %v", err)
	}
	if ok, _ := dst.Exists(ctx, "chunks/aaa"); ok {
		t.Error("partial object was kept")
	}
}

func TestPublishIncomplete(t *testing.T) {
	src, blobs := source(t, map[string]string{"aaa": "a", "bbb": "b"})
	blobs = append(blobs, Blob{ID: "missing", Size: 1})

	stats, err := NewPublisher(src, openBucket(t), quietOptions()).Publish(context.Background(), cdn, blobs)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		t.Error("a single failure must not trip the circuit breaker")
	}
	if stats.Uploaded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestPublishCircuitBreaker(t *testing.T) {
	src, _ := source(t, nil)
	blobs := []Blob{{"a", 1}, {"b", 1}, {"c", 1}, {"d", 1}, {"e", 1}}

	opts := quietOptions()
	opts.Workers = 1
	opts.MaxConsecutiveFailures = 2

	stats, err := NewPublisher(src, openBucket(t), opts).Publish(context.Background(), cdn, blobs)
	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitBreakerError, got %v", err)
	}
	if cbErr.ConsecutiveFailures != 2 || len(cbErr.Failed) != 2 {
		t.Errorf("unexpected breaker state %+v", cbErr)
	}
	if stats.Failed != 2 {
		t.Errorf("expected dispatch to stop after the breaker tripped, got %+v", stats)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	ctx := context.Background()
	dst := openBucket(t)
	put(t, dst, "chunks/aaa", "ok")
	put(t, dst, "chunks/bbb", "wrong")
	put(t, dst, "other/ccc", "x")

	result, err := Validate(ctx, dst, "chunks/", []Blob{{"aaa", 2}, {"bbb", 2}, {"ccc", 1}})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Valid || result.Missing != 1 || result.SizeMismatches != 1 || len(result.Errors) != 2 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestBlobLists(t *testing.T) {
	m := &manifest.Manifest{Files: []manifest.File{
		{Name: "a", Chunks: []manifest.Chunk{{ID: "c2", CompressedSize: 20}, {ID: "c1", CompressedSize: 10}}},
		{Name: "b", Chunks: []manifest.Chunk{{ID: "c1", CompressedSize: 10}}},
		{Name: "dir", Kind: manifest.KindDirectory},
	}}
	got := ChunkBlobs(m)
	if len(got) != 2 || got[0] != (Blob{"c1", 10}) || got[1] != (Blob{"c2", 20}) {
		t.Errorf("ChunkBlobs: %+v", got)
	}

	dm := &manifest.DiffManifest{Files: []manifest.DiffFile{
		{Name: "a", Patches: map[string]manifest.PatchInfo{
			"1.0.0": {ID: "p1", BlobSize: 100},
			"1.1.0": {ID: "p2", BlobSize: 200},
		}},
		{Name: "b", Patches: map[string]manifest.PatchInfo{"1.0.0": {ID: "p1", BlobSize: 100}}},
		{Name: "new"},
	}}
	if got := PatchBlobs(dm); len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Errorf("PatchBlobs: %+v", got)
	}
}
