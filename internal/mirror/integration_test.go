//go:build integration

package mirror_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/fetch"
	sophonhttp "github.com/ligustah/sophon/internal/http"
	"github.com/ligustah/sophon/internal/mirror"
	"github.com/ligustah/sophon/internal/testutils"
)

func TestIntegrationPublishToMinio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	sizes := []int64{1024, 64 * 1024, 1024 * 1024, 8 * 1024 * 1024}
	var (
		served []testutils.Blob
		blobs  []mirror.Blob
	)
	for i, size := range sizes {
		id := fmt.Sprintf("chunk_%02d", i)
		served = append(served, testutils.Blob{ID: id, Data: testutils.GenerateTestData(t, size, byte(i))})
		blobs = append(blobs, mirror.Blob{ID: id, Size: size})
	}
	cdn := testutils.StartCDN(t, "chunks", served)

	t.Log("Starting Minio container...")
	bucket := testutils.StartMinio(t, ctx, "sophon-mirror").Bucket(t, ctx)

	client := sophonhttp.NewClient(sophonhttp.DefaultOptions())
	src := fetch.HTTPRemote{Client: client}
	from := api.Download{URLPrefix: cdn.URL + "/chunks"}

	pub := mirror.NewPublisher(src, bucket, mirror.Options{Prefix: "game/", Workers: 4})
	stats, err := pub.Publish(ctx, from, blobs)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if stats.Uploaded != len(blobs) {
		t.Errorf("expected %d uploads, got %+v", len(blobs), stats)
	}

	result, err := mirror.Validate(ctx, bucket, "game/", blobs)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Valid {
		t.Fatalf("mirror invalid: %v", result.Errors)
	}

	requests := cdn.Requests()
	if stats, err := pub.Publish(ctx, from, blobs); err != nil || stats.Skipped != len(blobs) {
		t.Errorf("republish: %+v, %v", stats, err)
	}
	if cdn.Requests() != requests {
		t.Error("republish fetched from the CDN")
	}

	// The mirror must serve the same bytes through the engine's fetch path.
	dl := fetch.NewDownloader(fetch.BucketRemote{Bucket: bucket, Prefix: "game/"}, fetch.DownloaderOptions{Attempts: 2})
	for _, b := range served {
		dest := filepath.Join(t.TempDir(), b.ID)
		if err := dl.DownloadRange(ctx, from.URL(b.ID), dest, int64(len(b.Data))); err != nil {
			t.Fatalf("download %s from mirror: %v", b.ID, err)
		}
		testutils.AssertFileContent(t, dest, b.Data)
	}
}
