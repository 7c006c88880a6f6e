package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/fetch"
	"github.com/ligustah/sophon/internal/mirror"
	"github.com/ligustah/sophon/internal/progress"
	"github.com/ligustah/sophon/pkg/manifest"
)

var mirrorFlags struct {
	buildSelector
	bucket  string
	prefix  string
	workers int
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Copy chunks or patches of a build into a bucket",
	Long: `Mirror copies the blobs referenced by a manifest into a blob bucket
(s3://, gs://, file://). Point mirror.bucket in the configuration at the same
bucket and prefix to have install, update and repair read from it.`,
}

var mirrorPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload the blobs of a build that the bucket does not have yet",
	Args:  cobra.NoArgs,
	RunE:  runMirrorPublish,
}

var mirrorValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that every blob of a build is present with its size",
	Args:  cobra.NoArgs,
	RunE:  runMirrorValidate,
}

func init() {
	for _, cmd := range []*cobra.Command{mirrorPublishCmd, mirrorValidateCmd} {
		mirrorFlags.register(cmd)
		cmd.Flags().StringVar(&mirrorFlags.bucket, "bucket", "", "bucket URL (default from config)")
		cmd.Flags().StringVar(&mirrorFlags.prefix, "prefix", "", "object key prefix (default from config)")
		mirrorCmd.AddCommand(cmd)
	}
	mirrorPublishCmd.Flags().IntVar(&mirrorFlags.workers, "workers", 16, "parallel uploads")
}

// mirrorTarget resolves the bucket, prefix, source download and blob list
// shared by publish and validate.
type mirrorTarget struct {
	bucket *blob.Bucket
	prefix string
	from   api.Download
	blobs  []mirror.Blob
}

func openMirrorTarget(ctx context.Context, d *deps) (*mirrorTarget, error) {
	bucketURL := mirrorFlags.bucket
	if bucketURL == "" {
		bucketURL = d.cfg.Mirror.Bucket
	}
	if bucketURL == "" {
		return nil, withExitCode(ExitInvalidArgs, errors.New("no bucket: set --bucket or mirror.bucket"))
	}
	prefix := mirrorFlags.prefix
	if prefix == "" {
		prefix = d.cfg.Mirror.Prefix
	}

	_, cat, err := mirrorFlags.resolve(ctx, d.api)
	if err != nil {
		return nil, err
	}
	raw, err := d.api.Manifest(ctx, cat)
	if err != nil {
		return nil, err
	}

	t := &mirrorTarget{prefix: prefix}
	if mirrorFlags.diff {
		m, err := manifest.ParseDiffManifest(raw)
		if err != nil {
			return nil, err
		}
		t.from, t.blobs = cat.DiffDownload, mirror.PatchBlobs(m)
	} else {
		m, err := manifest.ParseManifest(raw)
		if err != nil {
			return nil, err
		}
		t.from, t.blobs = cat.ChunkDownload, mirror.ChunkBlobs(m)
	}

	t.bucket, err = blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, withExitCode(ExitStorageError, fmt.Errorf("open bucket %s: %w", bucketURL, err))
	}
	return t, nil
}

func runMirrorPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	d, err := newDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	t, err := openMirrorTarget(ctx, d)
	if err != nil {
		return err
	}
	defer t.bucket.Close()

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Publishing %d blobs to %s\n", len(t.blobs), t.prefix+"*")

	var done atomic.Int64
	total := int64(len(t.blobs))
	// Always read from the CDN, even when the configured remote is a mirror.
	pub := mirror.NewPublisher(fetch.HTTPRemote{Client: d.http}, t.bucket, mirror.Options{
		Prefix:  t.prefix,
		Workers: mirrorFlags.workers,
		OnBlob: func(b mirror.Blob, skipped bool, err error) {
			n := done.Add(1)
			if err != nil {
				d.logger.Warn("blob failed", "blob", b.ID, "error", err)
			}
			if n%100 == 0 || n == total {
				d.logger.Info("mirror progress", "done", n, "total", total)
			}
		},
		Logger: d.logger,
	})

	stats, err := pub.Publish(ctx, t.from, t.blobs)
	printStats(w, stats)

	var cbErr *mirror.CircuitBreakerError
	switch {
	case errors.As(err, &cbErr):
		return withExitCode(ExitStorageError, err)
	case errors.Is(err, mirror.ErrIncomplete):
		return withExitCode(ExitStorageError, err)
	}
	return err
}

func printStats(w io.Writer, s mirror.Stats) {
	fmt.Fprintf(w, "Uploaded: %d (%s)\n", s.Uploaded, progress.FormatBytes(s.Bytes))
	fmt.Fprintf(w, "Skipped:  %d\n", s.Skipped)
	fmt.Fprintf(w, "Failed:   %d\n", s.Failed)
}

func runMirrorValidate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	d, err := newDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	t, err := openMirrorTarget(ctx, d)
	if err != nil {
		return err
	}
	defer t.bucket.Close()

	result, err := mirror.Validate(ctx, t.bucket, t.prefix, t.blobs)
	if err != nil {
		return withExitCode(ExitStorageError, err)
	}
	return printValidation(cmd.OutOrStdout(), result)
}

func printValidation(w io.Writer, result *mirror.ValidationResult) error {
	fmt.Fprintf(w, "Blobs: %d\n", result.Total)
	if result.Valid {
		fmt.Fprintln(w, "Status: VALID")
		return nil
	}

	fmt.Fprintln(w, "Status: INVALID")
	fmt.Fprintf(w, "Missing blobs: %d\n", result.Missing)
	fmt.Fprintf(w, "Size mismatches: %d\n", result.SizeMismatches)
	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	return withExitCode(ExitValidationFailed, errors.New("mirror is incomplete"))
}
