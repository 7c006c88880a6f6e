package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/config"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/fetch"
	sophonhttp "github.com/ligustah/sophon/internal/http"
	"github.com/ligustah/sophon/internal/patch"
	"github.com/ligustah/sophon/internal/progress"
)

// deps are the collaborators shared by all commands.
type deps struct {
	cfg    config.Config
	logger *slog.Logger
	http   *sophonhttp.Client
	api    *api.HTTPClient
	remote fetch.Remote

	closers []func() error
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("close failed", "error", err)
		}
	}
}

// newDeps loads the configuration and opens the cache and blob buckets.
func newDeps(ctx context.Context) (*deps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, logger: setupLogger(cfg)}

	opts := sophonhttp.DefaultOptions()
	opts.UserAgent = "sophon/" + version
	d.http = sophonhttp.NewClient(opts)

	cache, err := d.openCacheBucket(ctx)
	if err != nil {
		d.Close()
		return nil, withExitCode(ExitStorageError, err)
	}
	d.api = api.NewHTTPClient(fetch.NewCache(cache, d.http, fetch.CacheOptions{
		MaxAge: cfg.Cache.MaxAge,
		Force:  cfg.Cache.Force,
		Logger: d.logger,
	}), cfg.Endpoints, d.logger)

	d.remote = fetch.HTTPRemote{Client: d.http}
	if cfg.Mirror.Bucket != "" {
		mirror, err := blob.OpenBucket(ctx, cfg.Mirror.Bucket)
		if err != nil {
			d.Close()
			return nil, withExitCode(ExitStorageError, fmt.Errorf("open mirror bucket: %w", err))
		}
		d.closers = append(d.closers, mirror.Close)
		d.remote = fetch.BucketRemote{Bucket: mirror, Prefix: cfg.Mirror.Prefix}
		d.logger.Info("serving blobs from mirror", "bucket", cfg.Mirror.Bucket, "prefix", cfg.Mirror.Prefix)
	}
	return d, nil
}

// openCacheBucket opens the configured cache bucket, or a directory bucket
// under the temp or user cache directory.
func (d *deps) openCacheBucket(ctx context.Context) (*blob.Bucket, error) {
	if d.cfg.Cache.Bucket != "" {
		b, err := blob.OpenBucket(ctx, d.cfg.Cache.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open cache bucket: %w", err)
		}
		d.closers = append(d.closers, b.Close)
		return b, nil
	}

	base := d.cfg.TempDir
	if base == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("locate cache directory: %w", err)
		}
		base = filepath.Join(dir, "sophon")
	}
	dir := filepath.Join(base, "api")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	b, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache directory: %w", err)
	}
	d.closers = append(d.closers, b.Close)
	return b, nil
}

func (d *deps) engine() *engine.Engine {
	return engine.New(engine.Options{
		API:               d.api,
		Remote:            d.remote,
		Patcher:           patch.HPatchz{Binary: d.cfg.Patch.Binary},
		Workers:           d.cfg.Workers,
		CPUReserve:        d.cfg.CPUReserve,
		DownloadAttempts:  d.cfg.Retry.Attempts,
		DownloadBackoff:   d.cfg.Retry.Backoff,
		PatchShortTimeout: d.cfg.Patch.ShortTimeout,
		PatchLongTimeout:  d.cfg.Patch.LongTimeout,
		OnState: func(taskID string, s engine.State) {
			d.logger.Debug("task state", "task_id", taskID, "state", s.String())
		},
		Logger: d.logger,
	})
}

func (d *deps) emitterOptions() progress.Options {
	return progress.Options{
		ChunkEvery:    d.cfg.Events.ChunkEvery,
		CheckEvery:    d.cfg.Events.CheckEvery,
		SpeedInterval: d.cfg.Events.SpeedInterval,
	}
}

func parseGame(s string) (api.Game, error) {
	switch g := api.Game(s); g {
	case api.GameHK4E, api.GameNAP, api.GameHKRPG:
		return g, nil
	default:
		return "", withExitCode(ExitInvalidArgs, fmt.Errorf("unsupported game %q (hk4e, nap, hkrpg)", s))
	}
}

func parseRelease(s string) (api.ReleaseType, error) {
	switch r := api.ReleaseType(s); r {
	case api.ReleaseOS, api.ReleaseCN, api.ReleaseBB:
		return r, nil
	default:
		return "", withExitCode(ExitInvalidArgs, fmt.Errorf("unsupported release type %q (os, cn, bb)", s))
	}
}
