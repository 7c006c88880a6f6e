package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/assemble"
	"github.com/ligustah/sophon/internal/fetch"
	"github.com/ligustah/sophon/internal/patch"
	"github.com/ligustah/sophon/internal/progress"
	"github.com/ligustah/sophon/pkg/manifest"
)

var (
	// ErrCategoryNotFound is returned when no build category matches.
	ErrCategoryNotFound = errors.New("engine: category not found")

	// ErrCategoryAmbiguous is returned when several categories match a
	// substring lookup.
	ErrCategoryAmbiguous = errors.New("engine: category is ambiguous")

	// ErrUpdateRequired is returned when repairing an installation that is
	// not at the server version.
	ErrUpdateRequired = errors.New("engine: installed version is outdated, update first")

	// ErrUpToDate is returned when updating an installation that already
	// has the server version.
	ErrUpToDate = errors.New("engine: no update available")

	// ErrCancelled is returned when the task context is cancelled.
	ErrCancelled = errors.New("engine: cancelled")

	// ErrVerify is returned when a finished flow leaves files behind that
	// do not match the manifest.
	ErrVerify = errors.New("engine: post-sync verification failed")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("engine: invalid request")
)

// Kind selects the flow to run.
type Kind string

const (
	KindInstall Kind = "install"
	KindUpdate  Kind = "update"
	KindRepair  Kind = "repair"
)

// RepairMode selects how files are verified during a repair.
type RepairMode string

const (
	// RepairQuick compares sizes only.
	RepairQuick RepairMode = "quick"
	// RepairReliable also compares MD5 digests.
	RepairReliable RepairMode = "reliable"
)

// Request describes one sync operation.
type Request struct {
	Kind    Kind
	GameDir string
	// TempDir holds chunk blobs and staging files.
	// Default: <GameDir>/.tmp
	TempDir string
	Game    api.Game

	// Release is the release type of a new installation. It is detected
	// for updates and repairs.
	Release api.ReleaseType

	// Category defaults to DefaultCategory.
	Category string

	PreDownload bool
	RepairMode  RepairMode

	// IgnoreConditions trusts Version instead of the installed game data
	// and allows installing into a populated directory.
	IgnoreConditions bool
	Version          string
}

// Options configures an Engine.
type Options struct {
	API     api.Client
	Remote  fetch.Remote
	Patcher patch.Patcher

	// Workers is the size of the download pool.
	// Default: 20
	Workers int

	// CPUReserve is subtracted from the CPU count to size the repair
	// verification pool.
	// Default: 4
	CPUReserve int

	// DownloadAttempts and DownloadBackoff bound retries per blob.
	// Defaults: 5, 10s
	DownloadAttempts int
	DownloadBackoff  time.Duration

	// PatchShortTimeout and PatchLongTimeout bound each patch run.
	// Defaults: 50s, 300s
	PatchShortTimeout time.Duration
	PatchLongTimeout  time.Duration

	// OnState is called on every state transition.
	OnState func(taskID string, s State)

	Logger *slog.Logger
}

// Engine runs install, update and repair flows.
type Engine struct {
	opts Options
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 20
	}
	if opts.CPUReserve <= 0 {
		opts.CPUReserve = 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{opts: opts}
}

// VerifyWorkers is the size of the repair verification pool.
func (e *Engine) VerifyWorkers() int {
	return max(1, runtime.NumCPU()-e.opts.CPUReserve)
}

// Run executes req, reporting to em. Cancelling ctx stops the flow at the
// next unit boundary and yields ErrCancelled.
func (e *Engine) Run(ctx context.Context, req Request, em *progress.Emitter) (err error) {
	s, err := e.newSession(req, em)
	if err != nil {
		return err
	}

	em.JobStart()
	defer func() {
		switch {
		case err == nil:
			s.setState(StateCompleted)
			em.JobEnd()
			return
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			err = ErrCancelled
			s.setState(StateCancelled)
		default:
			s.setState(StateFailed)
		}
		s.logger.Error("sync failed", "error", err)
		em.JobError(err)
	}()

	s.setState(StateInitializing)
	if err := s.initialize(ctx); err != nil {
		return err
	}

	switch req.Kind {
	case KindInstall:
		s.setState(StateInstalling)
		return s.install(ctx)
	case KindUpdate:
		s.setState(StateUpdating)
		return s.update(ctx)
	default:
		s.setState(StateRepairing)
		return s.repair(ctx)
	}
}

func (e *Engine) newSession(req Request, em *progress.Emitter) (*session, error) {
	switch req.Kind {
	case KindInstall, KindUpdate:
	case KindRepair:
		switch req.RepairMode {
		case "":
			req.RepairMode = RepairQuick
		case RepairQuick, RepairReliable:
		default:
			return nil, fmt.Errorf("%w: repair mode %q", ErrInvalidRequest, req.RepairMode)
		}
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.GameDir == "" {
		return nil, fmt.Errorf("%w: game directory is required", ErrInvalidRequest)
	}
	if req.Kind == KindInstall && req.Release == "" {
		return nil, fmt.Errorf("%w: release type is required for installs", ErrInvalidRequest)
	}
	if req.TempDir == "" {
		req.TempDir = filepath.Join(req.GameDir, ".tmp")
	}
	if req.Category == "" {
		req.Category = DefaultCategory
	}

	s := &session{
		engine:         e,
		req:            req,
		em:             em,
		logger:         e.opts.Logger.With("task_id", em.TaskID(), "kind", string(req.Kind)),
		pendingChunks:  make(map[string]bool),
		pendingCleanup: make(map[string]struct{}),
	}
	s.fetcher = fetch.NewDownloader(e.opts.Remote, fetch.DownloaderOptions{
		Attempts: e.opts.DownloadAttempts,
		Backoff:  e.opts.DownloadBackoff,
		Logger:   s.logger,
	})
	s.assembler = assemble.New(s.fetcher, assemble.Options{
		GameDir: req.GameDir,
		TempDir: req.TempDir,
		OnChunk: s.onChunk,
		Logger:  s.logger,
	})
	s.applier = patch.NewApplier(e.opts.Patcher, patch.Options{
		ShortTimeout: e.opts.PatchShortTimeout,
		LongTimeout:  e.opts.PatchLongTimeout,
		TempDir:      req.TempDir,
		Logger:       s.logger,
	})
	return s, nil
}

// session is the working state of one Run.
type session struct {
	engine *Engine
	req    Request
	em     *progress.Emitter
	logger *slog.Logger
	state  State

	target    api.Target
	installed string

	build    *api.Build
	category *api.Category
	chunks   *manifest.Manifest

	patchBuild   *api.Build
	diffCategory *api.Category
	diff         *manifest.DiffManifest

	fetcher   *fetch.Downloader
	assembler *assemble.Assembler
	applier   *patch.Applier

	// mu guards the pending sets, which pool workers insert into.
	mu sync.Mutex
	// pendingChunks maps paths to chunk-download to whether the size
	// fast path must be bypassed.
	pendingChunks map[string]bool
	// pendingCleanup holds downloaded diff blob ids.
	pendingCleanup map[string]struct{}
}

func (s *session) setState(st State) {
	s.logger.Debug("state transition", "from", s.state.String(), "to", st.String())
	s.state = st
	if s.engine.opts.OnState != nil {
		s.engine.opts.OnState(s.em.TaskID(), st)
	}
}

func (s *session) queueChunkDownload(name string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingChunks[name] = s.pendingChunks[name] || force
}

func (s *session) queueCleanup(blobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCleanup[blobID] = struct{}{}
}

func (s *session) onChunk(file *manifest.File, index int, c manifest.Chunk) {
	s.em.ChunkDownloaded(file.Name, len(file.Chunks), index+1, c.Offset+c.Size, file.Size, c.CompressedSize)
}

// loadChunkManifest fetches build metadata and the chunk manifest of the
// requested category.
func (s *session) loadChunkManifest(ctx context.Context) error {
	build, err := s.engine.opts.API.Build(ctx, s.target)
	if err != nil {
		return fmt.Errorf("get build: %w", err)
	}
	cat, err := SelectCategory(build, s.req.Category)
	if err != nil {
		return err
	}
	raw, err := s.engine.opts.API.Manifest(ctx, cat)
	if err != nil {
		return fmt.Errorf("get manifest %s: %w", cat.Manifest.ID, err)
	}
	m, err := manifest.ParseManifest(raw)
	if err != nil {
		return fmt.Errorf("manifest %s: %w", cat.Manifest.ID, err)
	}
	s.build, s.category, s.chunks = build, cat, m
	s.logger.Debug("loaded chunk manifest",
		"category", cat.MatchingField, "version", build.Tag, "files", len(m.Files))
	return nil
}

// loadDiffManifest fetches patch build metadata and the diff manifest of
// the requested category.
func (s *session) loadDiffManifest(ctx context.Context) error {
	build, err := s.engine.opts.API.PatchBuild(ctx, s.target)
	if err != nil {
		return fmt.Errorf("get patch build: %w", err)
	}
	cat, err := SelectCategory(build, s.req.Category)
	if err != nil {
		return err
	}
	raw, err := s.engine.opts.API.Manifest(ctx, cat)
	if err != nil {
		return fmt.Errorf("get diff manifest %s: %w", cat.Manifest.ID, err)
	}
	m, err := manifest.ParseDiffManifest(raw)
	if err != nil {
		return fmt.Errorf("diff manifest %s: %w", cat.Manifest.ID, err)
	}
	s.patchBuild, s.diffCategory, s.diff = build, cat, m
	s.logger.Debug("loaded diff manifest",
		"category", cat.MatchingField, "version", build.Tag, "files", len(m.Files))
	return nil
}
