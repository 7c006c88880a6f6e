package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/assemble"
	"github.com/ligustah/sophon/internal/fsutil"
	"github.com/ligustah/sophon/internal/install"
	"github.com/ligustah/sophon/pkg/manifest"
)

// initialize resolves the release target and the installed version.
func (s *session) initialize(ctx context.Context) error {
	branch := api.BranchMain
	if s.req.PreDownload {
		branch = api.BranchPreDownload
	}

	if s.req.Kind == KindInstall {
		if err := install.Prepare(s.req.GameDir, s.req.Game, s.req.Release, s.req.IgnoreConditions); err != nil {
			return err
		}
		s.target = api.Target{Game: s.req.Game, Release: s.req.Release, Branch: branch}
		s.installed = "new"
		s.logger.Info("installing", "game", string(s.req.Game), "release", string(s.req.Release), "dir", s.req.GameDir)
		return nil
	}

	inst, err := install.Inspect(s.req.GameDir, s.req.Game, install.Options{
		IgnoreConditions: s.req.IgnoreConditions,
		Version:          s.req.Version,
		Logger:           s.logger,
	})
	if err != nil {
		return err
	}
	s.target = api.Target{Game: s.req.Game, Release: inst.Release, Branch: branch}
	s.installed = inst.Version
	s.logger.Info("inspected installation",
		"release", string(inst.Release), "version", inst.Version, "branch", string(branch))
	return nil
}

func (s *session) install(ctx context.Context) error {
	if err := s.loadChunkManifest(ctx); err != nil {
		return err
	}
	if err := install.SetVersion(s.req.GameDir, s.build.Tag); err != nil {
		return err
	}

	files := make([]*manifest.File, len(s.chunks.Files))
	for i := range s.chunks.Files {
		files[i] = &s.chunks.Files[i]
	}
	s.em.DownloadSummary(s.build.Tag, s.chunks.DownloadSize(nil), len(files), []string{s.category.MatchingField})
	if err := s.downloadFiles(ctx, files, nil); err != nil {
		return err
	}

	s.setState(StateFinalizing)
	if err := s.loadChunkManifest(ctx); err != nil {
		return err
	}
	if err := s.verifyFiles(); err != nil {
		return err
	}
	if err := install.SetVersion(s.req.GameDir, s.build.Tag); err != nil {
		return err
	}
	s.logger.Info("install complete", "version", s.build.Tag)
	return nil
}

// downloadFiles assembles files on the download pool. Files named in force
// bypass the size-only existence check.
func (s *session) downloadFiles(ctx context.Context, files []*manifest.File, force map[string]bool) error {
	sortByPriority(files)
	prefix := s.category.ChunkDownload.URLPrefix

	return runPool(ctx, s.engine.opts.Workers, files, func(ctx context.Context, f *manifest.File) error {
		s.em.FileDownloadStart(f.Name)
		out, err := s.assembler.Assemble(ctx, f, prefix, force[f.Name])
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.em.FileDownloadError(f.Name, err)
			}
			return err
		}
		if out.Status == assemble.Skipped {
			s.em.FileDownloadSkipped(f.Name, out.Reason)
			return nil
		}
		s.em.FileDownloadComplete(f.Name, f.Size)
		return nil
	})
}

// downloadPending chunk-downloads every queued file.
func (s *session) downloadPending(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pendingChunks
	s.pendingChunks = make(map[string]bool)
	s.mu.Unlock()

	if s.req.PreDownload {
		if len(pending) > 0 {
			s.logger.Info("new file download is disabled for pre-downloads", "files", len(pending))
		}
		return nil
	}

	var files []*manifest.File
	found := make(map[string]bool, len(pending))
	for i := range s.chunks.Files {
		f := &s.chunks.Files[i]
		if _, ok := pending[f.Name]; ok {
			files = append(files, f)
			found[f.Name] = true
		}
	}
	for name := range pending {
		if !found[name] {
			s.logger.Warn("no chunks for file", "file", name)
		}
	}

	size := s.chunks.DownloadSize(func(f *manifest.File) bool { return found[f.Name] })
	s.logger.Info("downloading files by chunks", "files", len(files), "bytes", size)
	s.em.DownloadSummary(s.build.Tag, size, len(files), []string{s.category.MatchingField})
	return s.downloadFiles(ctx, files, pending)
}

// verifyFiles checks that every regular file of the chunk manifest has its
// declared size.
func (s *session) verifyFiles() error {
	var problems []error
	for i := range s.chunks.Files {
		f := &s.chunks.Files[i]
		if f.IsDir() {
			continue
		}
		if err := checkSize(s.req.GameDir, f.Name, f.Size); err != nil {
			problems = append(problems, err)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrVerify, errors.Join(problems...))
	}
	return nil
}

func checkSize(gameDir, name string, want int64) error {
	path, err := fsutil.SafeJoin(gameDir, name)
	if err != nil {
		return err
	}
	size, err := fsutil.Size(path)
	if err != nil {
		return err
	}
	if size != want {
		return fmt.Errorf("%s: missing or invalid size %d, want %d", name, size, want)
	}
	return nil
}

// priority orders version-bearing control files and top-level files first.
func priority(name string) int {
	if strings.Contains(name, "pkg_version") ||
		strings.Contains(name, "globalgamemanagers") ||
		!strings.Contains(name, "/") {
		return 0
	}
	return 1
}

func sortByPriority(files []*manifest.File) {
	sort.SliceStable(files, func(i, j int) bool {
		return priority(files[i].Name) < priority(files[j].Name)
	})
}
