package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/ligustah/sophon/internal/fsutil"
	"github.com/ligustah/sophon/internal/install"
	"github.com/ligustah/sophon/internal/patch"
	"github.com/ligustah/sophon/pkg/manifest"
)

// LdiffDir is the directory inside the game directory holding diff blobs.
const LdiffDir = "ldiff"

// Reasons reported for diff entries that are not patched.
const (
	ReasonNoFile         = "no file"
	ReasonNotModified    = "not modified"
	ReasonAlreadyUpdated = "already updated"
	ReasonFileMissing    = "file missing"
	ReasonFileCorrupt    = "file corrupt"
	ReasonAlreadyPresent = "already present"
)

var errChecksum = errors.New("checksum failed")

// action is what the update flow does with one diff entry.
type action int

const (
	actionPatch action = iota
	actionUpToDate
	actionMissing
	actionCorrupt
)

func (s *session) update(ctx context.Context) error {
	if err := s.loadChunkManifest(ctx); err != nil {
		return err
	}
	if s.installed == s.build.Tag {
		return fmt.Errorf("%w: installed version is %s", ErrUpToDate, s.installed)
	}
	target := s.build.Tag
	if err := s.loadDiffManifest(ctx); err != nil {
		return err
	}
	s.logger.Info("updating", "from", s.installed, "to", target, "predownload", s.req.PreDownload)

	if !s.req.PreDownload {
		if err := s.deleteOld(ctx); err != nil {
			return err
		}
	}
	if err := s.patchFiles(ctx); err != nil {
		return err
	}
	if err := s.downloadPending(ctx); err != nil {
		return err
	}
	if s.req.PreDownload {
		s.logger.Info("pre-download complete", "version", target)
		return nil
	}

	s.setState(StateFinalizing)
	if err := s.loadChunkManifest(ctx); err != nil {
		return err
	}
	if s.build.Tag != target {
		return fmt.Errorf("%w: server version changed from %s to %s", ErrVerify, target, s.build.Tag)
	}
	if err := s.verifyUpdate(); err != nil {
		return err
	}
	if err := install.SetVersion(s.req.GameDir, target); err != nil {
		return err
	}
	s.purgeDiffBlobs()
	s.logger.Info("update complete", "version", target)
	return nil
}

// deleteOld removes the files listed for the installed version.
func (s *session) deleteOld(ctx context.Context) error {
	paths := s.diff.DeletesFor(s.installed)
	s.em.DeleteSummary(len(paths), false)

	for _, name := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := fsutil.SafeJoin(s.req.GameDir, name)
		if err != nil {
			return err
		}
		if !isRegular(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
		s.logger.Info("deleted old file", "file", name)
		s.em.DeleteFile(name, false)
	}
	return nil
}

// patchFiles classifies every diff entry, downloading diff blobs and
// patching files that are at the expected pre-patch state.
func (s *session) patchFiles(ctx context.Context) error {
	ldiff := filepath.Join(s.req.GameDir, LdiffDir)
	if err := os.MkdirAll(ldiff, 0o755); err != nil {
		return fmt.Errorf("create ldiff directory: %w", err)
	}

	s.em.LdiffDownloadSummary(len(s.diff.Files), s.diff.PatchDownloadSize(s.installed))
	for i := range s.diff.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.patchFile(ctx, ldiff, &s.diff.Files[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) patchFile(ctx context.Context, ldiff string, f *manifest.DiffFile) error {
	s.em.LdiffDownloadStart(f.Name)
	if f.IsNew() {
		s.em.LdiffDownloadSkipped(f.Name, ReasonNoFile)
		s.queueChunkDownload(f.Name, false)
		return nil
	}

	dest, err := fsutil.SafeJoin(s.req.GameDir, f.Name)
	if err != nil {
		return err
	}
	p, ok := f.PatchFor(s.installed)
	if !ok {
		s.em.LdiffDownloadSkipped(f.Name, ReasonNotModified)
		return nil
	}

	act, err := classify(dest, f, p)
	if err != nil {
		return err
	}
	switch act {
	case actionUpToDate:
		s.em.LdiffDownloadSkipped(f.Name, ReasonAlreadyUpdated)
		return nil
	case actionMissing:
		s.logger.Info("file missing, queued for chunk download", "file", f.Name)
		s.em.LdiffDownloadSkipped(f.Name, ReasonFileMissing)
		s.queueChunkDownload(f.Name, false)
		return nil
	case actionCorrupt:
		s.logger.Warn("file corrupt, queued for chunk download", "file", f.Name)
		s.em.LdiffDownloadSkipped(f.Name, ReasonFileCorrupt)
		s.queueChunkDownload(f.Name, true)
		return nil
	}

	// Once started, the download and patch of a file run to completion;
	// cancellation is observed by patchFiles before the next file.
	unit := context.WithoutCancel(ctx)
	blob, err := s.fetchDiffBlob(unit, ldiff, f, p)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.em.LdiffDownloadError(f.Name, err)
		}
		return fmt.Errorf("download diff for %s: %w", f.Name, err)
	}
	s.queueCleanup(p.ID)
	if s.req.PreDownload {
		return nil
	}

	s.em.LdiffPatchStart(f.Name)
	res, err := s.applier.Apply(unit, patch.Request{
		Target:       dest,
		Blob:         blob,
		Offset:       p.Offset,
		Length:       p.Length,
		ExpectedSize: f.Size,
		ExpectedMD5:  f.MD5,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.em.LdiffPatchError(f.Name, err)
		}
		return fmt.Errorf("patch %s: %w", f.Name, err)
	}
	if res.Mismatch {
		s.logger.Warn("patched file failed verification, queued for chunk download",
			"file", f.Name, "md5", res.MD5, "expected", f.MD5)
		s.em.LdiffPatchError(f.Name, errChecksum)
		s.queueChunkDownload(f.Name, true)
		return nil
	}
	s.em.LdiffPatchComplete(f.Name)
	return nil
}

// classify decides what to do with an installed file that has a patch.
func classify(path string, f *manifest.DiffFile, p manifest.PatchInfo) (action, error) {
	size, err := fsutil.Size(path)
	if err != nil {
		return 0, err
	}
	switch {
	case size == p.OriginalSize:
		return actionPatch, nil
	case size < 0:
		return actionMissing, nil
	case size == f.Size:
		sum, err := fsutil.HashFile(path)
		if err != nil {
			return 0, err
		}
		if fsutil.EqualDigest(sum, f.MD5) {
			return actionUpToDate, nil
		}
	}
	return actionCorrupt, nil
}

// fetchDiffBlob downloads the diff blob of p into dir unless it is already
// present with the declared size.
func (s *session) fetchDiffBlob(ctx context.Context, dir string, f *manifest.DiffFile, p manifest.PatchInfo) (string, error) {
	path, err := fsutil.SafeJoin(dir, p.ID)
	if err != nil {
		return "", err
	}
	size, err := fsutil.Size(path)
	if err != nil {
		return "", err
	}
	if size == p.BlobSize {
		s.em.LdiffDownloadSkipped(f.Name, ReasonAlreadyPresent)
		return path, nil
	}

	tmp := path + "_tmp"
	if err := s.fetcher.DownloadRange(ctx, s.diffCategory.DiffDownload.URL(p.ID), tmp, p.BlobSize); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	s.logger.Debug("downloaded diff blob", "blob", p.ID, "file", f.Name, "bytes", p.BlobSize)
	s.em.LdiffDownloadComplete(f.Name, p.BlobSize)
	return path, nil
}

// verifyUpdate checks every diff entry has its new size and no file listed
// for deletion remains.
func (s *session) verifyUpdate() error {
	var problems []error
	for i := range s.diff.Files {
		f := &s.diff.Files[i]
		if err := checkSize(s.req.GameDir, f.Name, f.Size); err != nil {
			problems = append(problems, err)
		}
	}
	for _, name := range s.diff.DeletesFor(s.installed) {
		path, err := fsutil.SafeJoin(s.req.GameDir, name)
		if err != nil {
			return err
		}
		if isRegular(path) {
			problems = append(problems, fmt.Errorf("%s: old file still exists", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrVerify, errors.Join(problems...))
	}
	return nil
}

// purgeDiffBlobs removes every downloaded diff blob.
func (s *session) purgeDiffBlobs() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pendingCleanup))
	for id := range s.pendingCleanup {
		ids = append(ids, id)
	}
	s.pendingCleanup = make(map[string]struct{})
	s.mu.Unlock()
	sort.Strings(ids)

	dir := filepath.Join(s.req.GameDir, LdiffDir)
	s.em.DeleteSummary(len(ids), true)
	for _, id := range ids {
		if err := os.Remove(filepath.Join(dir, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("remove diff blob", "blob", id, "error", err)
			continue
		}
		s.em.DeleteFile(id, true)
	}
	// Only succeeds when nothing else was left in the directory.
	_ = os.Remove(dir)
	s.logger.Info("cleaned up diff blobs", "count", len(ids))
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
