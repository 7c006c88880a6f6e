package engine

import (
	"context"
	"fmt"

	"github.com/ligustah/sophon/internal/fsutil"
	"github.com/ligustah/sophon/pkg/manifest"
)

func (s *session) repair(ctx context.Context) error {
	if err := s.loadChunkManifest(ctx); err != nil {
		return err
	}
	if s.installed != s.build.Tag {
		return fmt.Errorf("%w: installed %s, server %s", ErrUpdateRequired, s.installed, s.build.Tag)
	}

	files := make([]*manifest.File, len(s.chunks.Files))
	for i := range s.chunks.Files {
		files[i] = &s.chunks.Files[i]
	}
	workers := s.engine.VerifyWorkers()
	s.logger.Info("verifying files", "mode", string(s.req.RepairMode), "files", len(files), "workers", workers)
	s.em.RepairSummary(string(s.req.RepairMode), len(files))

	err := runPool(ctx, workers, files, func(ctx context.Context, f *manifest.File) error {
		reason, err := s.check(f)
		if err != nil {
			return err
		}
		s.em.CheckFile(f.Name, reason != "", reason)
		if reason != "" {
			s.logger.Info("file needs repair", "file", f.Name, "reason", reason)
			s.queueChunkDownload(f.Name, true)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.downloadPending(ctx); err != nil {
		return err
	}
	s.setState(StateFinalizing)
	return s.verifyFiles()
}

// check returns why f needs repair, or "" when it is intact.
func (s *session) check(f *manifest.File) (string, error) {
	if f.IsDir() {
		return "", nil
	}
	path, err := fsutil.SafeJoin(s.req.GameDir, f.Name)
	if err != nil {
		return "", err
	}
	size, err := fsutil.Size(path)
	if err != nil {
		return "", err
	}
	if size != f.Size {
		return fmt.Sprintf("size mismatch. is=%d, should=%d", size, f.Size), nil
	}
	if s.req.RepairMode != RepairReliable {
		return "", nil
	}
	sum, err := fsutil.HashFile(path)
	if err != nil {
		return "", err
	}
	if !fsutil.EqualDigest(sum, f.MD5) {
		return fmt.Sprintf("md5 mismatch. is=%s, should=%s", sum, f.MD5), nil
	}
	return "", nil
}
