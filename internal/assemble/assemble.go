// Package assemble rebuilds files from their manifest chunk lists.
//
// Chunks are fetched into a chunk directory, decompressed and written at
// their declared offset into a staging file. The staging file is verified
// against the manifest digest before it is moved into the installation.
package assemble

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ligustah/sophon/internal/fsutil"
	"github.com/ligustah/sophon/pkg/manifest"
)

// ErrIntegrity is wrapped by every IntegrityError.
var ErrIntegrity = errors.New("assemble: integrity check failed")

// IntegrityError reports a digest mismatch for an assembled file, or for a
// single chunk when Chunk is set.
type IntegrityError struct {
	File     string
	Chunk    string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	if e.Chunk != "" {
		return fmt.Sprintf("chunk %s of %s: md5 %s, expected %s", e.Chunk, e.File, e.Actual, e.Expected)
	}
	return fmt.Sprintf("%s: md5 %s, expected %s", e.File, e.Actual, e.Expected)
}

func (e *IntegrityError) Unwrap() error {
	return ErrIntegrity
}

// Status is the result of assembling one manifest entry.
type Status int

const (
	// Present means the file was written to its final path.
	Present Status = iota
	// Skipped means no work was needed; Outcome.Reason says why.
	Skipped
)

// Skip reasons.
const (
	ReasonDirectory = "directory"
	ReasonExists    = "exists"
)

// Outcome describes what happened to a manifest entry.
type Outcome struct {
	Status Status
	Reason string
}

// Fetcher downloads a blob to a local path, resuming partial content.
type Fetcher interface {
	DownloadRange(ctx context.Context, url, dest string, expectedSize int64) error
}

// Options configures an Assembler.
type Options struct {
	// GameDir is the installation root files are moved into.
	GameDir string

	// TempDir holds the "chunks" and "staging" working directories.
	TempDir string

	// OnChunk, when set, is called after each chunk has been written.
	OnChunk func(file *manifest.File, index int, chunk manifest.Chunk)

	Logger *slog.Logger
}

// Assembler rebuilds manifest files. It is safe for concurrent use on
// distinct files, including files that share chunks.
type Assembler struct {
	fetcher Fetcher
	opts    Options

	mu     sync.Mutex
	chunks map[string]*chunkRef
}

// chunkRef guards the blob of one chunk id in the chunk directory.
type chunkRef struct {
	mu    sync.Mutex
	users int
}

// New creates an Assembler.
func New(fetcher Fetcher, opts Options) *Assembler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Assembler{fetcher: fetcher, opts: opts, chunks: make(map[string]*chunkRef)}
}

// acquire registers file as a user of each of its chunk ids.
func (a *Assembler) acquire(file *manifest.File) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range chunkIDs(file) {
		ref, ok := a.chunks[id]
		if !ok {
			ref = &chunkRef{}
			a.chunks[id] = ref
		}
		ref.users++
	}
}

// release drops the references taken by acquire. With remove set, the blobs
// no other file is using are deleted.
func (a *Assembler) release(file *manifest.File, remove bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range chunkIDs(file) {
		ref := a.chunks[id]
		ref.users--
		if ref.users > 0 {
			continue
		}
		delete(a.chunks, id)
		if !remove {
			continue
		}
		if err := os.Remove(filepath.Join(a.ChunkDir(), id)); err != nil && !os.IsNotExist(err) {
			a.opts.Logger.Debug("remove chunk blob", "chunk", id, "error", err)
		}
	}
}

func (a *Assembler) chunkLock(id string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &a.chunks[id].mu
}

func chunkIDs(file *manifest.File) []string {
	seen := make(map[string]struct{}, len(file.Chunks))
	ids := make([]string, 0, len(file.Chunks))
	for _, c := range file.Chunks {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		ids = append(ids, c.ID)
	}
	return ids
}

// ChunkDir is where chunk blobs are downloaded.
func (a *Assembler) ChunkDir() string {
	return filepath.Join(a.opts.TempDir, "chunks")
}

// StagingDir is where files are built before being moved into place.
func (a *Assembler) StagingDir() string {
	return filepath.Join(a.opts.TempDir, "staging")
}

// Assemble builds file from chunks located under urlPrefix. Unless force is
// set, a destination that already has the declared size is left alone.
//
// Cancellation is observed before each chunk fetch; a chunk that has started
// downloading is always finished and written.
func (a *Assembler) Assemble(ctx context.Context, file *manifest.File, urlPrefix string, force bool) (Outcome, error) {
	if file.IsDir() {
		return Outcome{Status: Skipped, Reason: ReasonDirectory}, nil
	}

	dest, err := fsutil.SafeJoin(a.opts.GameDir, file.Name)
	if err != nil {
		return Outcome{}, err
	}
	if !force {
		size, err := fsutil.Size(dest)
		if err != nil {
			return Outcome{}, fmt.Errorf("stat %s: %w", file.Name, err)
		}
		if size == file.Size {
			return Outcome{Status: Skipped, Reason: ReasonExists}, nil
		}
	}

	staging, err := fsutil.SafeJoin(a.StagingDir(), file.Name)
	if err != nil {
		return Outcome{}, err
	}

	a.acquire(file)
	staged := false
	defer func() { a.release(file, staged) }()

	if ok, err := a.reuseStaging(staging, file); err != nil {
		return Outcome{}, err
	} else if !ok {
		if err := a.writeChunks(ctx, file, urlPrefix, staging); err != nil {
			return Outcome{}, err
		}
		if err := a.verify(staging, file); err != nil {
			return Outcome{}, err
		}
	}

	staged = true

	if err := fsutil.Move(staging, dest); err != nil {
		return Outcome{}, fmt.Errorf("move %s into place: %w", file.Name, err)
	}
	return Outcome{Status: Present}, nil
}

// reuseStaging reports whether a leftover staging file is complete and valid.
// An invalid leftover is removed.
func (a *Assembler) reuseStaging(staging string, file *manifest.File) (bool, error) {
	size, err := fsutil.Size(staging)
	if err != nil {
		return false, err
	}
	if size != file.Size {
		return false, nil
	}

	sum, err := fsutil.HashFile(staging)
	if err != nil {
		return false, err
	}
	if fsutil.EqualDigest(sum, file.MD5) {
		a.opts.Logger.Debug("reusing staged file", "file", file.Name)
		return true, nil
	}

	a.opts.Logger.Warn("discarding invalid staged file", "file", file.Name, "md5", sum, "expected", file.MD5)
	return false, os.Remove(staging)
}

func (a *Assembler) writeChunks(ctx context.Context, file *manifest.File, urlPrefix, staging string) error {
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	out, err := os.OpenFile(staging, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer out.Close()

	var cursor int64
	for i, c := range file.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.Offset != cursor {
			a.opts.Logger.Warn("chunk offset does not match write cursor",
				"file", file.Name, "chunk", c.ID, "offset", c.Offset, "cursor", cursor)
		}

		n, err := a.fetchChunk(ctx, out, file, c, urlPrefix)
		if err != nil {
			return err
		}
		cursor = c.Offset + n

		if a.opts.OnChunk != nil {
			a.opts.OnChunk(file, i, c)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	return nil
}

// fetchChunk downloads one chunk and writes it into out. The blob of a chunk id
// is held exclusively while it is fetched and read.
func (a *Assembler) fetchChunk(ctx context.Context, out *os.File, file *manifest.File, c manifest.Chunk, urlPrefix string) (int64, error) {
	mu := a.chunkLock(c.ID)
	mu.Lock()
	defer mu.Unlock()

	blobPath := filepath.Join(a.ChunkDir(), c.ID)
	url := urlPrefix + "/" + c.ID
	// The chunk fetch is one unit; cancellation is only checked between chunks.
	if err := a.fetcher.DownloadRange(context.WithoutCancel(ctx), url, blobPath, c.CompressedSize); err != nil {
		return 0, fmt.Errorf("fetch chunk %s of %s: %w", c.ID, file.Name, err)
	}
	return a.writeChunk(out, file, c, blobPath)
}

func (a *Assembler) writeChunk(out *os.File, file *manifest.File, c manifest.Chunk, blobPath string) (int64, error) {
	blob, err := os.Open(blobPath)
	if err != nil {
		return 0, fmt.Errorf("open chunk %s: %w", c.ID, err)
	}
	defer blob.Close()

	dec, err := zstd.NewReader(blob, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, fmt.Errorf("open decoder for chunk %s: %w", c.ID, err)
	}
	defer dec.Close()

	h := md5.New()
	w := io.MultiWriter(io.NewOffsetWriter(out, c.Offset), h)
	n, err := io.Copy(w, dec)
	if err != nil {
		// A blob that does not decompress is refetched next time.
		_ = os.Remove(blobPath)
		return 0, fmt.Errorf("decompress chunk %s of %s: %w", c.ID, file.Name, err)
	}

	if c.MD5 != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); !fsutil.EqualDigest(sum, c.MD5) {
			_ = os.Remove(blobPath)
			return 0, &IntegrityError{File: file.Name, Chunk: c.ID, Expected: c.MD5, Actual: sum}
		}
	}
	return n, nil
}

func (a *Assembler) verify(staging string, file *manifest.File) error {
	sum, err := fsutil.HashFile(staging)
	if err != nil {
		return err
	}
	if !fsutil.EqualDigest(sum, file.MD5) {
		if err := os.Remove(staging); err != nil {
			a.opts.Logger.Warn("remove staging file", "file", file.Name, "error", err)
		}
		return &IntegrityError{File: file.Name, Expected: file.MD5, Actual: sum}
	}
	return nil
}
