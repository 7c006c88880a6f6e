package assemble

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ligustah/sophon/internal/fsutil"
	"github.com/ligustah/sophon/pkg/manifest"
)

// fakeFetcher serves compressed chunk blobs from memory.
type fakeFetcher struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	calls  []string
	onCall func(url string)
}

func (f *fakeFetcher) DownloadRange(ctx context.Context, url, dest string, expectedSize int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	data, ok := f.blobs[url[strings.LastIndex(url, "/")+1:]]
	onCall := f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(url)
	}
	if !ok {
		return fmt.Errorf("no blob for %s", url)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func compress(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

// twoChunkFile returns the a.bin scenario: 1000 bytes in chunks of 600 and 400.
func twoChunkFile(t *testing.T) (*manifest.File, *fakeFetcher, []byte) {
	t.Helper()
	content := make([]byte, 1000)
	for i := range content {
		content[i] = byte(i * 7)
	}
	c1 := compress(t, content[:600])
	c2 := compress(t, content[600:])

	file := &manifest.File{
		Name: "a.bin",
		Size: 1000,
		MD5:  md5hex(content),
		Chunks: []manifest.Chunk{
			{ID: "c1", MD5: md5hex(content[:600]), Offset: 0, CompressedSize: int64(len(c1)), Size: 600},
			{ID: "c2", MD5: md5hex(content[600:]), Offset: 600, CompressedSize: int64(len(c2)), Size: 400},
		},
	}
	fetcher := &fakeFetcher{blobs: map[string][]byte{"c1": c1, "c2": c2}}
	return file, fetcher, content
}

func newAssembler(t *testing.T, fetcher Fetcher) (*Assembler, string) {
	t.Helper()
	root := t.TempDir()
	gameDir := filepath.Join(root, "game")
	a := New(fetcher, Options{GameDir: gameDir, TempDir: filepath.Join(root, "tmp")})
	return a, gameDir
}

func TestAssemble(t *testing.T) {
	file, fetcher, content := twoChunkFile(t)
	a, gameDir := newAssembler(t, fetcher)

	var seen []int
	a.opts.OnChunk = func(_ *manifest.File, index int, _ manifest.Chunk) {
		seen = append(seen, index)
	}

	outcome, err := a.Assemble(context.Background(), file, "https://cdn/chunks", false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if outcome.Status != Present {
		t.Errorf("expected Present, got %+v", outcome)
	}

	got, err := os.ReadFile(filepath.Join(gameDir, "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Error("assembled content mismatch")
	}
	if fetcher.Calls() != 2 {
		t.Errorf("expected 2 chunk fetches, got %d", fetcher.Calls())
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("expected chunk callbacks [0 1], got %v", seen)
	}
	for _, id := range []string{"c1", "c2"} {
		if _, err := os.Stat(filepath.Join(a.ChunkDir(), id)); !os.IsNotExist(err) {
			t.Errorf("expected chunk blob %s to be removed", id)
		}
	}
}

func TestAssembleIdempotent(t *testing.T) {
	file, fetcher, _ := twoChunkFile(t)
	a, _ := newAssembler(t, fetcher)

	if _, err := a.Assemble(context.Background(), file, "https://cdn", false); err != nil {
		t.Fatal(err)
	}
	before := fetcher.Calls()

	outcome, err := a.Assemble(context.Background(), file, "https://cdn", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Skipped || outcome.Reason != ReasonExists {
		t.Errorf("expected Skipped(exists), got %+v", outcome)
	}
	if fetcher.Calls() != before {
		t.Errorf("expected no further fetches, got %d", fetcher.Calls()-before)
	}
}

func TestAssembleForce(t *testing.T) {
	file, fetcher, content := twoChunkFile(t)
	a, gameDir := newAssembler(t, fetcher)

	dest := filepath.Join(gameDir, "a.bin")
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, make([]byte, 1000), 0o644); err != nil {
		t.Fatal(err)
	}

	outcome, err := a.Assemble(context.Background(), file, "https://cdn", true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Present {
		t.Errorf("expected Present, got %+v", outcome)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("expected forced rebuild to replace content")
	}
}

func TestAssembleDirectory(t *testing.T) {
	fetcher := &fakeFetcher{}
	a, gameDir := newAssembler(t, fetcher)

	outcome, err := a.Assemble(context.Background(), &manifest.File{Name: "StreamingAssets", Kind: manifest.KindDirectory}, "https://cdn", true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Skipped || outcome.Reason != ReasonDirectory {
		t.Errorf("expected Skipped(directory), got %+v", outcome)
	}
	if _, err := os.Stat(gameDir); !os.IsNotExist(err) {
		t.Error("expected no filesystem activity for a directory entry")
	}
}

func TestAssembleDigestMismatch(t *testing.T) {
	file, fetcher, _ := twoChunkFile(t)
	// Flip one bit of the expected digest.
	digest, _ := hex.DecodeString(file.MD5)
	digest[0] ^= 1
	file.MD5 = hex.EncodeToString(digest)

	a, gameDir := newAssembler(t, fetcher)
	_, err := a.Assemble(context.Background(), file, "https://cdn", false)

	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Chunk != "" {
		t.Errorf("expected a whole-file IntegrityError, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(gameDir, "a.bin")); !os.IsNotExist(err) {
		t.Error("destination must not exist after a digest mismatch")
	}
	if _, err := os.Stat(filepath.Join(a.StagingDir(), "a.bin")); !os.IsNotExist(err) {
		t.Error("staging file must be removed after a digest mismatch")
	}
}

func TestAssembleChunkDigestMismatch(t *testing.T) {
	file, fetcher, _ := twoChunkFile(t)
	file.Chunks[1].MD5 = strings.Repeat("0", 32)

	a, _ := newAssembler(t, fetcher)
	_, err := a.Assemble(context.Background(), file, "https://cdn", false)

	var integrityErr *IntegrityError
	if !errors.As(err, &integrityErr) || integrityErr.Chunk != "c2" {
		t.Fatalf("expected chunk IntegrityError for c2, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(a.ChunkDir(), "c2")); !os.IsNotExist(err) {
		t.Error("expected corrupt chunk blob to be removed")
	}
}

func TestAssembleCancelledBeforeStart(t *testing.T) {
	file, fetcher, _ := twoChunkFile(t)
	a, _ := newAssembler(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Assemble(ctx, file, "https://cdn", false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if fetcher.Calls() != 0 {
		t.Errorf("expected no fetches, got %d", fetcher.Calls())
	}
}

func TestAssembleCancelledBetweenChunks(t *testing.T) {
	file, fetcher, content := twoChunkFile(t)
	a, gameDir := newAssembler(t, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher.onCall = func(string) { cancel() }

	_, err := a.Assemble(ctx, file, "https://cdn", false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if fetcher.Calls() != 1 {
		t.Errorf("expected exactly one chunk fetch, got %d", fetcher.Calls())
	}

	staged, err := os.ReadFile(filepath.Join(a.StagingDir(), "a.bin"))
	if err != nil {
		t.Fatalf("expected staging file to be left in place: %v", err)
	}
	if !bytes.Equal(staged, content[:600]) {
		t.Error("expected the in-flight chunk to be fully written")
	}
	if _, err := os.Stat(filepath.Join(gameDir, "a.bin")); !os.IsNotExist(err) {
		t.Error("destination must not exist after cancellation")
	}
}

func TestAssembleReusesStagedFile(t *testing.T) {
	file, fetcher, content := twoChunkFile(t)
	a, gameDir := newAssembler(t, fetcher)

	staging := filepath.Join(a.StagingDir(), "a.bin")
	if err := os.MkdirAll(filepath.Dir(staging), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(staging, content, 0o644); err != nil {
		t.Fatal(err)
	}

	outcome, err := a.Assemble(context.Background(), file, "https://cdn", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != Present {
		t.Errorf("expected Present, got %+v", outcome)
	}
	if fetcher.Calls() != 0 {
		t.Errorf("expected no fetches, got %d", fetcher.Calls())
	}
	if _, err := os.Stat(filepath.Join(gameDir, "a.bin")); err != nil {
		t.Errorf("expected destination file: %v", err)
	}
}

// exclusiveFetcher records how many downloads of the same destination overlap.
type exclusiveFetcher struct {
	*fakeFetcher

	mu      sync.Mutex
	active  map[string]int
	overlap bool
}

func (f *exclusiveFetcher) DownloadRange(ctx context.Context, url, dest string, expectedSize int64) error {
	f.mu.Lock()
	f.active[dest]++
	if f.active[dest] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[dest]--
		f.mu.Unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	return f.fakeFetcher.DownloadRange(ctx, url, dest, expectedSize)
}

func TestAssembleSharedChunkConcurrently(t *testing.T) {
	content := bytes.Repeat([]byte("shared chunk "), 50)
	blob := compress(t, content)
	chunk := manifest.Chunk{ID: "shared", MD5: md5hex(content), CompressedSize: int64(len(blob)), Size: int64(len(content))}
	files := []*manifest.File{
		{Name: "x.bin", Size: int64(len(content)), MD5: md5hex(content), Chunks: []manifest.Chunk{chunk}},
		{Name: "sub/y.bin", Size: int64(len(content)), MD5: md5hex(content), Chunks: []manifest.Chunk{chunk}},
	}
	fetcher := &exclusiveFetcher{
		fakeFetcher: &fakeFetcher{blobs: map[string][]byte{"shared": blob}},
		active:      make(map[string]int),
	}
	a, gameDir := newAssembler(t, fetcher)

	var wg sync.WaitGroup
	errs := make([]error, len(files))
	for i, f := range files {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = a.Assemble(context.Background(), f, "https://cdn/chunks", false)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Assemble %s: %v", files[i].Name, err)
		}
	}
	if fetcher.overlap {
		t.Error("the shared chunk blob was downloaded by two files at once")
	}
	for _, f := range files {
		got, err := os.ReadFile(filepath.Join(gameDir, f.Name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, content) {
			t.Errorf("%s: content mismatch", f.Name)
		}
	}
	if _, err := os.Stat(filepath.Join(a.ChunkDir(), "shared")); !os.IsNotExist(err) {
		t.Error("expected the shared chunk blob to be removed after both files")
	}
}

func TestAssembleUnsafePath(t *testing.T) {
	a, _ := newAssembler(t, &fakeFetcher{})
	_, err := a.Assemble(context.Background(), &manifest.File{Name: "../../etc/passwd", Size: 1}, "https://cdn", false)
	if !errors.Is(err, fsutil.ErrUnsafePath) {
		t.Errorf("expected ErrUnsafePath, got %v", err)
	}
}
