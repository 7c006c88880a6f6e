package manifest

import (
	"errors"
	"sort"
)

// ErrCorrupt is returned when a manifest cannot be decompressed or parsed.
var ErrCorrupt = errors.New("manifest: corrupt manifest")

// FlagDirectory marks a directory entry in the chunk manifest flags field.
const FlagDirectory = 64

// Kind distinguishes regular files from directory entries.
type Kind int

const (
	// KindRegular is a file with content.
	KindRegular Kind = iota
	// KindDirectory carries no content and no chunks.
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "regular"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Chunk is a compressed, content-addressed byte range of a file.
type Chunk struct {
	ID             string `json:"id"`
	MD5            string `json:"md5,omitempty"`
	Offset         int64  `json:"offset"`
	CompressedSize int64  `json:"compressed_size"`
	Size           int64  `json:"size"`
}

// File is one entry of a chunk manifest.
type File struct {
	Name   string  `json:"name"`
	Kind   Kind    `json:"kind"`
	Size   int64   `json:"size"`
	MD5    string  `json:"md5"`
	Chunks []Chunk `json:"chunks,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (f *File) IsDir() bool {
	return f.Kind == KindDirectory
}

// CompressedSize is the sum of the compressed sizes of all chunks.
func (f *File) CompressedSize() int64 {
	var total int64
	for _, c := range f.Chunks {
		total += c.CompressedSize
	}
	return total
}

// Manifest is a decoded chunk manifest.
type Manifest struct {
	Files []File `json:"files"`
}

// Lookup returns the entry with the given relative path.
func (m *Manifest) Lookup(name string) (*File, bool) {
	for i := range m.Files {
		if m.Files[i].Name == name {
			return &m.Files[i], true
		}
	}
	return nil, false
}

// DownloadSize sums the compressed chunk sizes of all files accepted by keep.
// A nil keep accepts every file.
func (m *Manifest) DownloadSize(keep func(*File) bool) int64 {
	var total int64
	for i := range m.Files {
		if keep != nil && !keep(&m.Files[i]) {
			continue
		}
		total += m.Files[i].CompressedSize()
	}
	return total
}

// PatchInfo locates a single file's patch inside a shared patch blob.
type PatchInfo struct {
	ID           string `json:"id"`
	Version      string `json:"version,omitempty"`
	BuildID      string `json:"build_id,omitempty"`
	BlobSize     int64  `json:"blob_size"`
	MD5          string `json:"md5,omitempty"`
	Offset       int64  `json:"offset"`
	Length       int64  `json:"length"`
	OriginalName string `json:"original_name,omitempty"`
	OriginalSize int64  `json:"original_size"`
	OriginalMD5  string `json:"original_md5"`
}

// DiffFile is one entry of a diff manifest. Patches is keyed by the source
// version the patch applies to.
type DiffFile struct {
	Name    string               `json:"name"`
	Size    int64                `json:"size"`
	MD5     string               `json:"md5"`
	Patches map[string]PatchInfo `json:"patches,omitempty"`
}

// IsNew reports whether no patch exists for any version, meaning the file
// was added in the target version.
func (f *DiffFile) IsNew() bool {
	return len(f.Patches) == 0
}

// PatchFor returns the patch for the given installed version.
func (f *DiffFile) PatchFor(version string) (PatchInfo, bool) {
	p, ok := f.Patches[version]
	return p, ok
}

// DeleteList maps a source version to the paths to remove after updating
// from that version.
type DeleteList map[string][]string

// DiffManifest is a decoded diff manifest.
type DiffManifest struct {
	Files   []DiffFile `json:"files"`
	Deletes DeleteList `json:"deletes,omitempty"`
}

// DeletesFor returns the paths to remove when updating from version.
func (m *DiffManifest) DeletesFor(version string) []string {
	return m.Deletes[version]
}

// PatchDownloadSize sums the sizes of the distinct patch blobs needed to
// update from version.
func (m *DiffManifest) PatchDownloadSize(version string) int64 {
	seen := make(map[string]bool)
	var total int64
	for i := range m.Files {
		p, ok := m.Files[i].PatchFor(version)
		if !ok || seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		total += p.BlobSize
	}
	return total
}

// Versions returns the source versions that have patches, sorted.
func (m *DiffManifest) Versions() []string {
	seen := make(map[string]bool)
	for i := range m.Files {
		for v := range m.Files[i].Patches {
			seen[v] = true
		}
	}
	versions := make([]string, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
