package manifest

import (
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func sampleManifest() *Manifest {
	return &Manifest{Files: []File{
		{
			Name: "GenshinImpact_Data/data.unity3d",
			Size: 300,
			MD5:  "0123456789abcdef0123456789abcdef",
			Chunks: []Chunk{
				{ID: "c1_aa", MD5: "aa", Offset: 0, CompressedSize: 90, Size: 100},
				{ID: "c2_bb", MD5: "bb", Offset: 100, CompressedSize: 80, Size: 200},
			},
		},
		{Name: "GenshinImpact_Data/StreamingAssets", Kind: KindDirectory},
		{Name: "pkg_version", Size: 12, MD5: "ffff", Chunks: []Chunk{
			{ID: "c3_cc", Offset: 0, CompressedSize: 10, Size: 12},
		}},
	}}
}

func TestParseManifest(t *testing.T) {
	want := sampleManifest()
	data := Compress(MarshalManifest(want))

	got, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("manifest mismatch:\n got %+v\nwant %+v", got, want)
	}

	f, ok := got.Lookup("pkg_version")
	if !ok {
		t.Fatal("expected pkg_version entry")
	}
	if f.CompressedSize() != 10 {
		t.Errorf("expected compressed size 10, got %d", f.CompressedSize())
	}
	if !got.Files[1].IsDir() {
		t.Error("expected directory entry")
	}
	if total := got.DownloadSize(nil); total != 180 {
		t.Errorf("expected download size 180, got %d", total)
	}
	onlyRoot := func(f *File) bool { return f.Name == "pkg_version" }
	if total := got.DownloadSize(onlyRoot); total != 10 {
		t.Errorf("expected filtered download size 10, got %d", total)
	}
}

func TestParseManifestCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not zstd", []byte("definitely not a zstd frame")},
		{"truncated protobuf", Compress([]byte{0x0a, 0x10, 0x01})},
		{"wrong wire type", Compress(protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 7))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(tt.data)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("expected ErrCorrupt, got %v", err)
			}
		})
	}
}

func TestParseManifestUnknownFlags(t *testing.T) {
	var file []byte
	file = appendString(file, 1, "weird")
	file = appendInt(file, 3, 3)
	raw := appendMessage(nil, 1, file)

	_, err := ParseManifest(Compress(raw))
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestParseManifestRejectsOverflowingInts(t *testing.T) {
	var sized []byte
	sized = appendString(sized, 1, "a.bin")
	sized = protowire.AppendTag(sized, 4, protowire.VarintType)
	sized = protowire.AppendVarint(sized, ^uint64(0))
	if _, err := ParseManifest(Compress(appendMessage(nil, 1, sized))); !errors.Is(err, ErrCorrupt) {
		t.Errorf("size 2^64-1: expected ErrCorrupt, got %v", err)
	}

	var chunk []byte
	chunk = appendString(chunk, 1, "c1")
	chunk = protowire.AppendTag(chunk, 3, protowire.VarintType)
	chunk = protowire.AppendVarint(chunk, 1<<63)
	var file []byte
	file = appendString(file, 1, "a.bin")
	file = appendMessage(file, 2, chunk)
	if _, err := ParseManifest(Compress(appendMessage(nil, 1, file))); !errors.Is(err, ErrCorrupt) {
		t.Errorf("chunk offset 2^63: expected ErrCorrupt, got %v", err)
	}
}

func TestParseManifestSkipsUnknownFields(t *testing.T) {
	raw := MarshalManifest(sampleManifest())
	raw = protowire.AppendTag(raw, 9, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 42)

	got, err := ParseManifest(Compress(raw))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(got.Files) != 3 {
		t.Errorf("expected 3 files, got %d", len(got.Files))
	}
}

func TestParseDiffManifest(t *testing.T) {
	want := &DiffManifest{
		Files: []DiffFile{
			{
				Name: "a.bin",
				Size: 64,
				MD5:  "aaaa",
				Patches: map[string]PatchInfo{
					"5.0.0": {ID: "blob1", BlobSize: 1000, Offset: 10, Length: 20, OriginalName: "a.bin", OriginalSize: 60, OriginalMD5: "old1"},
					"5.1.0": {ID: "blob2", BlobSize: 500, Offset: 0, Length: 30, OriginalName: "a.bin", OriginalSize: 62, OriginalMD5: "old2"},
				},
			},
			{
				Name: "b.bin",
				Size: 32,
				MD5:  "bbbb",
				Patches: map[string]PatchInfo{
					"5.0.0": {ID: "blob1", BlobSize: 1000, Offset: 30, Length: 5},
				},
			},
			{Name: "new.bin", Size: 8, MD5: "cccc"},
		},
		Deletes: DeleteList{
			"5.0.0": {"old/one.bin", "old/two.bin"},
		},
	}

	got, err := ParseDiffManifest(Compress(MarshalDiffManifest(want)))
	if err != nil {
		t.Fatalf("ParseDiffManifest: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diff manifest mismatch:\n got %+v\nwant %+v", got, want)
	}

	if !got.Files[2].IsNew() {
		t.Error("expected new.bin to be new")
	}
	if _, ok := got.Files[1].PatchFor("5.1.0"); ok {
		t.Error("expected no patch for b.bin from 5.1.0")
	}
	if size := got.PatchDownloadSize("5.0.0"); size != 1000 {
		t.Errorf("expected shared blob counted once (1000), got %d", size)
	}
	if deletes := got.DeletesFor("5.1.0"); len(deletes) != 0 {
		t.Errorf("expected no deletes for 5.1.0, got %v", deletes)
	}
	if versions := got.Versions(); !reflect.DeepEqual(versions, []string{"5.0.0", "5.1.0"}) {
		t.Errorf("unexpected versions %v", versions)
	}
}

func TestParseDiffManifestCorrupt(t *testing.T) {
	_, err := ParseDiffManifest([]byte{0x28, 0xb5, 0x2f, 0xfd})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}
