package manifest

import (
	"sort"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

var encoder, _ = zstd.NewWriter(nil)

// Compress zstd-compresses a marshaled manifest.
func Compress(raw []byte) []byte {
	return encoder.EncodeAll(raw, nil)
}

// MarshalManifest encodes m without compression.
func MarshalManifest(m *Manifest) []byte {
	var b []byte
	for i := range m.Files {
		b = appendMessage(b, 1, encodeFile(&m.Files[i]))
	}
	return b
}

// MarshalDiffManifest encodes m without compression. Patch and delete
// versions are written in sorted order.
func MarshalDiffManifest(m *DiffManifest) []byte {
	var b []byte
	for i := range m.Files {
		b = appendMessage(b, 1, encodeDiffFile(&m.Files[i]))
	}
	for _, version := range sortedKeys(m.Deletes) {
		var entries []byte
		for _, name := range m.Deletes[version] {
			entries = appendMessage(entries, 1, appendString(nil, 1, name))
		}
		var group []byte
		group = appendString(group, 1, version)
		group = appendMessage(group, 2, entries)
		b = appendMessage(b, 2, group)
	}
	return b
}

func encodeFile(f *File) []byte {
	var b []byte
	b = appendString(b, 1, f.Name)
	for _, c := range f.Chunks {
		var cb []byte
		cb = appendString(cb, 1, c.ID)
		cb = appendString(cb, 2, c.MD5)
		cb = appendInt(cb, 3, c.Offset)
		cb = appendInt(cb, 4, c.CompressedSize)
		cb = appendInt(cb, 5, c.Size)
		b = appendMessage(b, 2, cb)
	}
	if f.Kind == KindDirectory {
		b = appendInt(b, 3, FlagDirectory)
	}
	b = appendInt(b, 4, f.Size)
	b = appendString(b, 5, f.MD5)
	return b
}

func encodeDiffFile(f *DiffFile) []byte {
	var b []byte
	b = appendString(b, 1, f.Name)
	b = appendInt(b, 2, f.Size)
	b = appendString(b, 3, f.MD5)
	for _, version := range sortedKeys(f.Patches) {
		p := f.Patches[version]
		var pb []byte
		pb = appendString(pb, 1, p.ID)
		pb = appendString(pb, 2, p.Version)
		pb = appendString(pb, 3, p.BuildID)
		pb = appendInt(pb, 4, p.BlobSize)
		pb = appendString(pb, 5, p.MD5)
		pb = appendInt(pb, 6, p.Offset)
		pb = appendInt(pb, 7, p.Length)
		pb = appendString(pb, 8, p.OriginalName)
		pb = appendInt(pb, 9, p.OriginalSize)
		pb = appendString(pb, 10, p.OriginalMD5)

		var entry []byte
		entry = appendString(entry, 1, version)
		entry = appendMessage(entry, 2, pb)
		b = appendMessage(b, 4, entry)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
