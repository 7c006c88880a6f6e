package manifest

import (
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

// decoder is safe for concurrent DecodeAll calls.
var decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// ParseManifest decompresses and decodes a chunk manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	return UnmarshalManifest(raw)
}

// ParseDiffManifest decompresses and decodes a diff manifest.
func ParseDiffManifest(data []byte) (*DiffManifest, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
	}
	return UnmarshalDiffManifest(raw)
}

// UnmarshalManifest decodes an uncompressed chunk manifest.
func UnmarshalManifest(raw []byte) (*Manifest, error) {
	m := &Manifest{}
	err := walk(raw, func(f field) error {
		if f.num != 1 {
			return nil
		}
		if err := f.expect(protowire.BytesType); err != nil {
			return err
		}
		file, err := decodeFile(f.raw)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}

// UnmarshalDiffManifest decodes an uncompressed diff manifest.
func UnmarshalDiffManifest(raw []byte) (*DiffManifest, error) {
	m := &DiffManifest{Deletes: DeleteList{}}
	err := walk(raw, func(f field) error {
		switch f.num {
		case 1:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			file, err := decodeDiffFile(f.raw)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, file)
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			version, paths, err := decodeDeleteGroup(f.raw)
			if err != nil {
				return err
			}
			m.Deletes[version] = append(m.Deletes[version], paths...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return m, nil
}

func decodeFile(b []byte) (File, error) {
	var file File
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&file.Name)
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			c, err := decodeChunk(f.raw)
			if err != nil {
				return err
			}
			file.Chunks = append(file.Chunks, c)
		case 3:
			var flags int64
			if err := f.int(&flags); err != nil {
				return err
			}
			switch flags {
			case 0:
				file.Kind = KindRegular
			case FlagDirectory:
				file.Kind = KindDirectory
			default:
				return fmt.Errorf("file %q: unknown flags %d", file.Name, flags)
			}
		case 4:
			return f.int(&file.Size)
		case 5:
			return f.str(&file.MD5)
		}
		return nil
	})
	if err != nil {
		return File{}, err
	}
	if file.Name == "" {
		return File{}, fmt.Errorf("file entry without name")
	}
	return file, nil
}

func decodeChunk(b []byte) (Chunk, error) {
	var c Chunk
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&c.ID)
		case 2:
			return f.str(&c.MD5)
		case 3:
			return f.int(&c.Offset)
		case 4:
			return f.int(&c.CompressedSize)
		case 5:
			return f.int(&c.Size)
		}
		return nil
	})
	if err != nil {
		return Chunk{}, err
	}
	if c.ID == "" {
		return Chunk{}, fmt.Errorf("chunk without id")
	}
	return c, nil
}

func decodeDiffFile(b []byte) (DiffFile, error) {
	var file DiffFile
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&file.Name)
		case 2:
			return f.int(&file.Size)
		case 3:
			return f.str(&file.MD5)
		case 4:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			version, info, err := decodePatchEntry(f.raw)
			if err != nil {
				return err
			}
			if file.Patches == nil {
				file.Patches = make(map[string]PatchInfo)
			}
			file.Patches[version] = info
		}
		return nil
	})
	if err != nil {
		return DiffFile{}, err
	}
	if file.Name == "" {
		return DiffFile{}, fmt.Errorf("diff entry without name")
	}
	return file, nil
}

func decodePatchEntry(b []byte) (string, PatchInfo, error) {
	var version string
	var info PatchInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&version)
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			var err error
			info, err = decodePatchInfo(f.raw)
			return err
		}
		return nil
	})
	return version, info, err
}

func decodePatchInfo(b []byte) (PatchInfo, error) {
	var p PatchInfo
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&p.ID)
		case 2:
			return f.str(&p.Version)
		case 3:
			return f.str(&p.BuildID)
		case 4:
			return f.int(&p.BlobSize)
		case 5:
			return f.str(&p.MD5)
		case 6:
			return f.int(&p.Offset)
		case 7:
			return f.int(&p.Length)
		case 8:
			return f.str(&p.OriginalName)
		case 9:
			return f.int(&p.OriginalSize)
		case 10:
			return f.str(&p.OriginalMD5)
		}
		return nil
	})
	if err != nil {
		return PatchInfo{}, err
	}
	if p.ID == "" {
		return PatchInfo{}, fmt.Errorf("patch without id")
	}
	return p, nil
}

func decodeDeleteGroup(b []byte) (string, []string, error) {
	var version string
	var paths []string
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			return f.str(&version)
		case 2:
			if err := f.expect(protowire.BytesType); err != nil {
				return err
			}
			return walk(f.raw, func(entry field) error {
				if entry.num != 1 {
					return nil
				}
				if err := entry.expect(protowire.BytesType); err != nil {
					return err
				}
				var name string
				err := walk(entry.raw, func(g field) error {
					if g.num == 1 {
						return g.str(&name)
					}
					return nil
				})
				if err != nil {
					return err
				}
				if name != "" {
					paths = append(paths, name)
				}
				return nil
			})
		}
		return nil
	})
	return version, paths, err
}

type field struct {
	num protowire.Number
	typ protowire.Type
	raw []byte
	val uint64
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, typ)
	}
	return nil
}

func (f field) str(dst *string) error {
	if err := f.expect(protowire.BytesType); err != nil {
		return err
	}
	*dst = string(f.raw)
	return nil
}

func (f field) int(dst *int64) error {
	if err := f.expect(protowire.VarintType); err != nil {
		return err
	}
	if f.val > math.MaxInt64 {
		return fmt.Errorf("field %d: value %d out of range", f.num, f.val)
	}
	*dst = int64(f.val)
	return nil
}

// walk calls fn for every top-level field in b.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.val, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
