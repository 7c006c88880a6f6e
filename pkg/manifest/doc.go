// Package manifest decodes the manifests served by the Sophon content API.
//
// Two kinds of manifest exist:
//
//   - A chunk manifest ([Manifest]) lists every file of a content category
//     together with the compressed, content-addressed chunks it is built from.
//   - A diff manifest ([DiffManifest]) lists, per file, the binary patches that
//     turn an older installed version into the current one, plus the files that
//     must be removed when updating from a given version.
//
// Both arrive as zstd-compressed protobuf payloads. [ParseManifest] and
// [ParseDiffManifest] are deterministic and side-effect free; any decompression
// or structural failure is reported as [ErrCorrupt].
//
// # Wire Layout
//
//	Manifest      1: repeated File
//	File          1: name  2: repeated Chunk  3: flags  4: size  5: md5
//	Chunk         1: id  2: md5  3: offset  4: compressed size  5: size
//
//	DiffManifest  1: repeated DiffFile  2: repeated DeleteGroup
//	DiffFile      1: name  2: size  3: md5  4: repeated {1: version  2: PatchInfo}
//	PatchInfo     1: id  2: version  3: build  4: blob size  5: md5
//	              6: offset  7: length  8: original name  9: original size
//	              10: original md5
//	DeleteGroup   1: version  2: {1: repeated {1: name  2: size  3: md5}}
//
// Unknown fields are skipped. The Marshal functions produce the same layout
// and exist for tooling and tests.
package manifest
