// Package fetch retrieves control files, manifests and content blobs.
//
// [Cache] keeps small control files (API responses, manifests) in a blob
// bucket and refreshes them once they are older than a freshness window.
// In force-cache mode it never touches the network.
//
// [Downloader] performs resumable downloads of chunk and diff blobs onto the
// local filesystem. A partial file is continued with an open-ended range
// request; a partial file larger than the expected size is discarded. Each
// blob gets a bounded number of attempts with a fixed backoff.
//
// Blobs come from a [Remote]: the CDN over HTTP, or a mirror bucket seeded by
// the mirror package.
package fetch
