// Package mirror copies chunk and patch blobs of a build into a gocloud
// bucket, so that installs can be served by fetch.BucketRemote instead of
// the CDN.
//
// # Usage
//
//	blobs := mirror.ChunkBlobs(m)
//	p := mirror.NewPublisher(fetch.HTTPRemote{Client: c}, bucket, mirror.Options{Prefix: "chunks/"})
//	stats, err := p.Publish(ctx, category.ChunkDownload, blobs)
//
// Objects are keyed by Prefix followed by the blob id. Objects already
// present with the declared size are skipped, so an interrupted publish can
// simply be run again.
//
// # Circuit Breaker
//
// Publishing stops once MaxConsecutiveFailures uploads fail in a row and
// returns a *CircuitBreakerError listing the failures. Isolated failures
// do not stop the run; they are reported through ErrIncomplete.
package mirror
