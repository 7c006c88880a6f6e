// Package http provides the HTTP transport used to reach the content API
// and the chunk/diff CDN.
//
// This package handles:
//   - Connection pooling for high parallelism
//   - GET and POST for JSON control files, retried with exponential backoff
//   - Open-ended range requests for resuming blob downloads
//
// Range opens are single-attempt: the fetch package owns the fixed-backoff
// retry policy for blobs and needs to see every individual failure.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//
//	// Control file
//	body, err := client.Get(ctx, url)
//	defer body.Close()
//
//	// Resume a blob from byte 4096
//	resp, err := client.OpenFrom(ctx, url, 4096)
//	if errors.Is(err, http.ErrRangeComplete) {
//	    // nothing left to fetch
//	}
package http
