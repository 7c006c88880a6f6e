// Package patch applies single-file windows of shared binary-diff blobs.
//
// A diff blob may carry the patches of many files; each file's patch is a
// byte window inside it. [Applier.Apply] extracts the window, runs the
// external patch capability ([Patcher], normally hpatchz) against the
// current file and replaces the file with the verified output.
//
// # Timeouts
//
// The first run gets ShortTimeout. If it times out the candidate output is
// discarded and the run is repeated once with LongTimeout; a second timeout
// returns [ErrTimeout]. A tool failure ([FailedError]) is never retried: it
// means the base file is not the one the patch was built against.
//
// # Verification
//
// A candidate whose size or MD5 differs from the expected values is not an
// error. Apply reports it through [Result].Mismatch so the caller can fall
// back to downloading the file's chunks.
package patch
