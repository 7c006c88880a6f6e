// Package engine is the sync orchestrator. It runs install, update and
// repair flows against a game directory.
//
// Every Run creates a session that resolves the release target and the
// installed version, fetches manifests through an api.Client, and then
// dispatches per-file work to a bounded worker pool:
//
//   - install assembles every file of the chunk manifest from chunks.
//   - update deletes obsolete files, patches files from diff blobs and
//     chunk-downloads new, missing or corrupt files.
//   - repair verifies every file (size, or size and MD5) and
//     chunk-downloads the ones that do not match.
//
// Cancellation is cooperative. Cancelling the context passed to Run stops
// dispatch; units that already started finish and partially written
// staging files are kept so the next run can resume.
//
// The config.ini version marker of an existing installation is only
// rewritten once a flow has verified its result.
package engine
