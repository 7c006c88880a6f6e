// Package progress defines the task progress events and emits them.
//
// Every event is one of a closed set of structs implementing [Event]. On the
// wire an event is a flat JSON object carrying its type and task id next to
// its own fields:
//
//	{"type":"file_download_complete","task_id":"3f9c...","filename":"a.bin","file_size":1000}
//
// An [Emitter] is bound to one task and publishes to a [Sink]. It keeps the
// download counters, throttles high-volume events (every Nth chunk, every
// Nth checked file) and samples the download speed on a ticker while a
// download phase is active.
//
// # Usage
//
//	em := progress.NewEmitter(taskID, sink, progress.Options{})
//	defer em.Close()
//
//	em.DownloadSummary("5.1.0", size, files, []string{"game"})
//	em.ChunkDownloaded("a.bin", 2, 1, 600, 1000, 512)
//
// [Printer] is a Sink that renders events for a terminal.
package progress
