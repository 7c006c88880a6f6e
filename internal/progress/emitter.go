package progress

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures an Emitter.
type Options struct {
	// ChunkEvery publishes every Nth chunk_progress event.
	// Default: 20
	ChunkEvery int

	// CheckEvery publishes every Nth check_file event.
	// Default: 10
	CheckEvery int

	// SpeedInterval is how often the download speed is sampled.
	// Default: 10s
	SpeedInterval time.Duration
}

// Emitter publishes the events of one task. It is safe for concurrent use
// by pool workers.
type Emitter struct {
	taskID string
	sink   Sink
	opts   Options

	downloaded atomic.Int64
	total      atomic.Int64
	speedBits  atomic.Uint64
	chunks     atomic.Int64

	checked    atomic.Int64
	checkTotal atomic.Int64

	mu          sync.Mutex
	deleted     int
	deleteTotal int
	stopCh      chan struct{}
	stopped     bool
}

// NewEmitter creates an emitter for taskID.
func NewEmitter(taskID string, sink Sink, opts Options) *Emitter {
	if opts.ChunkEvery <= 0 {
		opts.ChunkEvery = 20
	}
	if opts.CheckEvery <= 0 {
		opts.CheckEvery = 10
	}
	if opts.SpeedInterval <= 0 {
		opts.SpeedInterval = 10 * time.Second
	}
	return &Emitter{taskID: taskID, sink: sink, opts: opts}
}

// TaskID returns the task the emitter reports for.
func (e *Emitter) TaskID() string {
	return e.taskID
}

func (e *Emitter) publish(ev Event) {
	e.sink.Publish(e.taskID, ev)
}

// Close stops speed sampling.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSamplerLocked()
	e.stopped = true
}

func (e *Emitter) JobStart()          { e.publish(JobStart{}) }
func (e *Emitter) JobEnd()            { e.publish(JobEnd{}) }
func (e *Emitter) JobError(err error) { e.publish(JobError{Error: err.Error()}) }

// DownloadSummary starts a chunk download phase.
func (e *Emitter) DownloadSummary(version string, size int64, files int, categories []string) {
	e.resetDownload(size)
	e.publish(DownloadSummary{
		GameVersion:        version,
		DownloadSize:       size,
		DownloadFileCount:  files,
		DownloadCategories: categories,
	})
}

// LdiffDownloadSummary starts a diff blob download phase.
func (e *Emitter) LdiffDownloadSummary(files int, size int64) {
	e.resetDownload(size)
	e.publish(LdiffDownloadSummary{LdiffFileCount: files, LdiffTotalSize: size})
}

func (e *Emitter) resetDownload(total int64) {
	e.downloaded.Store(0)
	e.total.Store(total)
	e.speedBits.Store(0)
	e.chunks.Store(0)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopSamplerLocked()
	e.stopCh = make(chan struct{})
	go e.sampleLoop(e.stopCh, time.Now())
}

func (e *Emitter) stopSamplerLocked() {
	if e.stopCh != nil {
		close(e.stopCh)
		e.stopCh = nil
	}
}

// sampleLoop periodically updates the download speed. Sampling starts from
// the reset counter at start.
func (e *Emitter) sampleLoop(stop <-chan struct{}, start time.Time) {
	ticker := time.NewTicker(e.opts.SpeedInterval)
	defer ticker.Stop()

	var last int64
	lastTime := start
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			current := e.downloaded.Load()
			elapsed := now.Sub(lastTime).Seconds()
			if elapsed < 0.1 {
				elapsed = 0.1
			}
			e.speedBits.Store(math.Float64bits(float64(current-last) / elapsed))
			last, lastTime = current, now
		}
	}
}

// Speed returns the last sampled download speed in bytes per second.
func (e *Emitter) Speed() float64 {
	return math.Float64frombits(e.speedBits.Load())
}

func (e *Emitter) overall() DownloadProgress {
	downloaded := e.downloaded.Load()
	total := e.total.Load()
	return DownloadProgress{
		DownloadedSize: downloaded,
		TotalSize:      total,
		OverallPercent: percent(downloaded, total),
		DownloadSpeed:  e.Speed(),
	}
}

// AddDownloaded counts raw bytes received outside of chunk accounting.
func (e *Emitter) AddDownloaded(n int64) {
	e.downloaded.Add(n)
}

// ChunkDownloaded records a written chunk of chunkSize compressed bytes and
// publishes every Nth one.
func (e *Emitter) ChunkDownloaded(file string, totalChunks, current int, currentByte, totalBytes, chunkSize int64) {
	e.downloaded.Add(chunkSize)
	if e.chunks.Add(1)%int64(e.opts.ChunkEvery) != 0 {
		return
	}
	e.publish(ChunkProgress{
		Filename:        file,
		TotalChunks:     totalChunks,
		CurrentChunk:    current,
		ProgressPercent: percent(currentByte, totalBytes),
		CurrentByte:     currentByte,
		TotalBytes:      totalBytes,
		ChunkSize:       chunkSize,
		OverallProgress: e.overall(),
	})
}

func (e *Emitter) FileDownloadStart(file string) {
	e.publish(FileDownloadStart{Filename: file})
}

func (e *Emitter) FileDownloadSkipped(file, reason string) {
	e.publish(FileDownloadSkipped{Filename: file, Reason: reason})
}

func (e *Emitter) FileDownloadComplete(file string, size int64) {
	e.publish(FileDownloadComplete{Filename: file, FileSize: size})
}

func (e *Emitter) FileDownloadError(file string, err error) {
	e.publish(FileDownloadError{Filename: file, Error: err.Error()})
}

// RepairSummary starts a verification phase.
func (e *Emitter) RepairSummary(mode string, total int) {
	e.checked.Store(0)
	e.checkTotal.Store(int64(total))
	e.publish(RepairSummary{RepairMode: mode, TotalFiles: total})
}

// CheckFile records a verified file and publishes every Nth one.
func (e *Emitter) CheckFile(file string, requiresRepair bool, reason string) {
	n := e.checked.Add(1)
	if n%int64(e.opts.CheckEvery) != 0 {
		return
	}
	total := e.checkTotal.Load()
	e.publish(CheckFile{
		Filename:       file,
		RequiresRepair: requiresRepair,
		Reason:         reason,
		OverallProgress: CheckProgress{
			TotalFiles:     int(total),
			CheckedFiles:   int(n),
			OverallPercent: percent(n, total),
		},
	})
}

// DeleteSummary starts a delete phase.
func (e *Emitter) DeleteSummary(total int, ldiff bool) {
	e.mu.Lock()
	e.deleted, e.deleteTotal = 0, total
	e.mu.Unlock()
	e.publish(DeleteFileSummary{TotalFiles: total, Ldiff: ldiff})
}

func (e *Emitter) DeleteFile(file string, ldiff bool) {
	e.mu.Lock()
	e.deleted++
	p := DeleteProgress{
		TotalFiles:     e.deleteTotal,
		DeletedFiles:   e.deleted,
		OverallPercent: percent(int64(e.deleted), int64(e.deleteTotal)),
	}
	e.mu.Unlock()
	e.publish(DeleteFile{Filename: file, OverallProgress: p, Ldiff: ldiff})
}

func (e *Emitter) LdiffDownloadStart(file string) {
	e.publish(LdiffDownloadStart{Filename: file})
}

func (e *Emitter) LdiffDownloadSkipped(file, reason string) {
	e.publish(LdiffDownloadSkipped{Filename: file, Reason: reason})
}

// LdiffDownloadComplete counts size towards the phase total.
func (e *Emitter) LdiffDownloadComplete(file string, size int64) {
	e.downloaded.Add(size)
	e.publish(LdiffDownloadComplete{Filename: file, FileSize: size, OverallProgress: e.overall()})
}

func (e *Emitter) LdiffDownloadError(file string, err error) {
	e.publish(LdiffDownloadError{Filename: file, Error: err.Error()})
}

func (e *Emitter) LdiffPatchStart(file string)    { e.publish(LdiffPatchStart{Filename: file}) }
func (e *Emitter) LdiffPatchComplete(file string) { e.publish(LdiffPatchComplete{Filename: file}) }

func (e *Emitter) LdiffPatchSkipped(file, reason string) {
	e.publish(LdiffPatchSkipped{Filename: file, Reason: reason})
}

func (e *Emitter) LdiffPatchError(file string, err error) {
	e.publish(LdiffPatchError{Filename: file, Error: err.Error()})
}

func percent(n, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
