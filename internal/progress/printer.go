package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Printer is a Sink that writes a human-readable log of task events, used
// by the command line tools.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
	now   func() time.Time
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out, now: time.Now}
}

// Publish implements Sink.
func (p *Printer) Publish(taskID string, e Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := e.(type) {
	case JobStart:
		p.start = p.now()
	case DownloadSummary:
		p.printf("Version %s: %d files, %s to download\n",
			ev.GameVersion, ev.DownloadFileCount, FormatBytes(ev.DownloadSize))
	case LdiffDownloadSummary:
		p.printf("Patches: %d blobs, %s to download\n",
			ev.LdiffFileCount, FormatBytes(ev.LdiffTotalSize))
	case ChunkProgress:
		p.progress(ev.OverallProgress)
	case LdiffDownloadComplete:
		p.progress(ev.OverallProgress)
	case FileDownloadError:
		p.printf("\nFailed %s: %s\n", ev.Filename, ev.Error)
	case LdiffDownloadError:
		p.printf("\nFailed patch blob %s: %s\n", ev.Filename, ev.Error)
	case LdiffPatchError:
		p.printf("\nFailed to patch %s: %s\n", ev.Filename, ev.Error)
	case RepairSummary:
		p.printf("Verifying %d files (%s)\n", ev.TotalFiles, ev.RepairMode)
	case CheckFile:
		p.printf("\r[sophon] Verified: %.1f%% | %d / %d    ",
			ev.OverallProgress.OverallPercent, ev.OverallProgress.CheckedFiles, ev.OverallProgress.TotalFiles)
	case DeleteFileSummary:
		if ev.TotalFiles > 0 {
			p.printf("Removing %d files\n", ev.TotalFiles)
		}
	case JobError:
		p.printf("\nError: %s\n", ev.Error)
	case JobEnd:
		if !p.start.IsZero() {
			p.printf("\nTotal time: %s\n", FormatDuration(p.now().Sub(p.start)))
		}
	}
}

func (p *Printer) progress(d DownloadProgress) {
	p.printf("\r[sophon] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s    ",
		d.OverallPercent,
		FormatBytes(d.DownloadedSize),
		FormatBytes(d.TotalSize),
		FormatBytes(int64(d.DownloadSpeed)),
		eta(d),
	)
}

func (p *Printer) printf(format string, args ...any) {
	if len(format) > 0 && format[0] != '\r' && format[0] != '\n' {
		format = "[sophon] " + format
	}
	fmt.Fprintf(p.out, format, args...)
}
