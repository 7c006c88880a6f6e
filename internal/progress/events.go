package progress

import (
	"encoding/json"
	"fmt"
)

// Event is a progress message.
type Event interface {
	Type() string
}

// Sink receives the events of all tasks.
type Sink interface {
	Publish(taskID string, e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(taskID string, e Event)

// Publish implements Sink.
func (f SinkFunc) Publish(taskID string, e Event) { f(taskID, e) }

// Marshal encodes e with its type and task id.
func Marshal(taskID string, e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("event %s does not encode to an object", e.Type())
	}

	head, err := json.Marshal(struct {
		Type   string `json:"type"`
		TaskID string `json:"task_id"`
	}{e.Type(), taskID})
	if err != nil {
		return nil, err
	}

	if len(body) == 2 {
		return head, nil
	}
	out := append(head[:len(head)-1], ',')
	return append(out, body[1:]...), nil
}

type JobStart struct{}

type JobEnd struct{}

type JobError struct {
	Error string `json:"error"`
}

type DownloadSummary struct {
	GameVersion        string   `json:"game_version"`
	DownloadSize       int64    `json:"download_size"`
	DownloadFileCount  int      `json:"download_file_count"`
	DownloadCategories []string `json:"download_categories"`
}

// DownloadProgress is the running total of a download phase. DownloadSpeed
// is in bytes per second.
type DownloadProgress struct {
	DownloadedSize int64   `json:"downloaded_size"`
	TotalSize      int64   `json:"total_size"`
	OverallPercent float64 `json:"overall_percent"`
	DownloadSpeed  float64 `json:"download_speed"`
}

type ChunkProgress struct {
	Filename        string           `json:"filename"`
	TotalChunks     int              `json:"total_chunks"`
	CurrentChunk    int              `json:"current_chunk"`
	ProgressPercent float64          `json:"progress_percent"`
	CurrentByte     int64            `json:"current_byte"`
	TotalBytes      int64            `json:"total_bytes"`
	ChunkSize       int64            `json:"chunk_size"`
	OverallProgress DownloadProgress `json:"overall_progress"`
}

type FileDownloadStart struct {
	Filename string `json:"filename"`
}

type FileDownloadSkipped struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type FileDownloadComplete struct {
	Filename string `json:"filename"`
	FileSize int64  `json:"file_size"`
}

type FileDownloadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type RepairSummary struct {
	RepairMode string `json:"repair_mode"`
	TotalFiles int    `json:"total_files"`
}

type CheckProgress struct {
	TotalFiles     int     `json:"total_files"`
	CheckedFiles   int     `json:"checked_files"`
	OverallPercent float64 `json:"overall_percent"`
}

type CheckFile struct {
	Filename        string        `json:"filename"`
	RequiresRepair  bool          `json:"requires_repair"`
	Reason          string        `json:"reason"`
	OverallProgress CheckProgress `json:"overall_progress"`
}

// DeleteFileSummary starts a delete phase; Ldiff selects the diff blob
// cleanup variant.
type DeleteFileSummary struct {
	TotalFiles int  `json:"total_files"`
	Ldiff      bool `json:"-"`
}

type DeleteProgress struct {
	TotalFiles     int     `json:"total_files"`
	DeletedFiles   int     `json:"deleted_files"`
	OverallPercent float64 `json:"overall_percent"`
}

type DeleteFile struct {
	Filename        string         `json:"filename"`
	OverallProgress DeleteProgress `json:"overall_progress"`
	Ldiff           bool           `json:"-"`
}

type LdiffDownloadSummary struct {
	LdiffFileCount int   `json:"ldiff_file_count"`
	LdiffTotalSize int64 `json:"ldiff_total_size"`
}

type LdiffDownloadStart struct {
	Filename string `json:"filename"`
}

type LdiffDownloadSkipped struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type LdiffDownloadComplete struct {
	Filename        string           `json:"filename"`
	FileSize        int64            `json:"file_size"`
	OverallProgress DownloadProgress `json:"overall_progress"`
}

type LdiffDownloadError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type LdiffPatchStart struct {
	Filename string `json:"filename"`
}

type LdiffPatchComplete struct {
	Filename string `json:"filename"`
}

type LdiffPatchSkipped struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type LdiffPatchError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// Completed, Failed and Cancelled are the terminal task events.
type Completed struct{}

type Failed struct {
	Error string `json:"error"`
}

type Cancelled struct{}

func (JobStart) Type() string              { return "job_start" }
func (JobEnd) Type() string                { return "job_end" }
func (JobError) Type() string              { return "job_error" }
func (DownloadSummary) Type() string       { return "download_summary" }
func (ChunkProgress) Type() string         { return "chunk_progress" }
func (FileDownloadStart) Type() string     { return "file_download_start" }
func (FileDownloadSkipped) Type() string   { return "file_download_skipped" }
func (FileDownloadComplete) Type() string  { return "file_download_complete" }
func (FileDownloadError) Type() string     { return "file_download_error" }
func (RepairSummary) Type() string         { return "repair_summary" }
func (CheckFile) Type() string             { return "check_file" }
func (LdiffDownloadSummary) Type() string  { return "ldiff_download_summary" }
func (LdiffDownloadStart) Type() string    { return "ldiff_download_start" }
func (LdiffDownloadSkipped) Type() string  { return "ldiff_download_skipped" }
func (LdiffDownloadComplete) Type() string { return "ldiff_download_complete" }
func (LdiffDownloadError) Type() string    { return "ldiff_download_error" }
func (LdiffPatchStart) Type() string       { return "ldiff_patch_start" }
func (LdiffPatchComplete) Type() string    { return "ldiff_patch_complete" }
func (LdiffPatchSkipped) Type() string     { return "ldiff_patch_skipped" }
func (LdiffPatchError) Type() string       { return "ldiff_patch_error" }
func (Completed) Type() string             { return "completed" }
func (Failed) Type() string                { return "error" }
func (Cancelled) Type() string             { return "cancelled" }

func (e DeleteFileSummary) Type() string {
	if e.Ldiff {
		return "delete_ldiff_file_summary"
	}
	return "delete_file_summary"
}

func (e DeleteFile) Type() string {
	if e.Ldiff {
		return "delete_ldiff_file"
	}
	return "delete_file"
}
