package progress

import (
	"fmt"
	"time"
)

const (
	kb = 1024
	mb = kb * 1024
	gb = mb * 1024
	tb = gb * 1024
)

// FormatBytes formats b as a human-readable size.
func FormatBytes(b int64) string {
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TB", float64(b)/tb)
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/gb)
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/mb)
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/kb)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// FormatDuration formats d as e.g. "1h 2m 3s".
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm %ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}

// eta estimates the remaining time of a download phase.
func eta(p DownloadProgress) string {
	if p.DownloadSpeed <= 0 {
		return "calculating..."
	}
	remaining := float64(p.TotalSize - p.DownloadedSize)
	if remaining < 0 {
		remaining = 0
	}
	return FormatDuration(time.Duration(remaining / p.DownloadSpeed * float64(time.Second)))
}
