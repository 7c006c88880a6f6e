package patch

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Patcher produces out by applying patchFile to oldFile.
type Patcher interface {
	Patch(ctx context.Context, oldFile, patchFile, outFile string) error
}

// PatcherFunc adapts a function to Patcher.
type PatcherFunc func(ctx context.Context, oldFile, patchFile, outFile string) error

// Patch implements Patcher.
func (f PatcherFunc) Patch(ctx context.Context, oldFile, patchFile, outFile string) error {
	return f(ctx, oldFile, patchFile, outFile)
}

// HPatchz runs the hpatchz command line tool.
type HPatchz struct {
	// Binary is the executable name or path. Default: hpatchz
	Binary string
}

// Patch implements Patcher. Any output on stderr is treated as failure.
func (h HPatchz) Patch(ctx context.Context, oldFile, patchFile, outFile string) error {
	bin := h.Binary
	if bin == "" {
		bin = "hpatchz"
	}

	cmd := exec.CommandContext(ctx, bin, "-f", oldFile, patchFile, outFile)
	cmd.WaitDelay = time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := strings.TrimSpace(stderr.String())
	if err != nil {
		fe := &FailedError{Stderr: msg, ExitCode: -1, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fe.ExitCode = exitErr.ExitCode()
		}
		return fe
	}
	if msg != "" {
		return &FailedError{Stderr: msg}
	}
	return nil
}
