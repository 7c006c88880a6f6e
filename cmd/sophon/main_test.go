package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/config"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/mirror"
	"github.com/ligustah/sophon/pkg/manifest"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"explicit", withExitCode(ExitStorageError, errors.New("bucket")), ExitStorageError},
		{"cancelled", fmt.Errorf("install: %w", engine.ErrCancelled), ExitCancelled},
		{"context", context.Canceled, ExitCancelled},
		{"update required", fmt.Errorf("repair: %w", engine.ErrUpdateRequired), ExitUpdateRequired},
		{"up to date", engine.ErrUpToDate, ExitUpToDate},
		{"invalid request", fmt.Errorf("%w: gamedir is required", engine.ErrInvalidRequest), ExitInvalidArgs},
		{"verify", engine.ErrVerify, ExitValidationFailed},
		{"other", errors.New("boom"), ExitGeneralError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sophon.yaml")
	yaml := `
workers: 12
log_format: json
retry:
  backoff: 2s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	oldFile, oldLevel, oldFormat := cfgFile, logLevel, logFormat
	t.Cleanup(func() { cfgFile, logLevel, logFormat = oldFile, oldLevel, oldFormat })

	cfgFile = path
	logLevel = "debug"
	logFormat = ""
	t.Setenv("SOPHON_CPU_RESERVE", "2")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, want 12", cfg.Workers)
	}
	if cfg.Retry.Backoff != 2*time.Second {
		t.Errorf("Retry.Backoff = %v, want 2s", cfg.Retry.Backoff)
	}
	if cfg.CPUReserve != 2 {
		t.Errorf("CPUReserve = %d, want 2", cfg.CPUReserve)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want flag value debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json from file", cfg.LogFormat)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	oldFile := cfgFile
	t.Cleanup(func() { cfgFile = oldFile })

	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := loadConfig()
	if got := exitCode(err); got != ExitInvalidArgs {
		t.Errorf("missing file: exit code %d, want %d", got, ExitInvalidArgs)
	}

	cfgFile = ""
	t.Setenv("SOPHON_WORKERS", "many")
	_, err = loadConfig()
	if got := exitCode(err); got != ExitInvalidArgs {
		t.Errorf("bad env: exit code %d, want %d", got, ExitInvalidArgs)
	}
}

func TestSetupLogger(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	logger := setupLogger(cfg)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("error disabled at warn level")
	}
}

func TestBuildRequest(t *testing.T) {
	old := syncFlags
	t.Cleanup(func() { syncFlags = old })

	syncFlags.gameDir = "/games/genshin"
	syncFlags.game = "hk4e"
	syncFlags.category = engine.DefaultCategory
	syncFlags.release = "os"
	syncFlags.repairMode = "reliable"
	syncFlags.preDownload = true

	req, err := buildRequest(engine.KindInstall, "/tmp/staging")
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.Release != api.ReleaseOS || req.TempDir != "/tmp/staging" {
		t.Errorf("install request = %+v", req)
	}
	if req.PreDownload || req.RepairMode != "" {
		t.Errorf("install request carries update or repair fields: %+v", req)
	}

	req, err = buildRequest(engine.KindRepair, "")
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if req.RepairMode != engine.RepairReliable {
		t.Errorf("RepairMode = %q, want reliable", req.RepairMode)
	}

	syncFlags.game = "bh3"
	if _, err := buildRequest(engine.KindUpdate, ""); exitCode(err) != ExitInvalidArgs {
		t.Errorf("unsupported game: err = %v", err)
	}
}

func TestManifestDumpFromFile(t *testing.T) {
	m := &manifest.Manifest{Files: []manifest.File{{
		Name: "GenshinImpact.exe",
		Size: 10,
		MD5:  "0123456789abcdef0123456789abcdef",
		Chunks: []manifest.Chunk{{
			ID:             "chunk-a",
			MD5:            "fedcba9876543210fedcba9876543210",
			CompressedSize: 7,
			Size:           10,
		}},
	}}}
	path := filepath.Join(t.TempDir(), "manifest.zst")
	if err := os.WriteFile(path, manifest.Compress(manifest.MarshalManifest(m)), 0o644); err != nil {
		t.Fatal(err)
	}

	old := manifestFlags
	t.Cleanup(func() { manifestFlags = old })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"manifest", "dump", "--file", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("manifest dump: %v", err)
	}

	var got struct {
		Files []struct {
			Name   string `json:"name"`
			Kind   string `json:"kind"`
			Size   int64  `json:"size"`
			Chunks []struct {
				ID string `json:"id"`
			} `json:"chunks"`
		} `json:"files"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if len(got.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(got.Files))
	}
	f := got.Files[0]
	if f.Name != "GenshinImpact.exe" || f.Kind != "regular" || f.Size != 10 {
		t.Errorf("file = %+v", f)
	}
	if len(f.Chunks) != 1 || f.Chunks[0].ID != "chunk-a" {
		t.Errorf("chunks = %+v", f.Chunks)
	}
}

func TestPrintValidation(t *testing.T) {
	var out bytes.Buffer
	if err := printValidation(&out, &mirror.ValidationResult{Valid: true, Total: 3}); err != nil {
		t.Errorf("valid mirror: %v", err)
	}
	if !strings.Contains(out.String(), "Status: VALID") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	err := printValidation(&out, &mirror.ValidationResult{
		Total:   3,
		Missing: 1,
		Errors:  []string{"blob missing: chunks/a"},
	})
	if exitCode(err) != ExitValidationFailed {
		t.Errorf("exit code = %d, want %d", exitCode(err), ExitValidationFailed)
	}
	for _, want := range []string{"Status: INVALID", "Missing blobs: 1", "blob missing: chunks/a"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestWatchParent(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Fatal("own process reported dead")
	}

	// A child that exits immediately and has been reaped.
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run child: %v", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go watchParent(ctx, pid, 10*time.Millisecond, func() { close(exited) })

	select {
	case <-exited:
	case <-ctx.Done():
		t.Fatal("watchParent did not notice the exited process")
	}
}

func TestWatchParentStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watchParent(ctx, os.Getpid(), 10*time.Millisecond, func() { t.Error("onExit called for a live process") })
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchParent did not return after cancel")
	}
}
