package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/progress"
)

var syncFlags struct {
	gameDir          string
	tempDir          string
	game             string
	category         string
	release          string
	preDownload      bool
	repairMode       string
	ignoreConditions bool
	version          string
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install a game into an empty directory",
	Long: `Install downloads every file of the selected category chunk by chunk,
verifies it and moves it into the game directory. Files already present with
the right size are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, engine.KindInstall)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update an installation to the latest version",
	Long: `Update removes files deleted upstream, patches changed files from diff
blobs and downloads new or unpatchable files. With --predownload only the
diff blobs of the next version are fetched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, engine.KindUpdate)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Verify an installation and redownload damaged files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, engine.KindRepair)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{installCmd, updateCmd, repairCmd} {
		f := cmd.Flags()
		f.StringVar(&syncFlags.gameDir, "gamedir", "", "game installation directory (required)")
		f.StringVar(&syncFlags.tempDir, "tempdir", "", "staging directory (default <gamedir>/.tmp)")
		f.StringVar(&syncFlags.game, "game", "hk4e", "game (hk4e, nap, hkrpg)")
		f.StringVar(&syncFlags.category, "category", engine.DefaultCategory, "manifest category")
		_ = cmd.MarkFlagRequired("gamedir")
	}
	installCmd.Flags().StringVar(&syncFlags.release, "reltype", "", "release type (os, cn, bb)")
	_ = installCmd.MarkFlagRequired("reltype")
	updateCmd.Flags().BoolVar(&syncFlags.preDownload, "predownload", false, "only fetch the diff blobs of the next version")
	repairCmd.Flags().StringVar(&syncFlags.repairMode, "mode", string(engine.RepairQuick), "repair mode (quick, reliable)")
	for _, cmd := range []*cobra.Command{installCmd, updateCmd, repairCmd} {
		cmd.Flags().BoolVar(&syncFlags.ignoreConditions, "ignore-conditions", false,
			"skip installation checks and trust --assume-version")
		cmd.Flags().StringVar(&syncFlags.version, "assume-version", "", "installed version to assume with --ignore-conditions")
	}
}

func buildRequest(kind engine.Kind, tempDir string) (engine.Request, error) {
	game, err := parseGame(syncFlags.game)
	if err != nil {
		return engine.Request{}, err
	}
	req := engine.Request{
		Kind:             kind,
		GameDir:          syncFlags.gameDir,
		TempDir:          syncFlags.tempDir,
		Game:             game,
		Category:         syncFlags.category,
		IgnoreConditions: syncFlags.ignoreConditions,
		Version:          syncFlags.version,
	}
	if req.TempDir == "" {
		req.TempDir = tempDir
	}
	switch kind {
	case engine.KindInstall:
		if req.Release, err = parseRelease(syncFlags.release); err != nil {
			return engine.Request{}, err
		}
	case engine.KindUpdate:
		req.PreDownload = syncFlags.preDownload
	case engine.KindRepair:
		req.RepairMode = engine.RepairMode(syncFlags.repairMode)
	}
	return req, nil
}

func runSync(cmd *cobra.Command, kind engine.Kind) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	d, err := newDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	req, err := buildRequest(kind, d.cfg.TempDir)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	em := progress.NewEmitter(id, progress.NewPrinter(cmd.OutOrStdout()), d.emitterOptions())
	defer em.Close()

	d.logger.Info("starting task", "task_id", id, "kind", string(kind), "gamedir", req.GameDir)
	if err := d.engine().Run(ctx, req, em); err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	return nil
}
