package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/install"
)

var infoFlags struct {
	gameDir     string
	game        string
	release     string
	preDownload bool
	json        bool
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the installed version and release type of a game directory",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Show the latest server version and the versions it can update from",
	Args:  cobra.NoArgs,
	RunE:  runOnline,
}

func init() {
	infoCmd.Flags().StringVar(&infoFlags.gameDir, "gamedir", "", "game installation directory (required)")
	_ = infoCmd.MarkFlagRequired("gamedir")

	onlineCmd.Flags().StringVar(&infoFlags.release, "reltype", "os", "release type (os, cn, bb)")
	onlineCmd.Flags().BoolVar(&infoFlags.preDownload, "predownload", false, "query the pre-download branch")

	for _, cmd := range []*cobra.Command{infoCmd, onlineCmd} {
		cmd.Flags().StringVar(&infoFlags.game, "game", "hk4e", "game (hk4e, nap, hkrpg)")
		cmd.Flags().BoolVar(&infoFlags.json, "json", false, "print JSON")
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	game, err := parseGame(infoFlags.game)
	if err != nil {
		return err
	}

	inst, err := install.Inspect(infoFlags.gameDir, game, install.Options{Logger: setupLogger(cfg)})
	if err != nil {
		return fmt.Errorf("inspect %s: %w", infoFlags.gameDir, err)
	}
	return printInstallation(cmd.OutOrStdout(), inst, infoFlags.json)
}

func printInstallation(w io.Writer, inst *install.Installation, asJSON bool) error {
	if asJSON {
		return writeJSON(w, map[string]any{
			"installed":    true,
			"gamedir":      inst.Dir,
			"version":      inst.Version,
			"release_type": inst.Release,
		})
	}
	fmt.Fprintf(w, "Directory: %s\n", inst.Dir)
	fmt.Fprintf(w, "Game:      %s (%s)\n", inst.Game, inst.Release)
	fmt.Fprintf(w, "Version:   %s\n", inst.Version)
	if inst.ConfigVersion != "" && inst.ConfigVersion != inst.BinaryVersion {
		fmt.Fprintf(w, "Note:      config.ini says %s, game data says %s\n", inst.ConfigVersion, inst.BinaryVersion)
	}
	return nil
}

func runOnline(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	d, err := newDeps(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	game, err := parseGame(infoFlags.game)
	if err != nil {
		return err
	}
	rel, err := parseRelease(infoFlags.release)
	if err != nil {
		return err
	}
	branch := api.BranchMain
	if infoFlags.preDownload {
		branch = api.BranchPreDownload
	}

	b, err := d.api.Branch(ctx, api.Target{Game: game, Release: rel, Branch: branch})
	if errors.Is(err, api.ErrBranchUnavailable) {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s branch is published for %s/%s.\n", branch, game, rel)
		return nil
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if infoFlags.json {
		return writeJSON(w, map[string]any{
			"version":            b.Tag,
			"updatable_versions": b.DiffTags,
			"release_type":       rel,
		})
	}
	fmt.Fprintf(w, "Version:        %s\n", b.Tag)
	fmt.Fprintf(w, "Updatable from: %s\n", strings.Join(b.DiffTags, ", "))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
