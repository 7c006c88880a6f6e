package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/pkg/manifest"
)

// buildSelector picks a build and one of its categories.
type buildSelector struct {
	game        string
	release     string
	category    string
	preDownload bool
	diff        bool
}

func (s *buildSelector) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&s.game, "game", "hk4e", "game (hk4e, nap, hkrpg)")
	f.StringVar(&s.release, "reltype", "os", "release type (os, cn, bb)")
	f.StringVar(&s.category, "category", engine.DefaultCategory, "manifest category")
	f.BoolVar(&s.preDownload, "predownload", false, "use the pre-download branch")
	f.BoolVar(&s.diff, "diff", false, "use the patch build and its diff manifest")
}

var manifestFlags struct {
	buildSelector
	file string
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect manifests",
}

var manifestDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Decode a chunk or diff manifest and print it as JSON",
	Long: `Dump decodes a manifest and prints it as JSON. The manifest is read from
--file (the compressed blob as served) or fetched for --game/--reltype.`,
	Args: cobra.NoArgs,
	RunE: runManifestDump,
}

func init() {
	manifestFlags.register(manifestDumpCmd)
	manifestDumpCmd.Flags().StringVar(&manifestFlags.file, "file", "", "compressed manifest file")
	manifestCmd.AddCommand(manifestDumpCmd)
}

func runManifestDump(cmd *cobra.Command, args []string) error {
	var raw []byte
	if manifestFlags.file != "" {
		data, err := os.ReadFile(manifestFlags.file)
		if err != nil {
			return withExitCode(ExitInvalidArgs, err)
		}
		raw = data
	} else {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		d, err := newDeps(ctx)
		if err != nil {
			return err
		}
		defer d.Close()

		_, cat, err := manifestFlags.resolve(ctx, d.api)
		if err != nil {
			return err
		}
		if raw, err = d.api.Manifest(ctx, cat); err != nil {
			return err
		}
	}

	var v any
	var err error
	if manifestFlags.diff {
		v, err = manifest.ParseDiffManifest(raw)
	} else {
		v, err = manifest.ParseManifest(raw)
	}
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), v)
}

// resolve fetches the selected build and category.
func (s *buildSelector) resolve(ctx context.Context, client api.Client) (*api.Build, *api.Category, error) {
	game, err := parseGame(s.game)
	if err != nil {
		return nil, nil, err
	}
	rel, err := parseRelease(s.release)
	if err != nil {
		return nil, nil, err
	}
	t := api.Target{Game: game, Release: rel, Branch: api.BranchMain}
	if s.preDownload {
		t.Branch = api.BranchPreDownload
	}

	var b *api.Build
	if s.diff {
		b, err = client.PatchBuild(ctx, t)
	} else {
		b, err = client.Build(ctx, t)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get build for %s: %w", t, err)
	}
	cat, err := engine.SelectCategory(b, s.category)
	if err != nil {
		return nil, nil, err
	}
	return b, cat, nil
}
