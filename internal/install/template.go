package install

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ligustah/sophon/internal/api"
)

type channel struct {
	channel    int
	cps        string
	subChannel int
}

var templates = map[api.Game]map[api.ReleaseType]channel{
	api.GameHK4E: {
		api.ReleaseOS: {1, "mihoyo", 0},
		api.ReleaseCN: {1, "mihoyo", 1},
		api.ReleaseBB: {14, "bilibili", 0},
	},
	api.GameNAP: {
		api.ReleaseOS: {1, "mihoyo", 0},
		api.ReleaseCN: {1, "mihoyo", 1},
	},
}

// Template returns the initial config.ini for a new installation.
func Template(game api.Game, rel api.ReleaseType) (string, error) {
	c, ok := templates[game][rel]
	if !ok {
		return "", fmt.Errorf("%w: no config template for %s/%s", api.ErrUnsupported, game, rel)
	}
	return fmt.Sprintf("[General]\r\nchannel=%d\r\ncps=%s\r\ngame_version=0.0.0\r\nsdk_version=\r\nsub_channel=%d\r\n",
		c.channel, c.cps, c.subChannel), nil
}

// Prepare creates gameDir for a fresh install and writes config.ini. Unless
// ignoreConditions is set the directory may hold at most one entry.
func Prepare(gameDir string, game api.Game, rel api.ReleaseType, ignoreConditions bool) error {
	tmpl, err := Template(game, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return fmt.Errorf("create game directory: %w", err)
	}
	if !ignoreConditions {
		entries, err := os.ReadDir(gameDir)
		if err != nil {
			return err
		}
		if len(entries) > 1 {
			return fmt.Errorf("%w: %s", ErrNotEmpty, gameDir)
		}
	}
	return os.WriteFile(filepath.Join(gameDir, ConfigName), []byte(tmpl), 0o644)
}
