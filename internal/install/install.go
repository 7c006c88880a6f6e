package install

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ligustah/sophon/internal/api"
)

// ConfigName is the installation's config file.
const ConfigName = "config.ini"

var (
	// ErrConfigCorrupt is returned when config.ini has no readable version marker.
	ErrConfigCorrupt = errors.New("install: config.ini is incomplete or corrupt")

	// ErrNoDataDir is returned when the game directory has no *_Data directory.
	ErrNoDataDir = errors.New("install: cannot determine game data directory")

	// ErrUnknownRelease is returned when the release type cannot be detected.
	ErrUnknownRelease = errors.New("install: cannot detect release type")

	// ErrVersionNotFound is returned when the game data has no version anchor.
	ErrVersionNotFound = errors.New("install: cannot detect installed version")

	// ErrNotEmpty is returned when installing into a populated directory.
	ErrNotEmpty = errors.New("install: install directory is not empty")

	// ErrInvalidVersion is returned for strings that are not MAJOR.MINOR.PATCH.
	ErrInvalidVersion = errors.New("install: invalid version")
)

var (
	hk4eVersion   = regexp.MustCompile(`\x00(\d+\.\d+\.\d+)_\d+_\d+\x00`)
	configVersion = regexp.MustCompile(`game_version=(\d+\.\d+\.\d+)`)
	napAnchor     = []byte("ic.app-category.")
)

// napLengthOffset is the distance from the nap anchor to the version length.
const napLengthOffset = 0xC4

// Installation describes an inspected game directory.
type Installation struct {
	Dir     string
	DataDir string
	Game    api.Game
	Release api.ReleaseType

	// Version is the reconciled installed version.
	Version string

	BinaryVersion string
	ConfigVersion string
}

// Options controls Inspect.
type Options struct {
	// IgnoreConditions trusts Version instead of reading the game data.
	IgnoreConditions bool
	Version          string

	Logger *slog.Logger
}

// Inspect detects the release type and installed version of gameDir.
func Inspect(gameDir string, game api.Game, opts Options) (*Installation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dataDir, err := DataDir(gameDir)
	if err != nil {
		return nil, err
	}
	inst := &Installation{Dir: gameDir, DataDir: dataDir, Game: game}

	inst.Release, err = DetectRelease(gameDir, dataDir, game)
	if err != nil {
		return nil, err
	}

	if opts.IgnoreConditions {
		if _, err := parseVersion(opts.Version); err != nil {
			return nil, err
		}
		inst.BinaryVersion = opts.Version
	} else {
		inst.BinaryVersion, err = DetectVersion(gameDir, dataDir, game)
		if err != nil {
			return nil, err
		}
	}
	inst.Version = inst.BinaryVersion

	cfg, err := ConfigVersion(gameDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("config.ini not found", "dir", gameDir)
		return inst, nil
	case err != nil:
		logger.Warn("cannot read config.ini version", "dir", gameDir, "error", err)
		return inst, nil
	}
	inst.ConfigVersion = cfg

	reconciled, err := Reconcile(inst.BinaryVersion, cfg)
	if err != nil {
		return nil, err
	}
	if reconciled != cfg {
		logger.Warn("config.ini documents a more recent version than the game data",
			"config_version", cfg, "binary_version", inst.BinaryVersion)
	}
	inst.Version = reconciled
	return inst, nil
}

// DataDir returns the name of the first *_Data directory in gameDir.
func DataDir(gameDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(gameDir, "*_Data"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			return filepath.Base(m), nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNoDataDir, gameDir)
}

// DetectRelease works out the release type of an installation.
func DetectRelease(gameDir, dataDir string, game api.Game) (api.ReleaseType, error) {
	switch game {
	case api.GameHK4E:
		if isFile(filepath.Join(gameDir, "GenshinImpact.exe")) {
			return api.ReleaseOS, nil
		}
		if isFile(filepath.Join(gameDir, "YuanShen.exe")) {
			if isFile(filepath.Join(gameDir, dataDir, "Plugins", "PCGameSDK.dll")) {
				return api.ReleaseBB, nil
			}
			return api.ReleaseCN, nil
		}
		return "", fmt.Errorf("%w: no game executable in %s", ErrUnknownRelease, gameDir)
	case api.GameNAP:
		data, err := os.ReadFile(filepath.Join(gameDir, ConfigName))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnknownRelease, err)
		}
		switch {
		case bytes.Contains(data, []byte("sub_channel=0")):
			return api.ReleaseOS, nil
		case bytes.Contains(data, []byte("sub_channel=1")):
			return api.ReleaseCN, nil
		}
		return "", fmt.Errorf("%w: config.ini in %s has no sub_channel", ErrUnknownRelease, gameDir)
	}
	return "", fmt.Errorf("%w: game %q", ErrUnknownRelease, game)
}

// DetectVersion reads the installed version from globalgamemanagers.
func DetectVersion(gameDir, dataDir string, game api.Game) (string, error) {
	data, err := os.ReadFile(filepath.Join(gameDir, dataDir, "globalgamemanagers"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVersionNotFound, err)
	}

	switch game {
	case api.GameHK4E:
		matches := hk4eVersion.FindAllSubmatch(data, -1)
		if len(matches) != 1 {
			return "", fmt.Errorf("%w: %d version anchors", ErrVersionNotFound, len(matches))
		}
		return string(matches[0][1]), nil
	case api.GameNAP:
		return napVersion(data)
	}
	return "", fmt.Errorf("%w: game %q", ErrVersionNotFound, game)
}

func napVersion(data []byte) (string, error) {
	idx := bytes.Index(data, napAnchor)
	if idx < 0 {
		return "", fmt.Errorf("%w: anchor not found", ErrVersionNotFound)
	}
	at := idx + napLengthOffset
	if at+4 > len(data) {
		return "", fmt.Errorf("%w: truncated", ErrVersionNotFound)
	}
	n := int(binary.LittleEndian.Uint32(data[at:]))
	if n <= 0 || at+4+n > len(data) {
		return "", fmt.Errorf("%w: bad length %d", ErrVersionNotFound, n)
	}
	raw := string(data[at+4 : at+4+n])
	version, _, _ := strings.Cut(raw, "_")
	if _, err := parseVersion(version); err != nil {
		return "", fmt.Errorf("%w: %q", ErrVersionNotFound, raw)
	}
	return version, nil
}

// ConfigVersion returns the game_version marker from config.ini. A missing
// file yields an fs.ErrNotExist error.
func ConfigVersion(gameDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(gameDir, ConfigName))
	if err != nil {
		return "", err
	}
	matches := configVersion.FindAllSubmatch(data, -1)
	if len(matches) != 1 {
		return "", ErrConfigCorrupt
	}
	return string(matches[0][1]), nil
}

// SetVersion rewrites the game_version marker in config.ini.
func SetVersion(gameDir, version string) error {
	if _, err := parseVersion(version); err != nil {
		return err
	}
	path := filepath.Join(gameDir, ConfigName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigCorrupt, err)
	}
	matches := configVersion.FindAllSubmatchIndex(data, -1)
	if len(matches) != 1 {
		return ErrConfigCorrupt
	}

	start, end := matches[0][2], matches[0][3]
	out := make([]byte, 0, len(data)+len(version))
	out = append(out, data[:start]...)
	out = append(out, version...)
	out = append(out, data[end:]...)
	return os.WriteFile(path, out, 0o644)
}

// Reconcile picks the lower of the binary and config versions.
func Reconcile(binaryVersion, configVersion string) (string, error) {
	cmp, err := CompareVersions(configVersion, binaryVersion)
	if err != nil {
		return "", err
	}
	if cmp > 0 {
		return binaryVersion, nil
	}
	return configVersion, nil
}

// CompareVersions returns -1, 0 or 1 as a is lower, equal or higher than b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, err
	}
	for i := range va {
		switch {
		case va[i] < vb[i]:
			return -1, nil
		case va[i] > vb[i]:
			return 1, nil
		}
	}
	return 0, nil
}

func parseVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("%w: %q", ErrInvalidVersion, v)
		}
		out[i] = n
	}
	return out, nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
