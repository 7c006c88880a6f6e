// Package api talks to the Sophon control-plane: branch keys, build
// metadata and manifest blobs. All responses go through a fetch.Cache.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ligustah/sophon/internal/fetch"
)

var (
	// ErrBranchUnavailable is returned when the requested branch is not
	// published, typically a pre-download before it opens.
	ErrBranchUnavailable = errors.New("api: branch not available")

	// ErrUnsupported is returned for game and release type combinations
	// that have no launcher.
	ErrUnsupported = errors.New("api: unsupported game or release type")

	// ErrNoEndpoint is returned when no endpoint is configured for a call.
	ErrNoEndpoint = errors.New("api: no endpoint configured")

	// ErrResponse is returned when the server answers with a non-zero retcode.
	ErrResponse = errors.New("api: error response")
)

// ReleaseType is a distribution channel.
type ReleaseType string

const (
	ReleaseOS ReleaseType = "os"
	ReleaseCN ReleaseType = "cn"
	ReleaseBB ReleaseType = "bb"
)

// Game identifies a game family.
type Game string

const (
	GameHK4E  Game = "hk4e"
	GameNAP   Game = "nap"
	GameHKRPG Game = "hkrpg"
)

// Branch is "main" or "pre_download".
type Branch string

const (
	BranchMain        Branch = "main"
	BranchPreDownload Branch = "pre_download"
)

// Target selects what to query.
type Target struct {
	Game    Game
	Release ReleaseType
	Branch  Branch
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Game, t.Release, t.Branch)
}

// BranchInfo holds the keys for one branch.
type BranchInfo struct {
	PackageID string   `json:"package_id"`
	Branch    string   `json:"branch"`
	Password  string   `json:"password"`
	Tag       string   `json:"tag"`
	DiffTags  []string `json:"diff_tags"`
}

// Download is a blob location prefix.
type Download struct {
	URLPrefix string `json:"url_prefix"`
}

// URL returns the location of the blob with the given id.
func (d Download) URL(id string) string {
	return d.URLPrefix + "/" + id
}

// Category is one manifest entry of a build.
type Category struct {
	CategoryID    string `json:"category_id"`
	CategoryName  string `json:"category_name"`
	MatchingField string `json:"matching_field"`
	Manifest      struct {
		ID       string `json:"id"`
		Checksum string `json:"checksum"`
	} `json:"manifest"`
	ManifestDownload Download `json:"manifest_download"`
	ChunkDownload    Download `json:"chunk_download"`
	DiffDownload     Download `json:"diff_download"`
}

// Build is the response of getBuild and getPatchBuild.
type Build struct {
	BuildID   string     `json:"build_id"`
	Tag       string     `json:"tag"`
	Manifests []Category `json:"manifests"`
}

// Client is the control-plane interface the engine depends on.
type Client interface {
	Branch(ctx context.Context, t Target) (*BranchInfo, error)
	Build(ctx context.Context, t Target) (*Build, error)
	PatchBuild(ctx context.Context, t Target) (*Build, error)
	// Manifest returns the compressed manifest of a category.
	Manifest(ctx context.Context, c *Category) ([]byte, error)
}

// Endpoints are the hosts used per release type.
type Endpoints struct {
	ConnectOS    string `yaml:"connect_os"`
	ConnectCN    string `yaml:"connect_cn"`
	BuildOS      string `yaml:"build_os"`
	BuildCN      string `yaml:"build_cn"`
	PatchBuildOS string `yaml:"patch_build_os"`
	PatchBuildCN string `yaml:"patch_build_cn"`
}

// DefaultEndpoints returns the public endpoints. There is no known
// getPatchBuild host for cn and bb.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		ConnectOS:    "https://sg-hyp-api.hoyoverse.com/hyp/hyp-connect/api",
		ConnectCN:    "https://hyp-api.mihoyo.com/hyp/hyp-connect/api",
		BuildOS:      "https://sg-public-api.hoyoverse.com",
		BuildCN:      "https://api-takumi.mihoyo.com",
		PatchBuildOS: "https://sg-downloader-api.hoyoverse.com",
	}
}

type ids struct{ launcher, game string }

var launchers = map[ReleaseType]map[Game]ids{
	ReleaseOS: {
		GameNAP:   {"VYTpXlbWo8", "U5hbdsT9W7"},
		GameHK4E:  {"VYTpXlbWo8", "gopR6Cufr3"},
		GameHKRPG: {"VYTpXlbWo8", "4ziysqXOQ8"},
	},
	ReleaseCN: {
		GameNAP:   {"jGHBHlcOq1", "x6znKlJ0xK"},
		GameHK4E:  {"jGHBHlcOq1", "1Z8W5NHUQb"},
		GameHKRPG: {"jGHBHlcOq1", "64kMb5iAWu"},
	},
	ReleaseBB: {
		GameHK4E: {"umfgRO5gh5", "T2S0Gz4Dr2"},
	},
}

// LauncherIDs returns the launcher and game ids for a combination.
func LauncherIDs(game Game, rel ReleaseType) (launcherID, gameID string, err error) {
	id, ok := launchers[rel][game]
	if !ok {
		return "", "", fmt.Errorf("%w: %s/%s", ErrUnsupported, game, rel)
	}
	return id.launcher, id.game, nil
}

// HTTPClient implements Client over the public HTTP API.
type HTTPClient struct {
	cache     *fetch.Cache
	endpoints Endpoints
	logger    *slog.Logger
}

// NewHTTPClient creates a client that caches every response in cache.
func NewHTTPClient(cache *fetch.Cache, endpoints Endpoints, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{cache: cache, endpoints: endpoints, logger: logger}
}

type envelope struct {
	Retcode int             `json:"retcode"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Branch implements Client.
func (c *HTTPClient) Branch(ctx context.Context, t Target) (*BranchInfo, error) {
	launcherID, gameID, err := LauncherIDs(t.Game, t.Release)
	if err != nil {
		return nil, err
	}
	base := c.endpoints.ConnectCN
	if t.Release == ReleaseOS {
		base = c.endpoints.ConnectOS
	}
	if base == "" {
		return nil, fmt.Errorf("%w: getGameBranches for %s", ErrNoEndpoint, t.Release)
	}

	u := fmt.Sprintf("%s/getGameBranches?game_ids[]=%s&launcher_id=%s", base, gameID, launcherID)
	name := fmt.Sprintf("getGameBranches_%s_%s.json", t.Game, t.Release)

	var data struct {
		GameBranches []struct {
			Main        *BranchInfo `json:"main"`
			PreDownload *BranchInfo `json:"pre_download"`
		} `json:"game_branches"`
	}
	if err := c.loadJSON(ctx, name, fetch.StaticURL(u), nil, &data); err != nil {
		return nil, err
	}

	if len(data.GameBranches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBranchUnavailable, t)
	}
	var info *BranchInfo
	switch t.Branch {
	case BranchMain:
		info = data.GameBranches[0].Main
	case BranchPreDownload:
		info = data.GameBranches[0].PreDownload
	default:
		return nil, fmt.Errorf("%w: unknown branch %q", ErrUnsupported, t.Branch)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrBranchUnavailable, t)
	}
	c.logger.Debug("branch keys loaded", "target", t.String(), "tag", info.Tag)
	return info, nil
}

// Build implements Client.
func (c *HTTPClient) Build(ctx context.Context, t Target) (*Build, error) {
	host := c.endpoints.BuildCN
	if t.Release == ReleaseOS {
		host = c.endpoints.BuildOS
	}
	return c.build(ctx, t, "getBuild", host, nil)
}

// PatchBuild implements Client.
func (c *HTTPClient) PatchBuild(ctx context.Context, t Target) (*Build, error) {
	host := c.endpoints.PatchBuildCN
	if t.Release == ReleaseOS {
		host = c.endpoints.PatchBuildOS
	}
	// getPatchBuild only answers POST.
	return c.build(ctx, t, "getPatchBuild", host, []byte{})
}

func (c *HTTPClient) build(ctx context.Context, t Target, api, host string, body []byte) (*Build, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: %s for %s", ErrNoEndpoint, api, t.Release)
	}

	resolve := func(ctx context.Context) (string, error) {
		info, err := c.Branch(ctx, t)
		if err != nil {
			return "", err
		}
		q := url.Values{}
		q.Set("branch", info.Branch)
		q.Set("package_id", info.PackageID)
		q.Set("password", info.Password)
		return host + "/downloader/sophon_chunk/api/" + api + "?" + q.Encode(), nil
	}

	name := fmt.Sprintf("%s_%s_%s_%s.json", api, t.Game, t.Release, t.Branch)
	var b Build
	if err := c.loadJSON(ctx, name, resolve, body, &b); err != nil {
		return nil, err
	}
	c.logger.Debug("build loaded", "api", api, "target", t.String(), "tag", b.Tag, "categories", len(b.Manifests))
	return &b, nil
}

// Manifest implements Client.
func (c *HTTPClient) Manifest(ctx context.Context, cat *Category) ([]byte, error) {
	if cat.Manifest.ID == "" {
		return nil, fmt.Errorf("category %q has no manifest id", cat.MatchingField)
	}
	name := "manifests/" + cat.Manifest.ID + ".zstd"
	return c.cache.Load(ctx, name, fetch.StaticURL(cat.ManifestDownload.URL(cat.Manifest.ID)), nil)
}

func (c *HTTPClient) loadJSON(ctx context.Context, name string, u fetch.URLFunc, body []byte, v any) error {
	raw, err := c.cache.Load(ctx, name, u, body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		_ = c.cache.Invalidate(ctx, name)
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if env.Retcode != 0 {
		_ = c.cache.Invalidate(ctx, name)
		return fmt.Errorf("%w: %s: retcode %d (%s)", ErrResponse, name, env.Retcode, env.Message)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", name, err)
	}
	return nil
}
