package server

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/install"
)

// InstalledInfo is the response of GET /api/game/installed_info.
type InstalledInfo struct {
	Installed   bool            `json:"installed"`
	GameDir     string          `json:"gamedir,omitempty"`
	Version     string          `json:"version,omitempty"`
	ReleaseType api.ReleaseType `json:"release_type,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type infoKey struct {
	dir  string
	game api.Game
}

// infoCache memoizes installation inspection. Entries are dropped when
// fsnotify reports a change in a watched game or data directory. Nothing is
// cached unless run is consuming watcher events.
type infoCache struct {
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	active  atomic.Bool

	mu      sync.Mutex
	entries map[infoKey]InstalledInfo
	// watched maps a watched directory to the game directory it belongs to.
	watched map[string]string
	// gen counts invalidations so results computed across one are not stored.
	gen uint64
}

func newInfoCache(logger *slog.Logger) *infoCache {
	c := &infoCache{
		logger:  logger,
		entries: make(map[infoKey]InstalledInfo),
		watched: make(map[string]string),
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file watcher unavailable, installed info is not cached", "error", err)
		return c
	}
	c.watcher = w
	return c
}

func (c *infoCache) get(gameDir string, game api.Game) InstalledInfo {
	gameDir = filepath.Clean(gameDir)
	key := infoKey{dir: gameDir, game: game}

	c.mu.Lock()
	info, ok := c.entries[key]
	gen := c.gen
	c.mu.Unlock()
	if ok {
		return info
	}

	info = inspect(gameDir, game, c.logger)
	if !info.Installed && info.Error == "" {
		return info
	}
	if c.active.Load() && c.watch(gameDir) {
		c.mu.Lock()
		if c.gen == gen {
			c.entries[key] = info
		}
		c.mu.Unlock()
	}
	return info
}

func inspect(gameDir string, game api.Game, logger *slog.Logger) InstalledInfo {
	if st, err := os.Stat(gameDir); err != nil || !st.IsDir() {
		return InstalledInfo{}
	}
	inst, err := install.Inspect(gameDir, game, install.Options{Logger: logger})
	if err != nil {
		return InstalledInfo{Error: err.Error()}
	}
	return InstalledInfo{
		Installed:   true,
		GameDir:     gameDir,
		Version:     inst.Version,
		ReleaseType: inst.Release,
	}
}

// watch registers gameDir and its data directory. It reports whether
// changes to gameDir will be observed.
func (c *infoCache) watch(gameDir string) bool {
	if c.watcher == nil {
		return false
	}
	dirs := []string{gameDir}
	if data, err := install.DataDir(gameDir); err == nil {
		dirs = append(dirs, filepath.Join(gameDir, data))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dir := range dirs {
		if _, ok := c.watched[dir]; ok {
			continue
		}
		if err := c.watcher.Add(dir); err != nil {
			c.logger.Debug("cannot watch directory", "dir", dir, "error", err)
			if dir == gameDir {
				return false
			}
			continue
		}
		c.watched[dir] = gameDir
	}
	return true
}

// run consumes watcher events until ctx is done.
func (c *infoCache) run(ctx context.Context) {
	if c.watcher == nil {
		return
	}
	c.active.Store(true)
	defer func() {
		c.active.Store(false)
		c.mu.Lock()
		clear(c.entries)
		c.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (c *infoCache) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	gameDir, ok := c.watched[filepath.Dir(event.Name)]
	if !ok {
		// A watched directory itself was removed or renamed.
		if gameDir, ok = c.watched[event.Name]; !ok {
			return
		}
	}
	// A new *_Data directory changes where the version is read from.
	if event.Op&fsnotify.Create == fsnotify.Create && filepath.Dir(event.Name) == gameDir {
		if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
			if err := c.watcher.Add(event.Name); err == nil {
				c.watched[event.Name] = gameDir
			}
		}
	}
	c.invalidateLocked(gameDir)
}

func (c *infoCache) invalidateLocked(gameDir string) {
	c.gen++
	for key := range c.entries {
		if key.dir == gameDir {
			delete(c.entries, key)
			c.logger.Debug("installed info invalidated", "gamedir", gameDir)
		}
	}
}

func (c *infoCache) close() {
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
}
