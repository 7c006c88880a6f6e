package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/install"
	"github.com/ligustah/sophon/internal/progress"
	"github.com/ligustah/sophon/internal/task"
)

type syncerFunc func(ctx context.Context, req engine.Request, em *progress.Emitter) error

func (f syncerFunc) Run(ctx context.Context, req engine.Request, em *progress.Emitter) error {
	return f(ctx, req, em)
}

type fakeAPI struct {
	branch *api.BranchInfo
	err    error
}

func (f *fakeAPI) Branch(ctx context.Context, t api.Target) (*api.BranchInfo, error) {
	return f.branch, f.err
}

func (f *fakeAPI) Build(ctx context.Context, t api.Target) (*api.Build, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) PatchBuild(ctx context.Context, t api.Target) (*api.Build, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAPI) Manifest(ctx context.Context, c *api.Category) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, syncer Syncer, client api.Client) *Server {
	t.Helper()
	logger := testLogger()
	reg := task.NewRegistry(task.Options{Logger: logger})
	s := New(syncer, client, reg, Options{Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		s.info.close()
	})
	return s
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func waitStatus(t *testing.T, h http.Handler, id string, want task.Status) task.Info {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := do(t, h, http.MethodGet, "/api/tasks/"+id+"/status", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status: got %d", rec.Code)
		}
		info := decode[task.Info](t, rec)
		if info.Status == want {
			return info
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s: status %s, want %s", id, info.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInstallTask(t *testing.T) {
	var (
		mu  sync.Mutex
		got engine.Request
	)
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		mu.Lock()
		got = req
		mu.Unlock()
		return nil
	})
	h := newTestServer(t, syncer, &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/install", `{"gamedir":"/games/gi","install_reltype":"os"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[TaskResponse](t, rec)
	if resp.TaskID == "" || resp.Status != task.StatusPending || resp.Message != "Installation started" {
		t.Fatalf("unexpected response %+v", resp)
	}

	waitStatus(t, h, resp.TaskID, task.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := engine.Request{Kind: engine.KindInstall, GameDir: "/games/gi", Game: api.GameHK4E, Release: api.ReleaseOS}
	if got != want {
		t.Errorf("request: got %+v, want %+v", got, want)
	}
}

func TestUpdateAndRepairRequests(t *testing.T) {
	reqs := make(chan engine.Request, 2)
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		reqs <- req
		return nil
	})
	h := newTestServer(t, syncer, &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/update", `{"gamedir":"/g","tempdir":"/t","game_type":"nap","predownload":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("update: got %d", rec.Code)
	}
	got := <-reqs
	if got.Kind != engine.KindUpdate || !got.PreDownload || got.TempDir != "/t" || got.Game != api.GameNAP {
		t.Errorf("update request: %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/api/repair", `{"gamedir":"/g","repair_mode":"reliable"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("repair: got %d", rec.Code)
	}
	if msg := decode[TaskResponse](t, rec).Message; msg != "Repair started" {
		t.Errorf("unexpected message %q", msg)
	}
	got = <-reqs
	if got.Kind != engine.KindRepair || got.RepairMode != engine.RepairReliable {
		t.Errorf("repair request: %+v", got)
	}
}

func TestRejectsInvalidRequests(t *testing.T) {
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		t.Error("syncer must not run")
		return nil
	})
	h := newTestServer(t, syncer, &fakeAPI{}).Handler()

	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/api/install", `{"gamedir":`},
		{"missing gamedir", "/api/update", `{}`},
		{"missing release", "/api/install", `{"gamedir":"/g"}`},
		{"unknown release", "/api/install", `{"gamedir":"/g","install_reltype":"jp"}`},
		{"unknown game", "/api/update", `{"gamedir":"/g","game_type":"bh3"}`},
		{"unknown repair mode", "/api/repair", `{"gamedir":"/g","repair_mode":"thorough"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if decode[errorResponse](t, rec).Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestFailedTaskStatus(t *testing.T) {
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		return engine.ErrUpdateRequired
	})
	h := newTestServer(t, syncer, &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/repair", `{"gamedir":"/g"}`)
	id := decode[TaskResponse](t, rec).TaskID

	info := waitStatus(t, h, id, task.StatusFailed)
	if info.Error != engine.ErrUpdateRequired.Error() {
		t.Errorf("unexpected error %q", info.Error)
	}

	rec = do(t, h, http.MethodGet, "/api/tasks", "")
	if list := decode[[]task.Info](t, rec); len(list) != 1 || list[0].ID != id {
		t.Errorf("unexpected task list %+v", list)
	}
}

func TestUnknownTask(t *testing.T) {
	h := newTestServer(t, syncerFunc(nil), &fakeAPI{}).Handler()

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		target := "/api/tasks/nope"
		if method == http.MethodGet {
			target += "/status"
		}
		rec := do(t, h, method, target, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", method, rec.Code)
		}
	}
	if rec := do(t, h, http.MethodGet, "/ws/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("ws: expected 404, got %d", rec.Code)
	}
}

func TestCancelTask(t *testing.T) {
	started := make(chan struct{})
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		close(started)
		<-ctx.Done()
		return engine.ErrCancelled
	})
	h := newTestServer(t, syncer, &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodPost, "/api/update", `{"gamedir":"/g"}`)
	id := decode[TaskResponse](t, rec).TaskID
	<-started

	rec = do(t, h, http.MethodDelete, "/api/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d", rec.Code)
	}
	waitStatus(t, h, id, task.StatusCancelled)
}

func TestOnlineInfo(t *testing.T) {
	client := &fakeAPI{branch: &api.BranchInfo{Tag: "5.1.0", DiffTags: []string{"5.0.0", "4.8.0"}}}
	h := newTestServer(t, syncerFunc(nil), client).Handler()

	rec := do(t, h, http.MethodGet, "/api/game/online_info?reltype=os&game=hk4e", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	info := decode[OnlineInfo](t, rec)
	if info.Version != "5.1.0" || len(info.UpdatableVersions) != 2 || info.ReleaseType != api.ReleaseOS {
		t.Errorf("unexpected info %+v", info)
	}

	client.branch, client.err = nil, api.ErrBranchUnavailable
	rec = do(t, h, http.MethodGet, "/api/game/online_info?reltype=os&game=hk4e&predownload=true", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unavailable branch: expected 404, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/game/online_info?reltype=xx&game=hk4e", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad release: expected 400, got %d", rec.Code)
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func hk4eInstall(t *testing.T, version string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "GenshinImpact.exe"), "MZ")
	setGameVersion(t, dir, version)
	return dir
}

func setGameVersion(t *testing.T, dir, version string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "GenshinImpact_Data", "globalgamemanagers"), "x\x00"+version+"_1_2\x00y")
	if err := install.SetVersion(dir, version); err != nil {
		tmpl, terr := install.Template(api.GameHK4E, api.ReleaseOS)
		if terr != nil {
			t.Fatal(terr)
		}
		writeFile(t, filepath.Join(dir, install.ConfigName), strings.Replace(tmpl, "0.0.0", version, 1))
	}
}

func TestInstalledInfo(t *testing.T) {
	h := newTestServer(t, syncerFunc(nil), &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/game/installed_info?gamedir="+filepath.Join(t.TempDir(), "missing"), "")
	if info := decode[InstalledInfo](t, rec); info.Installed {
		t.Errorf("missing directory reported as installed: %+v", info)
	}

	dir := hk4eInstall(t, "5.0.0")
	rec = do(t, h, http.MethodGet, "/api/game/installed_info?game_type=hk4e&gamedir="+dir, "")
	info := decode[InstalledInfo](t, rec)
	want := InstalledInfo{Installed: true, GameDir: dir, Version: "5.0.0", ReleaseType: api.ReleaseOS}
	if info != want {
		t.Errorf("got %+v, want %+v", info, want)
	}

	rec = do(t, h, http.MethodGet, "/api/game/installed_info?gamedir="+t.TempDir(), "")
	if info := decode[InstalledInfo](t, rec); info.Installed || info.Error == "" {
		t.Errorf("empty directory: expected an error, got %+v", info)
	}
}

func TestInstalledInfoCacheInvalidation(t *testing.T) {
	s := newTestServer(t, syncerFunc(nil), &fakeAPI{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.info.run(ctx)
	for !s.info.active.Load() {
		time.Sleep(time.Millisecond)
	}

	dir := hk4eInstall(t, "5.0.0")
	if v := s.info.get(dir, api.GameHK4E).Version; v != "5.0.0" {
		t.Fatalf("expected 5.0.0, got %s", v)
	}
	s.info.mu.Lock()
	_, cached := s.info.entries[infoKey{dir: dir, game: api.GameHK4E}]
	s.info.mu.Unlock()
	if !cached {
		t.Fatal("expected the result to be cached")
	}

	setGameVersion(t, dir, "5.1.0")

	deadline := time.Now().Add(5 * time.Second)
	for s.info.get(dir, api.GameHK4E).Version != "5.1.0" {
		if time.Now().After(deadline) {
			t.Fatal("cache was not invalidated after the installation changed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEventStream(t *testing.T) {
	release := make(chan struct{})
	syncer := syncerFunc(func(ctx context.Context, req engine.Request, em *progress.Emitter) error {
		<-release
		em.JobStart()
		em.JobEnd()
		return nil
	})
	s := newTestServer(t, syncer, &fakeAPI{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/repair", "application/json", bytes.NewBufferString(`{"gamedir":"/g"}`))
	if err != nil {
		t.Fatal(err)
	}
	var tr TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/"+tr.TaskID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	close(release)

	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		var ev struct {
			Type   string `json:"type"`
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.TaskID != tr.TaskID {
			t.Errorf("event for task %q", ev.TaskID)
		}
		types = append(types, ev.Type)
	}

	if got := strings.Join(types, ","); got != "job_start,job_end,completed" {
		t.Errorf("unexpected events %s", got)
	}
}

func TestHealthAndCORS(t *testing.T) {
	h := newTestServer(t, syncerFunc(nil), &fakeAPI{}).Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["status"] != "healthy" {
		t.Errorf("unexpected health response %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	rec = do(t, h, http.MethodOptions, "/api/install", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", rec.Code)
	}
}

func TestStartShutdown(t *testing.T) {
	s := newTestServer(t, syncerFunc(nil), &fakeAPI{})
	s.opts.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
