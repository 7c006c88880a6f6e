package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ligustah/sophon/internal/api"
	"github.com/ligustah/sophon/internal/engine"
	"github.com/ligustah/sophon/internal/progress"
	"github.com/ligustah/sophon/internal/task"
)

const maxBodySize = 1 << 20

type baseRequest struct {
	GameDir  string `json:"gamedir"`
	TempDir  string `json:"tempdir,omitempty"`
	GameType string `json:"game_type,omitempty"`
}

// InstallRequest is the body of POST /api/install.
type InstallRequest struct {
	baseRequest
	InstallRelType string `json:"install_reltype"`
}

// UpdateRequest is the body of POST /api/update.
type UpdateRequest struct {
	baseRequest
	PreDownload bool `json:"predownload"`
}

// RepairRequest is the body of POST /api/repair.
type RepairRequest struct {
	baseRequest
	RepairMode string `json:"repair_mode"`
}

// TaskResponse acknowledges a started task.
type TaskResponse struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

// OnlineInfo is the response of GET /api/game/online_info.
type OnlineInfo struct {
	Version           string          `json:"version"`
	UpdatableVersions []string        `json:"updatable_versions"`
	ReleaseType       api.ReleaseType `json:"release_type"`
}

func (b baseRequest) engineRequest(kind engine.Kind) (engine.Request, error) {
	if b.GameDir == "" {
		return engine.Request{}, errors.New("gamedir is required")
	}
	game, err := parseGame(b.GameType)
	if err != nil {
		return engine.Request{}, err
	}
	return engine.Request{Kind: kind, GameDir: b.GameDir, TempDir: b.TempDir, Game: game}, nil
}

func parseGame(s string) (api.Game, error) {
	switch g := api.Game(s); g {
	case "":
		return api.GameHK4E, nil
	case api.GameHK4E, api.GameNAP, api.GameHKRPG:
		return g, nil
	default:
		return "", fmt.Errorf("unsupported game_type %q", s)
	}
}

func parseRelease(s string) (api.ReleaseType, error) {
	switch r := api.ReleaseType(s); r {
	case api.ReleaseOS, api.ReleaseCN, api.ReleaseBB:
		return r, nil
	default:
		return "", fmt.Errorf("unsupported release type %q", s)
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body InstallRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.engineRequest(engine.KindInstall)
	if err == nil {
		req.Release, err = parseRelease(body.InstallRelType)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.startTask(w, req, "Installation started")
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body UpdateRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.engineRequest(engine.KindUpdate)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.PreDownload = body.PreDownload
	s.startTask(w, req, "Update started")
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	var body RepairRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := body.engineRequest(engine.KindRepair)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch mode := engine.RepairMode(body.RepairMode); mode {
	case "", engine.RepairQuick:
		req.RepairMode = engine.RepairQuick
	case engine.RepairReliable:
		req.RepairMode = mode
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported repair_mode %q", body.RepairMode))
		return
	}
	s.startTask(w, req, "Repair started")
}

// startTask runs req detached from the HTTP request.
func (s *Server) startTask(w http.ResponseWriter, req engine.Request, msg string) {
	id := s.registry.Start(context.Background(), string(req.Kind), func(ctx context.Context, em *progress.Emitter) error {
		return s.syncer.Run(ctx, req, em)
	})
	s.logger.Info("accepted task", "task_id", id, "kind", string(req.Kind), "gamedir", req.GameDir)
	s.writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: id, Status: task.StatusPending, Message: msg})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Cancel(id); errors.Is(err, task.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Task %s cancelled", id)})
}

func (s *Server) handleInstalledInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gameDir := q.Get("gamedir")
	if gameDir == "" {
		s.writeError(w, http.StatusBadRequest, "gamedir is required")
		return
	}
	game, err := parseGame(q.Get("game_type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.info.get(gameDir, game))
}

func (s *Server) handleOnlineInfo(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	game, err := parseGame(q.Get("game"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rel, err := parseRelease(q.Get("reltype"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	branch := api.BranchMain
	if q.Get("predownload") == "true" {
		branch = api.BranchPreDownload
	}

	b, err := s.api.Branch(r.Context(), api.Target{Game: game, Release: rel, Branch: branch})
	switch {
	case errors.Is(err, api.ErrBranchUnavailable):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, api.ErrUnsupported):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("branch lookup failed", "game", string(game), "release", string(rel), "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	diffTags := b.DiffTags
	if diffTags == nil {
		diffTags = []string{}
	}
	s.writeJSON(w, http.StatusOK, OnlineInfo{Version: b.Tag, UpdatableVersions: diffTags, ReleaseType: rel})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}
