package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/registry"
)

// StartRequest is the body for POST /api/sessions/{id}/start
type StartRequest struct {
	Folder   string `json:"folder"`
	Loop     bool   `json:"loop"`
	MaxLoops int    `json:"max_loops"`
}

// EnqueueRequest is the body for POST /api/sessions/{id}/queue
type EnqueueRequest struct {
	Text         string   `json:"text"`
	Type         string   `json:"type,omitempty"`
	Images       []string `json:"images,omitempty"`
	ReadOnlyMode bool     `json:"read_only_mode,omitempty"`
}

// SessionsResponse lists the sessions with active runs and their states
type SessionsResponse struct {
	Active []string                        `json:"active"`
	States map[string]domain.BatchRunState `json:"states"`
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	active := s.orch.ActiveBatchSessionIDs()
	resp := SessionsResponse{
		Active: active,
		States: make(map[string]domain.BatchRunState, len(active)),
	}
	for _, id := range active {
		resp.States[id] = s.orch.GetBatchState(id)
	}
	writeJSON(w, resp)
}

func (s *Server) getStateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.GetBatchState(r.PathValue("id")))
}

func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Folder == "" {
		writeError(w, http.StatusBadRequest, "folder is required")
		return
	}

	err := s.orch.StartBatchRun(r.Context(), r.PathValue("id"), req.Folder, domain.RunConfig{
		LoopEnabled: req.Loop,
		MaxLoops:    req.MaxLoops,
	})
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "started"})
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.StopBatchRun(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "stopping"})
}

func (s *Server) killHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.KillBatchRun(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "killed"})
}

func (s *Server) skipHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.SkipCurrentDocument(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "skipping"})
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.ResumeAfterError(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "resuming"})
}

func (s *Server) abortHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.AbortBatchOnError(r.PathValue("id"))
	writeJSON(w, map[string]string{"status": "aborting"})
}

func (s *Server) listQueueHandler(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}
	items := s.queue.Items(r.PathValue("id"))
	if items == nil {
		items = []domain.QueuedItem{}
	}
	writeJSON(w, items)
}

func (s *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	itemType := domain.ItemMessage
	if req.Type == string(domain.ItemCommand) {
		itemType = domain.ItemCommand
	}

	item, err := s.queue.Enqueue(r.PathValue("id"), domain.QueuedItem{
		Type:         itemType,
		Text:         req.Text,
		Images:       req.Images,
		ReadOnlyMode: req.ReadOnlyMode,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, item)
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.history.ListRecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, runs)
}

func (s *Server) listAchievementsHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	achievements, err := s.history.ListAchievements()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, achievements)
}
