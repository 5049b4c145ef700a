package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/cache"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/database"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/state"
)

type cacheStatus struct {
	Enabled bool                       `json:"enabled"`
	Kinds   map[string]cache.KindStats `json:"kinds,omitempty"`
}

type candidates struct {
	Kind   string   `json:"kind"`
	Stored []string `json:"stored"`
	Dirty  []string `json:"dirty"`
}

type trackMailRequest struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sweepResult struct {
	Deleted int `json:"deleted"`
	Pending int `json:"pending"`
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok", cacheStatus{Enabled: s.Cache.Enabled(), Kinds: s.Cache.Stats()})
}

func (s *Server) handleCacheToggle(w http.ResponseWriter, r *http.Request) {
	enabled := s.Cache.Toggle()
	logger.InfoF("Cache enabled set to %v", enabled)
	writeJSON(w, http.StatusOK, "ok", cacheStatus{Enabled: enabled})
}

// handleCacheFlush persists every dirty entry, then drops the clean tier.
// With async=true it only asks the scheduler to flush.
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.Scheduler.Trigger()
		writeJSON(w, http.StatusAccepted, "flush scheduled", nil)
		return
	}

	results, err := s.Coordinator.FlushAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, err.Error(), results)
		return
	}
	s.Cache.ClearClean()
	writeJSON(w, http.StatusOK, "flushed", results)
}

func (s *Server) handleFlushStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, "ok", s.Coordinator.Stats())
}

// handleFlushCandidates compares what storage holds for a kind with what is
// still waiting in the ledger.
func (s *Server) handleFlushCandidates(w http.ResponseWriter, r *http.Request) {
	kind, err := state.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	stored, err := s.Gateway.FindAllDirtyCandidates(r.Context(), kind)
	if err != nil {
		logger.ErrorF("Fail to list %s candidates: %v", kind, err)
		writeJSON(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusOK, "ok", candidates{Kind: kind.String(), Stored: stored, Dirty: s.Cache.ListDirty(kind)})
}

func (s *Server) handleTrackMail(w http.ResponseWriter, r *http.Request) {
	var req trackMailRequest
	if err := decodeBody(w, r, &req); err != nil || req.ID == "" || req.ExpiresAt.IsZero() {
		writeJSON(w, http.StatusBadRequest, "id and expires_at are required", nil)
		return
	}
	if err := s.Mail.Track(r.Context(), database.Mail{ID: req.ID, ExpiresAt: req.ExpiresAt}); err != nil {
		logger.ErrorF("Fail to track mail %s: %v", req.ID, err)
		writeJSON(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	writeJSON(w, http.StatusCreated, "mail tracked", nil)
}

func (s *Server) handleMailSweep(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.Mail.Sweep(r.Context(), s.Now())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, "ok", sweepResult{Deleted: deleted, Pending: s.Mail.Pending()})
}
