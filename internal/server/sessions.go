package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-save-sync/internal/auth"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/logger"
	"github.com/life-stream-dev/life-stream-go-save-sync/internal/session"
)

type createSessionRequest struct {
	GameSaveID uuid.UUID `json:"game_save_id"`
}

type refreshSessionResponse struct {
	EndTime time.Time `json:"end_time"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createSessionRequest
	if err := decodeBody(w, r, &req); err != nil || req.GameSaveID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, "game_save_id is required", nil)
		return
	}

	created, err := s.Sessions.Create(p.UserID, req.GameSaveID, s.SessionTTL)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	logger.InfoF("User %s opened session %s for game save %s", p.UserID, created.ID, created.OwnerID)
	writeJSON(w, http.StatusCreated, "session created", created)
}

func (s *Server) handleRefreshSession(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, "invalid session id", nil)
		return
	}
	existing, ok := s.Sessions.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, session.ErrNotFound.Error(), nil)
		return
	}
	if existing.UserID != p.UserID {
		writeJSON(w, http.StatusForbidden, "session belongs to another user", nil)
		return
	}

	endTime, err := s.Sessions.Refresh(id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, session.ErrExpired), errors.Is(err, session.ErrClosed):
		writeJSON(w, http.StatusGone, err.Error(), nil)
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, "internal error", nil)
	default:
		writeJSON(w, http.StatusOK, "session refreshed", refreshSessionResponse{EndTime: endTime})
	}
}
