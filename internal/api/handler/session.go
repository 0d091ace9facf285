package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/echolens/opinionmap/internal/auth"
	"github.com/echolens/opinionmap/internal/pipeline"
	"github.com/echolens/opinionmap/internal/store"
	"github.com/echolens/opinionmap/internal/store/postgres"
	"github.com/echolens/opinionmap/pkg/apierr"
)

// Enqueuer publishes session jobs for worker pickup.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg pipeline.SessionMessage) (string, error)
}

type SessionHandler struct {
	logger   *slog.Logger
	store    *store.Store
	producer Enqueuer
	limits   sessionLimits
}

func NewSessionHandler(logger *slog.Logger, s *store.Store, producer Enqueuer, minSample, maxSample int) *SessionHandler {
	return &SessionHandler{
		logger:   logger,
		store:    s,
		producer: producer,
		limits:   sessionLimits{MinSampleSize: minSample, MaxSampleSize: maxSample},
	}
}

// Create starts a new map session for a zone. The config is validated
// before any session row or queue message exists, so an invalid request
// leaves no trace.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	zoneID, err := uuid.Parse(chi.URLParam(r, "zoneID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidZoneID())
		return
	}

	var cfg postgres.SessionConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeAPIError(w, h.logger, apierr.InvalidRequestBody())
		return
	}

	if verr := validateSessionConfig(cfg, h.limits); verr != nil {
		writeAPIError(w, h.logger, verr)
		return
	}
	cfg = normalizeSessionConfig(cfg, h.limits)

	if _, err := h.store.GetZone(r.Context(), zoneID); err != nil {
		if apierr.IsNotFound(err) {
			writeAPIError(w, h.logger, apierr.ZoneNotFound())
		} else {
			writeAPIError(w, h.logger, apierr.InternalError(err))
		}
		return
	}

	createdBy := "anonymous"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		createdBy = p.Sub
	}

	session, err := h.store.CreateMapSession(r.Context(), postgres.CreateMapSessionParams{
		ZoneID:    zoneID,
		Config:    cfg,
		CreatedBy: createdBy,
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.SessionCreateFailed(err))
		return
	}

	if _, err := h.producer.Enqueue(r.Context(), pipeline.SessionMessage{
		SessionID: session.ID,
		ZoneID:    zoneID,
		Trigger:   "manual",
	}); err != nil {
		// The row exists but no worker will ever pick it up; fail it so
		// the client doesn't poll a session stuck in pending.
		_ = h.store.FailMapSession(r.Context(), postgres.FailMapSessionParams{
			ID:           session.ID,
			PhaseMessage: "Failed to enqueue",
			ErrorMessage: err.Error(),
		})
		writeAPIError(w, h.logger, apierr.SessionEnqueueFailed(err))
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidSessionID())
		return
	}

	session, err := h.store.GetMapSession(r.Context(), sessionID)
	if err != nil {
		if apierr.IsNotFound(err) {
			writeAPIError(w, h.logger, apierr.SessionNotFound())
		} else {
			writeAPIError(w, h.logger, apierr.InternalError(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, session)
}

func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	zoneID, err := uuid.Parse(chi.URLParam(r, "zoneID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidZoneID())
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	lim, off := clampListWindow(limit, offset)

	sessions, err := h.store.ListMapSessionsByZone(r.Context(), postgres.ListMapSessionsByZoneParams{
		ZoneID: zoneID,
		Limit:  lim,
		Offset: off,
	})
	if err != nil {
		writeAPIError(w, h.logger, apierr.SessionListFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Cancel stops a session that has not yet produced results. Sessions past
// the vectorizing phase are too far along and return a conflict.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidSessionID())
		return
	}

	rows, err := h.store.CancelMapSession(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	if rows == 0 {
		session, err := h.store.GetMapSession(r.Context(), sessionID)
		if err != nil {
			if apierr.IsNotFound(err) {
				writeAPIError(w, h.logger, apierr.SessionNotFound())
			} else {
				writeAPIError(w, h.logger, apierr.InternalError(err))
			}
			return
		}
		writeAPIError(w, h.logger, apierr.SessionNotCancellable(session.Status))
		return
	}

	session, err := h.store.GetMapSession(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, h.logger, apierr.InternalError(err))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Result returns the full opinion map for a completed session.
func (h *SessionHandler) Result(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAPIError(w, h.logger, apierr.InvalidSessionID())
		return
	}

	session, err := h.store.GetMapSession(r.Context(), sessionID)
	if err != nil {
		if apierr.IsNotFound(err) {
			writeAPIError(w, h.logger, apierr.SessionNotFound())
		} else {
			writeAPIError(w, h.logger, apierr.InternalError(err))
		}
		return
	}

	if session.Status != postgres.StatusCompleted {
		writeAPIError(w, h.logger, apierr.ResultNotReady(session.Status))
		return
	}

	clusters, err := h.store.ListClustersBySession(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, h.logger, apierr.ResultQueryFailed(err))
		return
	}
	projections, err := h.store.ListProjectionsBySession(r.Context(), sessionID)
	if err != nil {
		writeAPIError(w, h.logger, apierr.ResultQueryFailed(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session":     session,
		"clusters":    clusters,
		"projections": projections,
	})
}
