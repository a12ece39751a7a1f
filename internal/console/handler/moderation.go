package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra/auth"
	"github.com/xela07ax/toxguard/internal/moderation"
)

// ModerationService Описываем, что нам нужно от сервиса
type ModerationService interface {
	Create(ctx context.Context, in moderation.CreateInput) (*domain.ModerationRecord, error)
	SetState(ctx context.Context, id string, next domain.ModerationState, actorRef string, override bool) (*domain.ModerationRecord, error)
	Get(ctx context.Context, id string) (*domain.ModerationRecord, error)
	List(ctx context.Context, f domain.ModerationFilter) ([]*domain.ModerationRecord, error)
	Stats(ctx context.Context) (*domain.ModerationStats, error)
}

type ModerationHandler struct {
	service ModerationService
	logger  *zap.Logger
}

func NewModerationHandler(s ModerationService, logger *zap.Logger) *ModerationHandler {
	return &ModerationHandler{service: s, logger: logger.Named("moderation-api")}
}

// moderationView — запись плюс предложенное вердиктом состояние
type moderationView struct {
	*domain.ModerationRecord
	SuggestedState domain.ModerationState `json:"suggested_state"`
}

func view(rec *domain.ModerationRecord) moderationView {
	return moderationView{ModerationRecord: rec, SuggestedState: rec.SuggestedState()}
}

// Create POST /v1/moderations
func (h *ModerationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in moderation.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	// Если submitter не указан явно — это сам вызывающий
	if in.SubmitterRef == "" {
		in.SubmitterRef = auth.ActorFromContext(r.Context())
	}

	rec, err := h.service.Create(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(rec))
}

// List GET /v1/moderations?state=pending&limit=50
func (h *ModerationHandler) List(w http.ResponseWriter, r *http.Request) {
	f := domain.ModerationFilter{State: domain.ModerationState(r.URL.Query().Get("state"))}
	if f.State != "" && !f.State.Valid() {
		badRequest(w, "unknown state")
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := h.service.List(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]moderationView, 0, len(list))
	for _, rec := range list {
		out = append(out, view(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get GET /v1/moderations/{id}
func (h *ModerationHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

type SetStateRequest struct {
	State    domain.ModerationState `json:"state"`
	Override bool                   `json:"override"`
}

// SetState POST /v1/moderations/{id}/state
func (h *ModerationHandler) SetState(w http.ResponseWriter, r *http.Request) {
	var req SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if !req.State.Valid() {
		badRequest(w, "unknown state")
		return
	}

	// Актор — только из проверенного токена
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	rec, err := h.service.SetState(r.Context(), chi.URLParam(r, "id"), req.State, actor, req.Override)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rec))
}

// Stats GET /v1/stats
func (h *ModerationHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
