package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/infra/auth"
)

// CredentialService — административные операции пула ключей.
type CredentialService interface {
	Add(ctx context.Context, label, plaintext, actorRef string) (*domain.Credential, error)
	Deactivate(ctx context.Context, id, actorRef string) error
	Reactivate(ctx context.Context, id, actorRef string) error
	List(ctx context.Context) ([]*domain.Credential, error)
}

type CredentialHandler struct {
	service CredentialService
	logger  *zap.Logger
}

func NewCredentialHandler(s CredentialService, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{service: s, logger: logger.Named("credential-api")}
}

type AddCredentialRequest struct {
	Label  string `json:"label"`
	Secret string `json:"secret"`
}

// Add POST /v1/credentials. Секрет в ответе не возвращается никогда.
func (h *CredentialHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req AddCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Secret == "" {
		badRequest(w, "secret is required")
		return
	}

	c, err := h.service.Add(r.Context(), req.Label, req.Secret, auth.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// List GET /v1/credentials
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Deactivate POST /v1/credentials/{id}/deactivate
func (h *CredentialHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Deactivate(r.Context(), chi.URLParam(r, "id"), auth.ActorFromContext(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reactivate POST /v1/credentials/{id}/reactivate
func (h *CredentialHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reactivate(r.Context(), chi.URLParam(r, "id"), auth.ActorFromContext(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
