package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/domain"
	"github.com/xela07ax/toxguard/internal/moderation"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError переводит доменные ошибки в HTTP-статусы.
// Детали внутренних ошибок наружу не отдаем, только в лог.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, moderation.ErrEmptyText):
		badRequest(w, err.Error())
	case errors.Is(err, domain.ErrNoCredentialAvailable):
		// Запись не создана: "неклассифицировано", а не выдуманный вердикт
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "classification unavailable: no credential available"})
	case errors.Is(err, domain.ErrProviderError):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "classification provider error"})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
