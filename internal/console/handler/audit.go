package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/toxguard/internal/audit"
)

// AuditService — выборка журнала.
type AuditService interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error)
}

type AuditHandler struct {
	service   AuditService
	live      audit.LiveSource // может быть nil: живой поток отключен
	heartbeat time.Duration
	logger    *zap.Logger
}

func NewAuditHandler(s AuditService, live audit.LiveSource, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		service:   s,
		live:      live,
		heartbeat: 15 * time.Second,
		logger:    logger.Named("audit-api"),
	}
}

// GetLogs возвращает список событий аудита с поддержкой фильтрации
// GET /v1/audit?from=RFC3339&to=RFC3339&category=...&actor=...&q=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	logs, err := h.service.Query(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Category: audit.Category(q.Get("category")),
		ActorRef: q.Get("actor"),
		Text:     q.Get("q"),
	}
	if f.Category != "" && !f.Category.Valid() {
		return f, fmt.Errorf("unknown category %q", f.Category)
	}
	for name, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if raw := q.Get(name); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return f, fmt.Errorf("invalid %s: expected RFC3339", name)
			}
			*dst = t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

// Stream GET /v1/audit/stream?severity=warn&category=... — живой хвост журнала (SSE).
func (h *AuditHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "live stream is disabled"})
		return
	}
	q := r.URL.Query()
	minSeverity := audit.ParseSeverity(q.Get("severity"))
	category := audit.Category(q.Get("category"))
	if category != "" && !category.Valid() {
		badRequest(w, "unknown category")
		return
	}

	// Поток долгий: снимаем write-таймаут сервера для этого соединения
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("streaming unsupported", zap.Error(err))
		return
	}

	ctx := r.Context()
	events := h.live.Subscribe(ctx)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Severity.Level() < minSeverity.Level() || (category != "" && e.Category != category) {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Category, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
