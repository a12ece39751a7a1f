package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/toxguard/internal/audit"
)

// AuditRepo — персистентное хранилище журнала. Только INSERT и SELECT.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_events
	numFields := 8
	placeholders := make([]string, 0, len(events))
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8))

		meta := e.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("postgres: encode audit metadata %s: %w", e.ID, err)
		}

		vals = append(vals,
			e.ID, nullable(e.TraceID), e.Timestamp, string(e.Severity), string(e.Category),
			nullable(e.ActorRef), e.Message, metaJSON,
		)
	}

	query := "INSERT INTO audit_events (id, trace_id, timestamp, severity, category, actor_ref, message, metadata) VALUES " +
		strings.Join(placeholders, ",")

	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// QueryEvents — выборка с фильтрами, от новых к старым.
func (r *AuditRepo) QueryEvents(ctx context.Context, f audit.Filter) ([]audit.AuditEvent, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.ActorRef != "" {
		add("actor_ref = $%d", f.ActorRef)
	}
	if f.Text != "" {
		add("message ILIKE $%d", "%"+escapeLike(f.Text)+"%")
	}

	query := `SELECT id, COALESCE(trace_id, ''), timestamp, severity, category, COALESCE(actor_ref, ''), message, metadata
	          FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Normalize().Limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var e audit.AuditEvent
		var severity, category string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TraceID, &e.Timestamp, &severity, &category, &e.ActorRef, &e.Message, &meta); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		e.Severity, e.Category = audit.Severity(severity), audit.Category(category)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: decode audit metadata %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// nullable — пустая строка в БД хранится как NULL (системное событие без актора)
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
