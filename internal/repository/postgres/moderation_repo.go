package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/toxguard/internal/domain"
)

type ModerationRepo struct {
	pool *pgxpool.Pool
}

func NewModerationRepo(pool *pgxpool.Pool) *ModerationRepo {
	return &ModerationRepo{pool: pool}
}

const recordColumns = `id, text, submitter_ref, source_ref, is_flagged, classified_at, state, override_by, override_at, created_at, updated_at`

func scanRecord(row pgx.Row) (*domain.ModerationRecord, error) {
	var rec domain.ModerationRecord
	var state string
	var overrideBy *string
	var overrideAt *time.Time

	err := row.Scan(
		&rec.ID, &rec.Text, &rec.SubmitterRef, &rec.SourceRef,
		&rec.Verdict.IsFlagged, &rec.Verdict.ClassifiedAt, &state,
		&overrideBy, &overrideAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = domain.ModerationState(state)

	// Маппим NULL: отметка override есть только после ручного разворота
	if overrideBy != nil && overrideAt != nil {
		rec.Override = &domain.Override{By: *overrideBy, At: *overrideAt}
	}
	return &rec, nil
}

func (r *ModerationRepo) CreateRecord(ctx context.Context, rec *domain.ModerationRecord) error {
	query := `INSERT INTO moderation_records (id, text, submitter_ref, source_ref, is_flagged, classified_at, state, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Text, rec.SubmitterRef, rec.SourceRef,
		rec.Verdict.IsFlagged, rec.Verdict.ClassifiedAt, string(rec.State),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create moderation record: %w", err)
	}
	return nil
}

func (r *ModerationRepo) GetRecord(ctx context.Context, id string) (*domain.ModerationRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM moderation_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get moderation record: %w", err)
	}
	return rec, nil
}

// TransitionRecord атомарно применяет переход.
// Условие WHERE state = $from (и override_by IS NULL для override) исключает двойное решение:
// из двух конкурирующих модераторов строку обновит только один.
func (r *ModerationRepo) TransitionRecord(ctx context.Context, id string, t domain.Transition, actorRef string, at time.Time) error {
	query := `
		UPDATE moderation_records
		SET state = $3,
		    override_by = CASE WHEN $4 THEN $5 ELSE override_by END,
		    override_at = CASE WHEN $4 THEN $6::timestamptz ELSE override_at END,
		    updated_at = $6
		WHERE id = $1 AND state = $2 AND (NOT $4 OR override_by IS NULL)`

	tag, err := r.pool.Exec(ctx, query, id, string(t.From), string(t.To), t.Override, actorRef, at)
	if err != nil {
		return fmt.Errorf("postgres: transition moderation record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM moderation_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check moderation record: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

// ListRecords — очередь модерации (Decision Queue), от новых к старым.
func (r *ModerationRepo) ListRecords(ctx context.Context, f domain.ModerationFilter) ([]*domain.ModerationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM moderation_records`

	var args []interface{}
	if f.State != "" {
		args = append(args, string(f.State))
		query += fmt.Sprintf(" WHERE state = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query moderation records: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ModerationRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan moderation record: %w", err)
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (r *ModerationRepo) CountByState(ctx context.Context) (map[domain.ModerationState]int64, int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT state, COUNT(*), COUNT(override_by) FROM moderation_records GROUP BY state`)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: count moderation records: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ModerationState]int64)
	var overridden int64
	for rows.Next() {
		var state string
		var n, o int64
		if err := rows.Scan(&state, &n, &o); err != nil {
			return nil, 0, fmt.Errorf("postgres: scan moderation counts: %w", err)
		}
		counts[domain.ModerationState(state)] = n
		overridden += o
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return counts, overridden, nil
}
