package postgres

/*
Файл credential_repo.go — хранилище пула ключей.

Все изменения счетчиков — один атомарный UPDATE на стороне БД, без read-modify-write в памяти:
параллельные отчеты об ошибках не теряют инкременты.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/toxguard/internal/domain"
)

type CredentialRepo struct {
	pool *pgxpool.Pool
}

func NewCredentialRepo(pool *pgxpool.Pool) *CredentialRepo {
	return &CredentialRepo{pool: pool}
}

const credentialColumns = `id, label, secret, active, failure_count, last_used_at, created_at, updated_at`

func scanCredential(row pgx.Row) (*domain.Credential, error) {
	var c domain.Credential
	var secret string
	if err := row.Scan(&c.ID, &c.Label, &secret, &c.Active, &c.FailureCount, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Secret = domain.SealedSecret(secret)
	return &c, nil
}

// NextActive — самый здоровый, затем самый давно использованный активный ключ.
func (r *CredentialRepo) NextActive(ctx context.Context) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + `
	          FROM credentials
	          WHERE active
	          ORDER BY failure_count ASC, last_used_at ASC NULLS FIRST, id ASC
	          LIMIT 1`

	c, err := scanCredential(r.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: select next credential: %w", err)
	}
	return c, nil
}

func (r *CredentialRepo) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE credentials SET failure_count = 0, last_used_at = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: record credential success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordFailure инкрементирует счетчик и при достижении порога выключает ключ.
// prev фиксирует состояние до изменения: Deactivated получает только тот вызов,
// который реально перевел ключ в неактивные.
func (r *CredentialRepo) RecordFailure(ctx context.Context, id string, threshold int) (domain.FailureOutcome, error) {
	query := `
		WITH prev AS (
		    SELECT id, active FROM credentials WHERE id = $1 FOR UPDATE
		)
		UPDATE credentials c
		SET failure_count = c.failure_count + 1,
		    active = CASE WHEN c.failure_count + 1 >= $2 THEN FALSE ELSE c.active END,
		    updated_at = NOW()
		FROM prev
		WHERE c.id = prev.id
		RETURNING c.failure_count, c.active, prev.active`

	var count int
	var active, wasActive bool
	err := r.pool.QueryRow(ctx, query, id, threshold).Scan(&count, &active, &wasActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FailureOutcome{}, domain.ErrNotFound
		}
		return domain.FailureOutcome{}, fmt.Errorf("postgres: record credential failure: %w", err)
	}
	return domain.FailureOutcome{FailureCount: count, Deactivated: wasActive && !active}, nil
}

func (r *CredentialRepo) CreateCredential(ctx context.Context, c *domain.Credential) error {
	query := `INSERT INTO credentials (` + credentialColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.Label, string(c.Secret), c.Active, c.FailureCount, c.LastUsedAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create credential: %w", err)
	}
	return nil
}

// SetCredentialActive — ручное включение/выключение. Включение обнуляет счетчик ошибок.
func (r *CredentialRepo) SetCredentialActive(ctx context.Context, id string, active bool) (bool, error) {
	query := `
		UPDATE credentials
		SET active = $2,
		    failure_count = CASE WHEN $2 THEN 0 ELSE failure_count END,
		    updated_at = NOW()
		WHERE id = $1 AND active <> $2`

	tag, err := r.pool.Exec(ctx, query, id, active)
	if err != nil {
		return false, fmt.Errorf("postgres: set credential active: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Ничего не обновили: либо ключа нет, либо он уже в нужном состоянии
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM credentials WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("postgres: check credential: %w", err)
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (r *CredentialRepo) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	c, err := scanCredential(r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get credential: %w", err)
	}
	return c, nil
}

func (r *CredentialRepo) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list credentials: %w", err)
	}
	defer rows.Close()

	// Инициализируем слайс, чтобы избежать возврата nil
	out := make([]*domain.Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func (r *CredentialRepo) CountCredentials(ctx context.Context) (active, inactive int64, err error) {
	query := `SELECT COUNT(*) FILTER (WHERE active), COUNT(*) FILTER (WHERE NOT active) FROM credentials`
	if err := r.pool.QueryRow(ctx, query).Scan(&active, &inactive); err != nil {
		return 0, 0, fmt.Errorf("postgres: count credentials: %w", err)
	}
	return active, inactive, nil
}
