package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStateRepository stores the snapshot in a single-row table keyed by
// profile, for shared deployments where several operator machines should see
// the same in-flight task.
type PostgresStateRepository struct {
	pool    *pgxpool.Pool
	profile string
}

func NewPostgresStateRepository(ctx context.Context, databaseURL, profile string) (*PostgresStateRepository, error) {
	if profile == "" {
		profile = "default"
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	repo := &PostgresStateRepository{pool: pool, profile: profile}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresStateRepository) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS generation_task_state (
			profile TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

func (r *PostgresStateRepository) Close() {
	r.pool.Close()
}

func (r *PostgresStateRepository) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := r.pool.QueryRow(ctx, `
		SELECT payload
		FROM generation_task_state
		WHERE profile = $1
	`, r.profile).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query state row: %w", err)
	}
	return payload, nil
}

func (r *PostgresStateRepository) Save(ctx context.Context, payload []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO generation_task_state (profile, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (profile)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()
	`, r.profile, payload)
	if err != nil {
		return fmt.Errorf("upsert state row: %w", err)
	}
	return nil
}

func (r *PostgresStateRepository) Clear(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM generation_task_state
		WHERE profile = $1
	`, r.profile)
	if err != nil {
		return fmt.Errorf("delete state row: %w", err)
	}
	return nil
}
