package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// CheckpointStore implements domain.CheckpointStore on the fetch_progress table.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Get returns the checkpoint for task or domain.ErrNotFound.
func (s *CheckpointStore) Get(ctx context.Context, task string) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{TaskName: task}
	err := s.pool.QueryRow(ctx,
		"SELECT last_offset, last_key, updated_at FROM fetch_progress WHERE task_name = $1", task,
	).Scan(&cp.LastOffset, &cp.LastKey, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("postgres: checkpoint %s: %w", task, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("postgres: get checkpoint %s: %w", task, err)
	}
	return cp, nil
}

// Save upserts the checkpoint for cp.TaskName.
func (s *CheckpointStore) Save(ctx context.Context, cp domain.Checkpoint) error {
	const query = `
		INSERT INTO fetch_progress (task_name, last_offset, last_key, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (task_name) DO UPDATE SET
			last_offset = EXCLUDED.last_offset,
			last_key    = EXCLUDED.last_key,
			updated_at  = NOW()`
	if _, err := s.pool.Exec(ctx, query, cp.TaskName, cp.LastOffset, cp.LastKey); err != nil {
		return fmt.Errorf("postgres: save checkpoint %s: %w", cp.TaskName, err)
	}
	return nil
}

// Clear removes the checkpoint for task. Clearing a missing task is not an error.
func (s *CheckpointStore) Clear(ctx context.Context, task string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM fetch_progress WHERE task_name = $1", task); err != nil {
		return fmt.Errorf("postgres: clear checkpoint %s: %w", task, err)
	}
	return nil
}
