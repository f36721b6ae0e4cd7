package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// UpsertBatch inserts or updates multiple markets in a single batch.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO markets (
			id, condition_id, slug, question, event_slug,
			sport, outcomes, token_ids, closed, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			condition_id = EXCLUDED.condition_id,
			slug         = EXCLUDED.slug,
			question     = EXCLUDED.question,
			event_slug   = EXCLUDED.event_slug,
			sport        = EXCLUDED.sport,
			outcomes     = EXCLUDED.outcomes,
			token_ids    = EXCLUDED.token_ids,
			closed       = EXCLUDED.closed,
			updated_at   = NOW()`

	for _, m := range markets {
		outcomes, tokens := m.Outcomes, m.TokenIDs
		if outcomes == nil {
			outcomes = []string{}
		}
		if tokens == nil {
			tokens = []string{}
		}
		batch.Queue(query,
			m.ID, m.ConditionID, m.Slug, m.Question, m.EventSlug,
			m.Sport, outcomes, tokens, m.Closed,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range markets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert market batch item %d: %w", i, err)
		}
	}
	return nil
}

// List returns the markets matching filter ordered by event slug, slug and id.
func (s *MarketStore) List(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	query := `
		SELECT id, condition_id, slug, question, event_slug,
		       sport, outcomes, token_ids, closed, updated_at
		FROM markets`
	var args []any
	if filter.Keyword != "" {
		query += `
		WHERE sport ILIKE $1 OR event_slug ILIKE $1 OR slug ILIKE $1 OR question ILIKE $1`
		args = append(args, "%"+filter.Keyword+"%")
	}
	query += " ORDER BY event_slug, slug, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		var m domain.Market
		if err := rows.Scan(
			&m.ID, &m.ConditionID, &m.Slug, &m.Question, &m.EventSlug,
			&m.Sport, &m.Outcomes, &m.TokenIDs, &m.Closed, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	return markets, nil
}
