// Package sqlite implements the ledger stores on a local SQLite file. It has
// the same contracts as the postgres package and is meant for single-host runs.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

//go:embed schema.sql
var schema string

// Store implements domain.TradeStore, domain.CheckpointStore and
// domain.MarketStore. Writes are serialized so check-and-insert is atomic.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertTrades inserts each trade with INSERT OR IGNORE inside one transaction
// and returns the ones that changed a row.
func (s *Store) InsertTrades(ctx context.Context, trades []domain.Trade) ([]domain.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (
			condition_id, event_slug, trade_timestamp, timestamp_ms,
			server_received_ms, side, outcome, size,
			price, proxy_wallet, transaction_hash, source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var novel []domain.Trade
	for i, t := range trades {
		t = t.Normalize()
		res, err := stmt.ExecContext(ctx,
			t.ConditionID, t.EventSlug, t.TradeTimestamp, nullInt(t.TimestampMs),
			nullInt(t.ServerReceivedMs), string(t.Side), t.Outcome, t.Key().Size,
			t.Price, t.ProxyWallet, t.TransactionHash, t.Source,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: insert trade %d: %w", i, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("sqlite: rows affected: %w", err)
		}
		if n > 0 {
			novel = append(novel, t)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	return novel, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// CountByCondition returns the number of stored trades for a market.
func (s *Store) CountByCondition(ctx context.Context, conditionID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM trades WHERE condition_id = ?", conditionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count trades for %s: %w", conditionID, err)
	}
	return n, nil
}

// Count returns the number of stored trades.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count trades: %w", err)
	}
	return n, nil
}

// Get returns the checkpoint for task or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, task string) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{TaskName: task}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_offset, last_key, updated_at FROM fetch_progress WHERE task_name = ?", task,
	).Scan(&cp.LastOffset, &cp.LastKey, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, fmt.Errorf("sqlite: checkpoint %s: %w", task, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("sqlite: get checkpoint %s: %w", task, err)
	}
	cp.UpdatedAt = time.UnixMilli(updated).UTC()
	return cp, nil
}

// Save upserts the checkpoint for cp.TaskName.
func (s *Store) Save(ctx context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_progress (task_name, last_offset, last_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_name) DO UPDATE SET
			last_offset = excluded.last_offset,
			last_key    = excluded.last_key,
			updated_at  = excluded.updated_at`,
		cp.TaskName, cp.LastOffset, cp.LastKey, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint %s: %w", cp.TaskName, err)
	}
	return nil
}

// Clear removes the checkpoint for task.
func (s *Store) Clear(ctx context.Context, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM fetch_progress WHERE task_name = ?", task); err != nil {
		return fmt.Errorf("sqlite: clear checkpoint %s: %w", task, err)
	}
	return nil
}

// UpsertBatch inserts or replaces markets in one transaction. Outcome and
// token lists are stored as JSON arrays.
func (s *Store) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, m := range markets {
		outcomes, err := json.Marshal(nonNil(m.Outcomes))
		if err != nil {
			return fmt.Errorf("sqlite: encode outcomes %s: %w", m.ID, err)
		}
		tokens, err := json.Marshal(nonNil(m.TokenIDs))
		if err != nil {
			return fmt.Errorf("sqlite: encode tokens %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO markets (
				id, condition_id, slug, question, event_slug,
				sport, outcomes, token_ids, closed, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				condition_id = excluded.condition_id,
				slug         = excluded.slug,
				question     = excluded.question,
				event_slug   = excluded.event_slug,
				sport        = excluded.sport,
				outcomes     = excluded.outcomes,
				token_ids    = excluded.token_ids,
				closed       = excluded.closed,
				updated_at   = excluded.updated_at`,
			m.ID, m.ConditionID, m.Slug, m.Question, m.EventSlug,
			m.Sport, string(outcomes), string(tokens), m.Closed, now,
		); err != nil {
			return fmt.Errorf("sqlite: upsert market %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// List returns the markets matching filter ordered by event slug, slug and id.
func (s *Store) List(ctx context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT id, condition_id, slug, question, event_slug,
		sport, outcomes, token_ids, closed, updated_at FROM markets`)
	if filter.Keyword != "" {
		b.WriteString(` WHERE sport LIKE ? OR event_slug LIKE ? OR slug LIKE ? OR question LIKE ?`)
		like := "%" + filter.Keyword + "%"
		args = append(args, like, like, like, like)
	}
	b.WriteString(" ORDER BY event_slug, slug, id")
	if filter.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		var (
			m                domain.Market
			outcomes, tokens string
			updated          int64
		)
		if err := rows.Scan(
			&m.ID, &m.ConditionID, &m.Slug, &m.Question, &m.EventSlug,
			&m.Sport, &outcomes, &tokens, &m.Closed, &updated,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan market: %w", err)
		}
		if err := json.Unmarshal([]byte(outcomes), &m.Outcomes); err != nil {
			return nil, fmt.Errorf("sqlite: decode outcomes %s: %w", m.ID, err)
		}
		if err := json.Unmarshal([]byte(tokens), &m.TokenIDs); err != nil {
			return nil, fmt.Errorf("sqlite: decode tokens %s: %w", m.ID, err)
		}
		m.UpdatedAt = time.UnixMilli(updated).UTC()
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list markets: %w", err)
	}
	return markets, nil
}
