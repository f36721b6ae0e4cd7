package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const insertTrade = `
	INSERT INTO trades (
		condition_id, event_slug, trade_timestamp, timestamp_ms,
		server_received_ms, side, outcome, size,
		price, proxy_wallet, transaction_hash, source
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8::numeric,
		$9::numeric, $10, $11, $12
	)
	ON CONFLICT ON CONSTRAINT trades_identity DO NOTHING
	RETURNING id`

// InsertTrades queues one insert per trade in a single batch. A trade is
// novel exactly when its insert returned a row.
func (s *TradeStore) InsertTrades(ctx context.Context, trades []domain.Trade) ([]domain.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	normalized := make([]domain.Trade, len(trades))
	for i, t := range trades {
		t = t.Normalize()
		normalized[i] = t
		batch.Queue(insertTrade,
			t.ConditionID, t.EventSlug, t.TradeTimestamp, t.TimestampMs,
			t.ServerReceivedMs, string(t.Side), t.Outcome, t.Key().Size,
			decimal.NewFromFloat(t.Price).Round(domain.QuoteDecimals).String(),
			t.ProxyWallet, t.TransactionHash, t.Source,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var novel []domain.Trade
	for i, t := range normalized {
		var id int64
		err := br.QueryRow().Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
		novel = append(novel, t)
	}
	return novel, nil
}

// CountByCondition returns the number of stored trades for a market.
func (s *TradeStore) CountByCondition(ctx context.Context, conditionID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM trades WHERE condition_id = $1", conditionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count trades for %s: %w", conditionID, err)
	}
	return n, nil
}

// Count returns the number of stored trades.
func (s *TradeStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trades").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count trades: %w", err)
	}
	return n, nil
}
