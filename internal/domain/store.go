package domain

import "context"

// TradeStore is the deduplicating trade ledger. InsertTrades is an atomic
// insert-if-absent per trade keyed on TradeKey; it returns exactly the trades
// that were not already present, in input order.
type TradeStore interface {
	InsertTrades(ctx context.Context, trades []Trade) ([]Trade, error)
	CountByCondition(ctx context.Context, conditionID string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// CheckpointStore persists backfill progress per task name.
type CheckpointStore interface {
	Get(ctx context.Context, task string) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context, task string) error
}

// MarketStore persists market metadata.
type MarketStore interface {
	UpsertBatch(ctx context.Context, markets []Market) error
	List(ctx context.Context, filter MarketFilter) ([]Market, error)
}
