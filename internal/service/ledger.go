package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

const (
	// TradesChannel is the bus channel and stream every novel trade is
	// published on.
	TradesChannel = "trades"
)

// Ledger is the single write path into the trade store. Both ingestion paths
// record through it so deduplication and fan-out behave the same for each.
type Ledger struct {
	trades domain.TradeStore
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewLedger creates a Ledger. bus may be nil.
func NewLedger(trades domain.TradeStore, bus domain.SignalBus, logger *slog.Logger) *Ledger {
	return &Ledger{
		trades: trades,
		bus:    bus,
		logger: logger,
	}
}

// Record inserts trades and returns the ones the store had not seen before.
// Each novel trade is published on the bus; publish failures are logged and
// never fail the write.
func (l *Ledger) Record(ctx context.Context, trades []domain.Trade) ([]domain.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}

	batch := make([]domain.Trade, len(trades))
	for i, t := range trades {
		batch[i] = t.Normalize()
	}

	novel, err := l.trades.InsertTrades(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert trades: %w", err)
	}

	if l.bus != nil {
		for _, t := range novel {
			evt, err := json.Marshal(t)
			if err != nil {
				continue
			}
			if pubErr := l.bus.Publish(ctx, TradesChannel, evt); pubErr != nil {
				l.logger.WarnContext(ctx, "ledger: publish trade failed",
					slog.String("tx", t.TransactionHash),
					slog.String("error", pubErr.Error()),
				)
			}
			if appendErr := l.bus.StreamAppend(ctx, TradesChannel, evt); appendErr != nil {
				l.logger.WarnContext(ctx, "ledger: stream append failed",
					slog.String("tx", t.TransactionHash),
					slog.String("error", appendErr.Error()),
				)
			}
		}
	}

	l.logger.DebugContext(ctx, "ledger: recorded trades",
		slog.Int("received", len(trades)),
		slog.Int("novel", len(novel)),
	)
	return novel, nil
}

// Count returns the total number of trades in the ledger.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	n, err := l.trades.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

// CountByCondition returns the number of trades stored for one market.
func (l *Ledger) CountByCondition(ctx context.Context, conditionID string) (int64, error) {
	n, err := l.trades.CountByCondition(ctx, conditionID)
	if err != nil {
		return 0, fmt.Errorf("ledger: count %s: %w", conditionID, err)
	}
	return n, nil
}
