// Package memory implements the ledger stores in process memory. It backs the
// "memory" store driver for dry runs and the package tests of the pipeline.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// Store implements domain.TradeStore, domain.CheckpointStore and
// domain.MarketStore behind a single mutex.
type Store struct {
	mu          sync.RWMutex
	keys        map[domain.TradeKey]struct{}
	trades      []domain.Trade
	byCondition map[string]int64
	checkpoints map[string]domain.Checkpoint
	markets     map[string]domain.Market
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		keys:        make(map[domain.TradeKey]struct{}),
		byCondition: make(map[string]int64),
		checkpoints: make(map[string]domain.Checkpoint),
		markets:     make(map[string]domain.Market),
	}
}

// InsertTrades stores each trade whose key is absent and returns those.
func (s *Store) InsertTrades(_ context.Context, trades []domain.Trade) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var novel []domain.Trade
	for _, t := range trades {
		t = t.Normalize()
		k := t.Key()
		if _, ok := s.keys[k]; ok {
			continue
		}
		s.keys[k] = struct{}{}
		s.trades = append(s.trades, t)
		s.byCondition[t.ConditionID]++
		novel = append(novel, t)
	}
	return novel, nil
}

// CountByCondition returns the number of stored trades for a market.
func (s *Store) CountByCondition(_ context.Context, conditionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byCondition[conditionID], nil
}

// Count returns the number of stored trades.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.trades)), nil
}

// Trades returns a copy of every stored trade in insertion order.
func (s *Store) Trades() []domain.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// Get returns the checkpoint for task or domain.ErrNotFound.
func (s *Store) Get(_ context.Context, task string) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[task]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return cp, nil
}

// Save upserts cp.
func (s *Store) Save(_ context.Context, cp domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.checkpoints[cp.TaskName] = cp
	return nil
}

// Clear removes the checkpoint for task.
func (s *Store) Clear(_ context.Context, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, task)
	return nil
}

// UpsertBatch inserts or replaces markets by id.
func (s *Store) UpsertBatch(_ context.Context, markets []domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return nil
}

// List returns the markets passing filter, ordered by event slug then slug.
func (s *Store) List(_ context.Context, filter domain.MarketFilter) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Market
	for _, m := range s.markets {
		if filter.Match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventSlug != out[j].EventSlug {
			return out[i].EventSlug < out[j].EventSlug
		}
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var (
	_ domain.TradeStore      = (*Store)(nil)
	_ domain.CheckpointStore = (*Store)(nil)
	_ domain.MarketStore     = (*Store)(nil)
)
