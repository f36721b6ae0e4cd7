// Package pipeline holds the market discovery job and the orchestrator that
// runs the ledger's long-lived components side by side.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/platform/polymarket"
)

// EventFetcher pages the discovery API.
type EventFetcher interface {
	GetEvents(ctx context.Context, limit, offset int, closed bool) ([]polymarket.APIEvent, error)
}

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context) error
}

// ScraperConfig tunes a market sync.
type ScraperConfig struct {
	PageSize      int
	IncludeClosed bool
	// Keyword keeps only markets matching domain.MarketFilter.
	Keyword string
	// MaxEvents stops after this many events; zero means no limit.
	MaxEvents int
	Resume    bool
}

// SyncStats summarizes one sync run.
type SyncStats struct {
	Events  int `json:"events"`
	Markets int `json:"markets"`
	Stored  int `json:"stored"`
}

// MarketScraper copies events and their markets from the discovery API into
// the market store, checkpointing the event offset after every page.
type MarketScraper struct {
	fetcher     EventFetcher
	markets     domain.MarketStore
	checkpoints domain.CheckpointStore
	limiter     Waiter
	cfg         ScraperConfig
	logger      *slog.Logger
}

// NewMarketScraper creates a MarketScraper. limiter may be nil.
func NewMarketScraper(
	fetcher EventFetcher,
	markets domain.MarketStore,
	checkpoints domain.CheckpointStore,
	limiter Waiter,
	cfg ScraperConfig,
	logger *slog.Logger,
) *MarketScraper {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &MarketScraper{
		fetcher:     fetcher,
		markets:     markets,
		checkpoints: checkpoints,
		limiter:     limiter,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "market_scraper")),
	}
}

// TaskName is the checkpoint key of this scraper's configuration.
func (s *MarketScraper) TaskName() string {
	if s.cfg.Keyword != "" {
		return "events_" + s.cfg.Keyword
	}
	return "events_all"
}

// Run executes a single sync that pages through every event.
func (s *MarketScraper) Run(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	task := s.TaskName()
	filter := domain.MarketFilter{Keyword: s.cfg.Keyword}

	offset, err := s.startOffset(ctx, task)
	if err != nil {
		return stats, err
	}
	if offset > 0 {
		s.logger.InfoContext(ctx, "resuming market sync", slog.Int("offset", offset))
	}

	for {
		if err := ctx.Err(); err != nil {
			return stats, fmt.Errorf("pipeline: market sync: %w", err)
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return stats, fmt.Errorf("pipeline: market sync: %w", err)
			}
		}

		events, err := s.fetcher.GetEvents(ctx, s.cfg.PageSize, offset, s.cfg.IncludeClosed)
		if err != nil {
			return stats, fmt.Errorf("pipeline: fetch events at offset %d: %w", offset, err)
		}
		if len(events) == 0 {
			break
		}

		all := polymarket.FlattenMarkets(events)
		var keep []domain.Market
		for _, m := range all {
			if filter.Match(m) {
				keep = append(keep, m)
			}
		}
		if err := s.markets.UpsertBatch(ctx, keep); err != nil {
			return stats, fmt.Errorf("pipeline: store %d markets at offset %d: %w", len(keep), offset, err)
		}

		stats.Events += len(events)
		stats.Markets += len(all)
		stats.Stored += len(keep)
		offset += len(events)

		if err := s.checkpoints.Save(ctx, domain.Checkpoint{TaskName: task, LastOffset: offset, UpdatedAt: time.Now().UTC()}); err != nil {
			return stats, fmt.Errorf("pipeline: save checkpoint: %w", err)
		}
		s.logger.DebugContext(ctx, "synced event page",
			slog.Int("events", len(events)),
			slog.Int("stored", len(keep)),
			slog.Int("offset", offset),
		)

		if len(events) < s.cfg.PageSize {
			break
		}
		if s.cfg.MaxEvents > 0 && stats.Events >= s.cfg.MaxEvents {
			break
		}
	}

	if err := s.checkpoints.Clear(ctx, task); err != nil {
		return stats, fmt.Errorf("pipeline: clear checkpoint: %w", err)
	}
	s.logger.InfoContext(ctx, "market sync complete",
		slog.Int("events", stats.Events),
		slog.Int("markets", stats.Markets),
		slog.Int("stored", stats.Stored),
	)
	return stats, nil
}

func (s *MarketScraper) startOffset(ctx context.Context, task string) (int, error) {
	if !s.cfg.Resume {
		return 0, nil
	}
	cp, err := s.checkpoints.Get(ctx, task)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pipeline: load checkpoint: %w", err)
	}
	return cp.LastOffset, nil
}

// RunLoop syncs immediately and then every interval until ctx is cancelled.
// A failed sync is logged and retried on the next tick.
func (s *MarketScraper) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "market sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "market sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
