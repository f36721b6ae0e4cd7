// Package backfill pages the historical trade feed market by market and
// works around the feed's offset ceiling by re-paging each side separately.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/platform/polymarket"
	"github.com/google/uuid"
)

// TradeFetcher returns one page of the historical trade feed.
type TradeFetcher interface {
	FetchTrades(ctx context.Context, q polymarket.TradeQuery) ([]polymarket.APITrade, error)
}

// Recorder writes trades into the ledger and reports which were new.
type Recorder interface {
	Record(ctx context.Context, trades []domain.Trade) ([]domain.Trade, error)
	CountByCondition(ctx context.Context, conditionID string) (int64, error)
}

// Config tunes pagination.
type Config struct {
	PageSize  int
	MaxOffset int
	// LockTTL bounds how long a crashed run keeps other processes out.
	LockTTL time.Duration
}

// DefaultConfig matches the public Data API limits.
func DefaultConfig() Config {
	return Config{PageSize: 1000, MaxOffset: 3000, LockTTL: 10 * time.Minute}
}

// MarketResult is the outcome of fetching one market.
type MarketResult struct {
	Trades     []domain.Trade
	Unfiltered int
	Merged     int
	HitCeiling bool
	UsedSplit  bool
}

// Engine runs historical backfills.
type Engine struct {
	fetcher     TradeFetcher
	ledger      Recorder
	markets     domain.MarketStore
	checkpoints domain.CheckpointStore
	locks       domain.LockManager
	archive     *Archive
	cfg         Config
	logger      *slog.Logger

	mu   sync.Mutex
	last RunStats
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithLocks guards runs with a distributed lock per task.
func WithLocks(lm domain.LockManager) Option {
	return func(e *Engine) { e.locks = lm }
}

// WithArchive lands every fetched market in object storage.
func WithArchive(a *Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// NewEngine creates an Engine.
func NewEngine(
	fetcher TradeFetcher,
	ledger Recorder,
	markets domain.MarketStore,
	checkpoints domain.CheckpointStore,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.MaxOffset <= 0 {
		cfg.MaxOffset = DefaultConfig().MaxOffset
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	e := &Engine{
		fetcher:     fetcher,
		ledger:      ledger,
		markets:     markets,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "backfill")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FetchMarket pages the feed for one market. When the unfiltered pass hits
// the offset ceiling it pages BUY and SELL separately and keeps the merged
// set only if it is strictly larger than the unfiltered one. Page failures
// end that pass early; only context cancellation is returned as an error.
func (e *Engine) FetchMarket(ctx context.Context, conditionID string) (MarketResult, error) {
	unfiltered, hit, err := e.paginate(ctx, conditionID, "")
	if err != nil {
		return MarketResult{}, err
	}

	res := MarketResult{
		Trades:     unfiltered,
		Unfiltered: len(unfiltered),
		HitCeiling: hit,
	}
	if !hit {
		return res, nil
	}

	buys, _, err := e.paginate(ctx, conditionID, domain.SideBuy)
	if err != nil {
		return MarketResult{}, err
	}
	sells, _, err := e.paginate(ctx, conditionID, domain.SideSell)
	if err != nil {
		return MarketResult{}, err
	}

	merged := domain.DedupTrades(append(buys, sells...))
	res.Merged = len(merged)
	if len(merged) > len(unfiltered) {
		res.Trades = merged
		res.UsedSplit = true
	}

	e.logger.InfoContext(ctx, "offset ceiling hit, side split applied",
		slog.String("condition_id", conditionID),
		slog.Int("unfiltered", res.Unfiltered),
		slog.Int("merged", res.Merged),
		slog.Bool("used_split", res.UsedSplit),
	)
	return res, nil
}

// paginate walks one feed stream until a short or empty page, a page that
// could not be fetched, or the offset ceiling. A rejected request after at
// least one full page is the server enforcing the ceiling itself.
func (e *Engine) paginate(ctx context.Context, conditionID string, side domain.Side) ([]domain.Trade, bool, error) {
	var (
		all    []domain.Trade
		offset int
	)
	for {
		page, err := e.fetcher.FetchTrades(ctx, polymarket.TradeQuery{
			Market: conditionID,
			Limit:  e.cfg.PageSize,
			Offset: offset,
			Side:   side,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, fmt.Errorf("backfill: fetch %s: %w", conditionID, ctxErr)
			}
			if errors.Is(err, domain.ErrClientRejected) && offset > 0 {
				return all, true, nil
			}
			e.logger.WarnContext(ctx, "page fetch failed, treating as end of data",
				slog.String("condition_id", conditionID),
				slog.String("side", string(side)),
				slog.Int("offset", offset),
				slog.String("error", err.Error()),
			)
			return all, false, nil
		}
		if len(page) == 0 {
			return all, false, nil
		}

		malformed := 0
		for i := range page {
			if page[i].Malformed {
				malformed++
				continue
			}
			all = append(all, page[i].ToDomainTrade(conditionID))
		}
		if malformed > 0 {
			e.logger.WarnContext(ctx, "skipped undecodable trades",
				slog.String("condition_id", conditionID),
				slog.Int("offset", offset),
				slog.Int("count", malformed),
			)
		}

		if len(page) < e.cfg.PageSize {
			return all, false, nil
		}
		offset += e.cfg.PageSize
		if offset > e.cfg.MaxOffset {
			return all, true, nil
		}
	}
}

// RunOptions selects what a Run covers.
type RunOptions struct {
	// Task names the checkpoint and the lock. Empty derives
	// "trades_<keyword>" or "trades_all" from the filter.
	Task        string
	Resume      bool
	SkipFetched bool
	Filter      domain.MarketFilter
}

// TaskName returns the effective task name.
func (o RunOptions) TaskName() string {
	if o.Task != "" {
		return o.Task
	}
	if o.Filter.Keyword != "" {
		return "trades_" + o.Filter.Keyword
	}
	return "trades_all"
}

// RunStats summarizes a run.
type RunStats struct {
	RunID         string        `json:"run_id"`
	Task          string        `json:"task"`
	Markets       int           `json:"markets"`
	Processed     int           `json:"processed"`
	Skipped       int           `json:"skipped"`
	TradesFetched int           `json:"trades_fetched"`
	TradesSaved   int           `json:"trades_saved"`
	CeilingHits   int           `json:"ceiling_hits"`
	SplitsUsed    int           `json:"splits_used"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Done          bool          `json:"done"`
}

// Stats returns a snapshot of the current or most recent run.
func (e *Engine) Stats() RunStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) publish(stats RunStats) {
	stats.Duration = time.Since(stats.StartedAt)
	e.mu.Lock()
	e.last = stats
	e.mu.Unlock()
}

// Run backfills every market the filter selects, in store order, saving a
// checkpoint after each market and clearing it once all are done.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (RunStats, error) {
	task := opts.TaskName()
	stats := RunStats{RunID: uuid.NewString(), Task: task, StartedAt: time.Now()}
	log := e.logger.With(slog.String("task", task), slog.String("run_id", stats.RunID))

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "backfill:"+task, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				log.WarnContext(ctx, "another process is running this task")
			}
			return stats, fmt.Errorf("backfill: lock %s: %w", task, err)
		}
		defer unlock()
	}

	markets, err := e.markets.List(ctx, opts.Filter)
	if err != nil {
		return stats, fmt.Errorf("backfill: list markets: %w", err)
	}
	stats.Markets = len(markets)

	startSlug, err := e.resumePoint(ctx, task, opts.Resume, markets)
	if err != nil {
		return stats, err
	}
	if startSlug != "" {
		log.InfoContext(ctx, "resuming from checkpoint", slog.String("last_slug", startSlug))
	}

	log.InfoContext(ctx, "backfill starting", slog.Int("markets", len(markets)))
	skipping := startSlug != ""

	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			e.publish(stats)
			return stats, fmt.Errorf("backfill: %w", err)
		}

		if skipping {
			if m.Slug == startSlug {
				skipping = false
			}
			stats.Skipped++
			continue
		}
		if m.ConditionID == "" {
			stats.Skipped++
			continue
		}

		if opts.SkipFetched {
			n, err := e.ledger.CountByCondition(ctx, m.ConditionID)
			if err != nil {
				return stats, fmt.Errorf("backfill: count %s: %w", m.ConditionID, err)
			}
			if n > 0 {
				stats.Skipped++
				continue
			}
		}

		res, err := e.FetchMarket(ctx, m.ConditionID)
		if err != nil {
			e.publish(stats)
			return stats, err
		}
		for i := range res.Trades {
			if res.Trades[i].EventSlug == "" {
				res.Trades[i].EventSlug = eventSlugOf(m)
			}
		}

		novel, err := e.ledger.Record(ctx, res.Trades)
		if err != nil {
			e.publish(stats)
			return stats, fmt.Errorf("backfill: record %s: %w", m.ConditionID, err)
		}

		if e.archive != nil && len(res.Trades) > 0 {
			if err := e.archive.Land(ctx, m.ConditionID, res.Trades); err != nil {
				log.WarnContext(ctx, "raw archive failed",
					slog.String("condition_id", m.ConditionID),
					slog.String("error", err.Error()),
				)
			}
		}

		stats.Processed++
		stats.TradesFetched += len(res.Trades)
		stats.TradesSaved += len(novel)
		if res.HitCeiling {
			stats.CeilingHits++
		}
		if res.UsedSplit {
			stats.SplitsUsed++
		}

		if err := e.checkpoints.Save(ctx, domain.Checkpoint{TaskName: task, LastKey: m.Slug, UpdatedAt: time.Now().UTC()}); err != nil {
			e.publish(stats)
			return stats, fmt.Errorf("backfill: save checkpoint: %w", err)
		}
		e.publish(stats)

		log.DebugContext(ctx, "market done",
			slog.String("slug", m.Slug),
			slog.Int("fetched", len(res.Trades)),
			slog.Int("saved", len(novel)),
		)
	}

	if err := e.checkpoints.Clear(ctx, task); err != nil {
		return stats, fmt.Errorf("backfill: clear checkpoint: %w", err)
	}
	stats.Done = true
	e.publish(stats)
	stats = e.Stats()

	log.InfoContext(ctx, "backfill complete",
		slog.Int("processed", stats.Processed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("trades_saved", stats.TradesSaved),
		slog.Int("ceiling_hits", stats.CeilingHits),
		slog.Duration("duration", stats.Duration),
	)
	return stats, nil
}

// resumePoint returns the slug to skip through, or "" to start from the top.
// A checkpoint naming a market that is no longer listed restarts the task.
func (e *Engine) resumePoint(ctx context.Context, task string, resume bool, markets []domain.Market) (string, error) {
	if !resume {
		return "", nil
	}
	cp, err := e.checkpoints.Get(ctx, task)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backfill: load checkpoint: %w", err)
	}
	if cp.LastKey == "" {
		return "", nil
	}
	for _, m := range markets {
		if m.Slug == cp.LastKey {
			return cp.LastKey, nil
		}
	}
	e.logger.WarnContext(ctx, "checkpoint market no longer listed, starting over",
		slog.String("task", task),
		slog.String("last_slug", cp.LastKey),
	)
	return "", nil
}

func eventSlugOf(m domain.Market) string {
	if m.EventSlug != "" {
		return m.EventSlug
	}
	return m.Slug
}
