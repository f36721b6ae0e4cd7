package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/backfill"
	"github.com/alanyoungcy/tradeledger/internal/chain"
	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/notify"
	"github.com/alanyoungcy/tradeledger/internal/pipeline"
	"github.com/alanyoungcy/tradeledger/internal/platform/polygon"
	"github.com/alanyoungcy/tradeledger/internal/platform/polymarket"
	"github.com/alanyoungcy/tradeledger/internal/ratelimit"
	"github.com/alanyoungcy/tradeledger/internal/registry"
	"github.com/alanyoungcy/tradeledger/internal/server"
	"github.com/alanyoungcy/tradeledger/internal/server/handler"
	"github.com/alanyoungcy/tradeledger/internal/server/ws"
)

// BackfillMode runs one historical backfill to completion.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode")
	engine := a.newEngine(deps)
	return a.runBackfill(ctx, engine, deps.Notifier)
}

// StreamMode follows the chain and serves the live trade stream.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	hub := ws.NewHub(a.logger)
	streamer, err := a.newStreamer(ctx, deps, hub)
	if err != nil {
		return err
	}

	orch := pipeline.NewOrchestrator(a.logger)
	orch.Add("hub", hub.Run)
	orch.Add("chain", streamer.Run)
	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, hub, map[string]handler.StatusSource{
			"chain": func() any { return streamer.Stats() },
			"ws":    func() any { return hub.Stats() },
		})
		orch.Add("server", srv.Run)
	}
	return orch.Run(ctx)
}

// FullMode runs the backfill alongside the chain stream, the server and the
// periodic market sync. A failed backfill is reported but leaves the live
// path running.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	hub := ws.NewHub(a.logger)
	streamer, err := a.newStreamer(ctx, deps, hub)
	if err != nil {
		return err
	}
	engine := a.newEngine(deps)

	orch := pipeline.NewOrchestrator(a.logger)
	orch.Add("hub", hub.Run)
	orch.Add("chain", streamer.Run)
	orch.Add("backfill", func(ctx context.Context) error {
		if err := a.runBackfill(ctx, engine, deps.Notifier); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "backfill failed, live stream continues", slog.String("error", err.Error()))
		}
		return nil
	})
	if interval := a.cfg.Markets.SyncInterval.Duration; interval > 0 {
		scraper := a.newScraper(deps)
		orch.Add("markets", func(ctx context.Context) error {
			return scraper.RunLoop(ctx, interval)
		})
	}
	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, hub, map[string]handler.StatusSource{
			"backfill": func() any { return engine.Stats() },
			"chain":    func() any { return streamer.Stats() },
			"ws":       func() any { return hub.Stats() },
		})
		orch.Add("server", srv.Run)
	}
	return orch.Run(ctx)
}

// SyncMarketsMode copies events and markets from the discovery API into the
// market store once.
func (a *App) SyncMarketsMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sync-markets mode")

	stats, err := a.newScraper(deps).Run(ctx)
	if err != nil {
		a.notify(ctx, deps.Notifier, notify.EventMarketSync, "Market sync failed", err.Error())
		return fmt.Errorf("app: sync markets: %w", err)
	}
	a.notify(ctx, deps.Notifier, notify.EventMarketSync, "Market sync complete",
		fmt.Sprintf("events: %d\nmarkets: %d\nstored: %d", stats.Events, stats.Markets, stats.Stored))
	return nil
}

func (a *App) marketFilter() domain.MarketFilter {
	return domain.MarketFilter{Keyword: a.cfg.Backfill.Filter}
}

func (a *App) newEngine(deps *Dependencies) *backfill.Engine {
	bc := a.cfg.Backfill
	limiter := ratelimit.NewIntervalLimiter(bc.RequestInterval.Duration, ratelimit.SystemClock{})
	policy := ratelimit.Policy{
		MaxAttempts: bc.MaxRetries,
		Base:        bc.RetryBackoff.Duration,
		Factor:      2,
		Max:         30 * time.Second,
	}
	data := polymarket.NewDataClient(a.cfg.Polymarket.DataHost, limiter, policy)

	opts := []backfill.Option{backfill.WithLocks(deps.LockManager)}
	if deps.BlobWriter != nil {
		opts = append(opts, backfill.WithArchive(backfill.NewArchive(deps.BlobWriter, a.cfg.S3.Prefix)))
	}
	return backfill.NewEngine(data, deps.Ledger, deps.MarketStore, deps.CheckpointStore, backfill.Config{
		PageSize:  bc.PageSize,
		MaxOffset: bc.MaxOffset,
		LockTTL:   bc.LockTTL.Duration,
	}, a.logger, opts...)
}

// runBackfill runs the engine with the configured options and reports the
// outcome through the notifier.
func (a *App) runBackfill(ctx context.Context, engine *backfill.Engine, n *notify.Notifier) error {
	bc := a.cfg.Backfill
	stats, err := engine.Run(ctx, backfill.RunOptions{
		Task:        bc.Task,
		Resume:      bc.Resume,
		SkipFetched: bc.SkipFetched,
		Filter:      a.marketFilter(),
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, domain.ErrLockHeld) {
			return err
		}
		a.notify(ctx, n, notify.EventBackfillFailed, "Backfill failed",
			fmt.Sprintf("task: %s\nerror: %s", stats.Task, err))
		return err
	}

	a.notify(ctx, n, notify.EventBackfillComplete, "Backfill complete",
		fmt.Sprintf("task: %s\nmarkets: %d (skipped %d)\ntrades: %d fetched, %d new\nceiling hits: %d\ntook: %s",
			stats.Task, stats.Processed, stats.Skipped, stats.TradesFetched, stats.TradesSaved,
			stats.CeilingHits, stats.Duration.Round(time.Second)))
	return nil
}

// newStreamer loads the token registry from the market store and builds the
// chain streamer. The registry is a snapshot taken at startup.
func (a *App) newStreamer(ctx context.Context, deps *Dependencies, hub *ws.Hub) (*chain.Streamer, error) {
	markets, err := deps.MarketStore.List(ctx, a.marketFilter())
	if err != nil {
		return nil, fmt.Errorf("app: load markets: %w", err)
	}
	reg := registry.New(markets)
	if reg.Len() == 0 {
		a.logger.WarnContext(ctx, "token registry is empty, chain fills will not decode; run sync-markets first",
			slog.String("filter", a.cfg.Backfill.Filter),
		)
	} else {
		a.logger.InfoContext(ctx, "token registry loaded",
			slog.Int("markets", len(markets)),
			slog.Int("tokens", reg.Len()),
		)
	}

	cc := a.cfg.Chain
	decoder := polygon.NewDecoder(reg, a.cfg.ExchangeAddresses()...)
	return chain.NewStreamer(chain.Config{
		URL:            cc.RPCURL,
		BackfillBlocks: cc.BackfillBlocks,
		ChunkSize:      cc.ChunkSize,
		CallTimeout:    cc.CallTimeout.Duration,
		BackoffInitial: cc.BackoffInitial.Duration,
		BackoffMax:     cc.BackoffMax.Duration,
	}, decoder, deps.Ledger, hub, a.logger, chain.WithNotifier(deps.Notifier)), nil
}

func (a *App) newScraper(deps *Dependencies) *pipeline.MarketScraper {
	mc := a.cfg.Markets
	gamma := polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost)
	limiter := ratelimit.NewIntervalLimiter(a.cfg.Backfill.RequestInterval.Duration, ratelimit.SystemClock{})
	return pipeline.NewMarketScraper(gamma, deps.MarketStore, deps.CheckpointStore, limiter, pipeline.ScraperConfig{
		PageSize:      mc.PageSize,
		IncludeClosed: mc.IncludeClosed,
		Keyword:       a.cfg.Backfill.Filter,
		MaxEvents:     mc.MaxEvents,
		Resume:        a.cfg.Backfill.Resume,
	}, a.logger)
}

func (a *App) newServer(deps *Dependencies, hub *ws.Hub, sources map[string]handler.StatusSource) *server.Server {
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.Ledger, a.logger),
		Status:  handler.NewStatusHandler(a.cfg.Mode, a.startedAt, sources),
		Markets: handler.NewMarketHandler(deps.MarketStore, a.logger),
	}, hub, a.logger)
}

func (a *App) notify(ctx context.Context, n *notify.Notifier, event, title, msg string) {
	if err := n.Notify(ctx, event, title, msg); err != nil {
		a.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
