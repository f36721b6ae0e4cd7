// Package chain keeps a live connection to a Polygon node, replays a window of
// recent blocks on every connect and then follows new heads, writing decoded
// fills through the ledger.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/notify"
	"github.com/alanyoungcy/tradeledger/internal/platform/polygon"
	"github.com/alanyoungcy/tradeledger/internal/ratelimit"
	"github.com/ethereum/go-ethereum/common"
)

// State is the connection lifecycle of the streamer.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateBackfilling
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens the node connection.
type Dialer func(ctx context.Context, url string) (polygon.Conn, error)

// Recorder writes trades into the ledger and reports which were new.
type Recorder interface {
	Record(ctx context.Context, trades []domain.Trade) ([]domain.Trade, error)
}

// Broadcaster receives every trade first seen on the live path.
type Broadcaster interface {
	Publish(t domain.Trade)
}

// Notifier is told about reconnects.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the streamer.
type Config struct {
	URL            string
	BackfillBlocks uint64
	ChunkSize      uint64
	CallTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Stats are cumulative counters across connections.
type Stats struct {
	State         string `json:"state"`
	Connects      int64  `json:"connects"`
	Failures      int64  `json:"failures"`
	LastBlock     uint64 `json:"last_block"`
	BlocksSeen    int64  `json:"blocks_seen"`
	LogsSeen      int64  `json:"logs_seen"`
	TradesDecoded int64  `json:"trades_decoded"`
	TradesSaved   int64  `json:"trades_saved"`
	HeadsSkipped  int64  `json:"heads_skipped"`
	LastError     string `json:"last_error,omitempty"`
}

// Streamer is the chain ingestion loop.
type Streamer struct {
	cfg      Config
	dial     Dialer
	decoder  *polygon.Decoder
	ledger   Recorder
	hub      Broadcaster
	notifier Notifier
	clock    ratelimit.Clock
	logger   *slog.Logger

	state atomic.Int32

	mu    sync.Mutex
	stats Stats
}

// Option configures optional Streamer collaborators.
type Option func(*Streamer)

// WithNotifier reports reconnects through n.
func WithNotifier(n Notifier) Option {
	return func(s *Streamer) { s.notifier = n }
}

// WithClock replaces the clock used for reconnect waits.
func WithClock(c ratelimit.Clock) Option {
	return func(s *Streamer) { s.clock = c }
}

// WithDialer replaces polygon.Dial.
func WithDialer(d Dialer) Option {
	return func(s *Streamer) { s.dial = d }
}

// NewStreamer creates a Streamer. hub may be nil.
func NewStreamer(cfg Config, decoder *polygon.Decoder, ledger Recorder, hub Broadcaster, logger *slog.Logger, opts ...Option) *Streamer {
	if cfg.BackfillBlocks == 0 {
		cfg.BackfillBlocks = 100
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 100
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	s := &Streamer{
		cfg:     cfg,
		dial:    polygon.Dial,
		decoder: decoder,
		ledger:  ledger,
		hub:     hub,
		clock:   ratelimit.SystemClock{},
		logger:  logger.With(slog.String("component", "chain")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	return State(s.state.Load())
}

func (s *Streamer) setState(st State) {
	s.state.Store(int32(st))
}

// Stats returns a snapshot of the counters.
func (s *Streamer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.State = s.State().String()
	return out
}

func (s *Streamer) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Run connects, backfills and follows new heads until ctx is cancelled,
// reconnecting with a doubling backoff after every failure. It returns nil
// once ctx is done.
func (s *Streamer) Run(ctx context.Context) error {
	backoff := &ratelimit.Backoff{Initial: s.cfg.BackoffInitial, Max: s.cfg.BackoffMax}
	defer s.setState(StateDisconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.session(ctx, backoff)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff.Next()
		s.update(func(st *Stats) {
			st.Failures++
			if err != nil {
				st.LastError = err.Error()
			}
		})
		s.logger.WarnContext(ctx, "chain connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", wait),
		)
		if s.notifier != nil {
			msg := fmt.Sprintf("error: %s\nretry in %s", errString(err), wait)
			if nerr := s.notifier.Notify(ctx, notify.EventChainReconnect, "Chain stream reconnecting", msg); nerr != nil {
				s.logger.DebugContext(ctx, "reconnect notification failed", slog.String("error", nerr.Error()))
			}
		}

		if err := s.clock.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// session runs one connection from dial to teardown.
func (s *Streamer) session(ctx context.Context, backoff *ratelimit.Backoff) error {
	s.setState(StateConnecting)
	conn, err := s.dial(ctx, s.cfg.URL)
	if err != nil {
		return err
	}

	mux := polygon.NewMux(conn, s.cfg.CallTimeout)
	sctx, cancel := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() { serveErr <- mux.Serve(sctx) }()
	defer func() {
		cancel()
		<-mux.Done()
	}()

	s.setState(StateBackfilling)
	if err := s.backfill(sctx, mux); err != nil {
		return fmt.Errorf("chain: backfill: %w", err)
	}

	sub, err := mux.Subscribe(sctx, "newHeads")
	if err != nil {
		return fmt.Errorf("chain: subscribe: %w", err)
	}

	s.setState(StateLive)
	backoff.Reset()
	s.update(func(st *Stats) { st.Connects++ })
	s.logger.InfoContext(ctx, "chain stream live", slog.String("subscription", sub.ID()))

	for {
		select {
		case <-sctx.Done():
			return sctx.Err()
		case payload, ok := <-sub.Notifications():
			if !ok {
				return <-serveErr
			}
			h, err := polygon.DecodeHeader(payload)
			if err != nil {
				continue
			}
			if err := s.processHead(sctx, mux, h); err != nil {
				if !headSkippable(err) {
					return fmt.Errorf("chain: block %d: %w", uint64(h.Number), err)
				}
				s.update(func(st *Stats) {
					st.HeadsSkipped++
					st.LastError = err.Error()
				})
				s.logger.WarnContext(ctx, "chain head skipped",
					slog.Uint64("block", uint64(h.Number)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// headSkippable reports whether a per-head failure leaves the connection
// usable: a timed-out call or an error payload for that call only.
func headSkippable(err error) bool {
	var rpcErr *polygon.RPCError
	return errors.Is(err, domain.ErrRPCTimeout) || errors.As(err, &rpcErr)
}

func (s *Streamer) filter(from, to uint64) polygon.FilterQuery {
	return polygon.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: s.decoder.Addresses(),
		Topics:    [][]common.Hash{{polygon.OrderFilledTopic}},
	}
}

// backfill replays [head-BackfillBlocks, head] in chunks. Trades go to the
// ledger only; duplicates from an earlier session are absorbed there.
func (s *Streamer) backfill(ctx context.Context, mux *polygon.Mux) error {
	head, err := mux.BlockNumber(ctx)
	if err != nil {
		return err
	}
	var from uint64
	if head > s.cfg.BackfillBlocks {
		from = head - s.cfg.BackfillBlocks
	}

	saved := 0
	for start := from; start <= head; start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize - 1
		if end > head {
			end = head
		}
		logs, err := mux.GetLogs(ctx, s.filter(start, end))
		if err != nil {
			return err
		}
		trades, err := s.decodeLogs(ctx, mux, logs, nil)
		if err != nil {
			return err
		}
		novel, err := s.ledger.Record(ctx, trades)
		if err != nil {
			return err
		}
		saved += len(novel)
		s.update(func(st *Stats) {
			st.LogsSeen += int64(len(logs))
			st.TradesDecoded += int64(len(trades))
			st.TradesSaved += int64(len(novel))
			if end > st.LastBlock {
				st.LastBlock = end
			}
		})
	}

	s.logger.InfoContext(ctx, "chain backfill done",
		slog.Uint64("from", from),
		slog.Uint64("to", head),
		slog.Int("saved", saved),
	)
	return nil
}

// processHead handles exactly the block of one new header and broadcasts the
// trades the ledger had not seen.
func (s *Streamer) processHead(ctx context.Context, mux *polygon.Mux, h *polygon.Header) error {
	n := uint64(h.Number)
	logs, err := mux.GetLogs(ctx, s.filter(n, n))
	if err != nil {
		return err
	}

	var known map[uint64]uint64
	if h.Timestamp != 0 {
		known = map[uint64]uint64{n: uint64(h.Timestamp)}
	}
	trades, err := s.decodeLogs(ctx, mux, logs, known)
	if err != nil {
		return err
	}

	received := time.Now().UnixMilli()
	for i := range trades {
		trades[i].ServerReceivedMs = &received
	}

	novel, err := s.ledger.Record(ctx, trades)
	if err != nil {
		return err
	}
	if s.hub != nil {
		for _, t := range novel {
			s.hub.Publish(t)
		}
	}

	s.update(func(st *Stats) {
		st.BlocksSeen++
		st.LogsSeen += int64(len(logs))
		st.TradesDecoded += int64(len(trades))
		st.TradesSaved += int64(len(novel))
		if n > st.LastBlock {
			st.LastBlock = n
		}
	})
	return nil
}

// decodeLogs orders logs by (block, index), resolves each distinct block's
// timestamp once, and decodes what it can. known seeds the timestamp cache.
func (s *Streamer) decodeLogs(ctx context.Context, mux *polygon.Mux, logs []polygon.Log, known map[uint64]uint64) ([]domain.Trade, error) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].LogIndex < logs[j].LogIndex
	})

	timestamps := make(map[uint64]uint64, len(known))
	for k, v := range known {
		timestamps[k] = v
	}

	var trades []domain.Trade
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		block := uint64(lg.BlockNumber)
		ts, ok := timestamps[block]
		if !ok {
			h, err := mux.BlockByNumber(ctx, block)
			if err != nil {
				return nil, err
			}
			ts = uint64(h.Timestamp)
			timestamps[block] = ts
		}
		if t, ok := s.decoder.Decode(polygon.ToChainLog(lg, ts)); ok {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
