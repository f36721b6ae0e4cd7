package chain

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/platform/polygon"
	"github.com/alanyoungcy/tradeledger/internal/registry"
	"github.com/alanyoungcy/tradeledger/internal/service"
	"github.com/alanyoungcy/tradeledger/internal/store/memory"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

const (
	yesToken  = "1001"
	blockTime = 1700000000
)

// fakeNode is a websocket JSON-RPC node serving a fixed set of logs.
type fakeNode struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu         sync.Mutex
	head       uint64
	logs       map[uint64][]polygon.Log
	blockCalls map[uint64]int
	failDials  int
	failLogs   map[uint64]bool
	dials      int
	conn       *websocket.Conn
	writeMu    sync.Mutex

	subscribed chan struct{}
}

func newFakeNode(t *testing.T, head uint64) (*fakeNode, string) {
	n := &fakeNode{
		t:          t,
		head:       head,
		logs:       make(map[uint64][]polygon.Log),
		blockCalls: make(map[uint64]int),
		failLogs:   make(map[uint64]bool),
		subscribed: make(chan struct{}, 8),
	}
	srv := httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(srv.Close)
	return n, "ws" + strings.TrimPrefix(srv.URL, "http")
}

type nodeRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.dials++
	reject := n.dials <= n.failDials
	n.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	for {
		var req nodeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		frame := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch result := n.handle(req).(type) {
		case *polygon.RPCError:
			frame["error"] = result
		default:
			frame["result"] = result
		}
		if err := n.write(conn, frame); err != nil {
			return
		}
		if req.Method == "eth_subscribe" {
			n.subscribed <- struct{}{}
		}
	}
}

func (n *fakeNode) handle(req nodeRequest) any {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch req.Method {
	case "eth_blockNumber":
		return hexutil.EncodeUint64(n.head)
	case "eth_getBlockByNumber":
		var num hexutil.Uint64
		_ = json.Unmarshal(req.Params[0], &num)
		n.blockCalls[uint64(num)]++
		return polygon.Header{Number: num, Timestamp: hexutil.Uint64(blockTime + uint64(num))}
	case "eth_getLogs":
		var q struct {
			FromBlock hexutil.Uint64 `json:"fromBlock"`
			ToBlock   hexutil.Uint64 `json:"toBlock"`
		}
		_ = json.Unmarshal(req.Params[0], &q)
		if q.FromBlock == q.ToBlock && n.failLogs[uint64(q.FromBlock)] {
			return &polygon.RPCError{Code: -32000, Message: "header not found"}
		}
		out := []polygon.Log{}
		for b := uint64(q.FromBlock); b <= uint64(q.ToBlock); b++ {
			out = append(out, n.logs[b]...)
		}
		return out
	case "eth_subscribe":
		return "0xheads"
	default:
		return nil
	}
}

func (n *fakeNode) write(conn *websocket.Conn, v any) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (n *fakeNode) addLog(l polygon.Log) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b := uint64(l.BlockNumber)
	n.logs[b] = append(n.logs[b], l)
}

func (n *fakeNode) blockCallsFor(b uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blockCalls[b]
}

func (n *fakeNode) pushHead(number, ts uint64) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	err := n.write(conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params": map[string]any{
			"subscription": "0xheads",
			"result":       polygon.Header{Number: hexutil.Uint64(number), Timestamp: hexutil.Uint64(ts)},
		},
	})
	if err != nil {
		n.t.Errorf("push head: %v", err)
	}
}

func (n *fakeNode) dropConn() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.conn.Close()
}

func word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func tokenWord(s string) []byte {
	n, _ := new(big.Int).SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

// buyLog is a fill paying 1 USDC for 2 shares of token.
func buyLog(block uint64, index uint, tx string, token string) polygon.Log {
	var data []byte
	data = append(data, word(0)...)
	data = append(data, tokenWord(token)...)
	data = append(data, word(1_000_000)...)
	data = append(data, word(2_000_000)...)
	data = append(data, word(0)...)
	return polygon.Log{
		Address: polygon.CTFExchange,
		Topics: []common.Hash{
			polygon.OrderFilledTopic,
			common.HexToHash("0x01"),
			common.HexToHash("0x02"),
			common.BytesToHash(common.HexToAddress("0x00000000000000000000000000000000000000aa").Bytes()),
		},
		Data:        data,
		BlockNumber: hexutil.Uint64(block),
		TxHash:      common.HexToHash(tx),
		LogIndex:    hexutil.Uint(index),
	}
}

type recordingHub struct {
	mu     sync.Mutex
	trades []domain.Trade
}

func (h *recordingHub) Publish(t domain.Trade) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, t)
}

func (h *recordingHub) received() []domain.Trade {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Trade(nil), h.trades...)
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *sleepRecorder) Now() time.Time { return time.Now() }

func (c *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *sleepRecorder) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type notifyRecorder struct {
	mu     sync.Mutex
	events []string
}

func (n *notifyRecorder) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *notifyRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	node     *fakeNode
	store    *memory.Store
	hub      *recordingHub
	streamer *Streamer
	done     chan error
	cancel   context.CancelFunc
}

func startStreamer(t *testing.T, node *fakeNode, url string, opts ...Option) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New([]domain.Market{{
		ID:          "1",
		ConditionID: "0xc1",
		EventSlug:   "nba-final",
		Outcomes:    []string{"Yes"},
		TokenIDs:    []string{yesToken},
	}})
	store := memory.New()
	ledger := service.NewLedger(store, nil, logger)
	hub := &recordingHub{}
	cfg := Config{URL: url, BackfillBlocks: 100, ChunkSize: 30, CallTimeout: 2 * time.Second}
	s := NewStreamer(cfg, polygon.NewDecoder(reg), ledger, hub, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{node: node, store: store, hub: hub, streamer: s, done: make(chan error, 1), cancel: cancel}
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
		h.done <- nil
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSubscribed(t *testing.T, n *fakeNode) {
	t.Helper()
	select {
	case <-n.subscribed:
	case <-time.After(3 * time.Second):
		t.Fatal("streamer never subscribed")
	}
}

func TestStreamerBackfillThenLive(t *testing.T) {
	node, url := newFakeNode(t, 1000)
	node.addLog(buyLog(950, 5, "0xb5", yesToken))
	node.addLog(buyLog(950, 2, "0xb2", yesToken))
	node.addLog(buyLog(960, 0, "0xc0", "999"))
	node.addLog(buyLog(990, 1, "0xd1", yesToken))
	node.addLog(buyLog(850, 0, "0xe0", yesToken))

	h := startStreamer(t, node, url)
	waitSubscribed(t, node)
	waitFor(t, "live state", func() bool { return h.streamer.State() == StateLive })

	trades := h.store.Trades()
	if len(trades) != 3 {
		t.Fatalf("backfilled %d trades, want 3 (window excludes block 850, unknown token skipped)", len(trades))
	}
	if trades[0].TransactionHash != strings.ToLower(common.HexToHash("0xb2").Hex()) {
		t.Fatalf("first trade tx = %s, want log index 2 first", trades[0].TransactionHash)
	}
	if *trades[0].TimestampMs >= *trades[1].TimestampMs {
		t.Fatalf("ordering keys not increasing: %d, %d", *trades[0].TimestampMs, *trades[1].TimestampMs)
	}
	if trades[0].TradeTimestamp != blockTime+950 {
		t.Fatalf("trade timestamp = %d", trades[0].TradeTimestamp)
	}
	for _, b := range []uint64{950, 960, 990} {
		if got := node.blockCallsFor(b); got != 1 {
			t.Fatalf("block %d fetched %d times, want 1", b, got)
		}
	}
	if len(h.hub.received()) != 0 {
		t.Fatalf("backfill must not broadcast, got %d", len(h.hub.received()))
	}

	node.addLog(buyLog(1001, 0, "0xf0", yesToken))
	node.pushHead(1001, blockTime+1001)
	waitFor(t, "live broadcast", func() bool { return len(h.hub.received()) == 1 })

	live := h.hub.received()[0]
	if live.ServerReceivedMs == nil {
		t.Fatal("live trade missing server receive time")
	}
	if live.Side != domain.SideBuy || live.Price != 0.5 || live.Size != 1 {
		t.Fatalf("live trade = %+v", live)
	}
	if node.blockCallsFor(1001) != 0 {
		t.Fatal("header timestamp should avoid a block fetch")
	}

	// The same block again stores nothing new and broadcasts nothing.
	node.pushHead(1001, blockTime+1001)
	node.pushHead(1002, blockTime+1002)
	waitFor(t, "three heads", func() bool { return h.streamer.Stats().BlocksSeen == 3 })
	if got := len(h.hub.received()); got != 1 {
		t.Fatalf("broadcasts = %d, want 1", got)
	}

	st := h.streamer.Stats()
	if st.TradesSaved != 4 || st.LastBlock != 1002 || st.State != "live" {
		t.Fatalf("stats = %+v", st)
	}

	h.stop(t)
	if h.streamer.State() != StateDisconnected {
		t.Fatalf("state after stop = %s", h.streamer.State())
	}
}

func TestStreamerReconnectsWithBackoff(t *testing.T) {
	node, url := newFakeNode(t, 500)
	node.mu.Lock()
	node.failDials = 2
	node.mu.Unlock()
	node.addLog(buyLog(480, 3, "0xa3", yesToken))

	clock := &sleepRecorder{}
	notifier := &notifyRecorder{}
	h := startStreamer(t, node, url, WithClock(clock), WithNotifier(notifier))

	waitSubscribed(t, node)
	waitFor(t, "first live", func() bool { return h.streamer.Stats().Connects == 1 })

	node.dropConn()
	waitSubscribed(t, node)
	waitFor(t, "second live", func() bool { return h.streamer.Stats().Connects == 2 })

	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	got := clock.recorded()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
	if notifier.count() != 3 {
		t.Fatalf("notifications = %d, want 3", notifier.count())
	}

	// The replayed window is absorbed by the ledger.
	if n := len(h.store.Trades()); n != 1 {
		t.Fatalf("stored %d trades after reconnect, want 1", n)
	}
	st := h.streamer.Stats()
	if st.TradesSaved != 1 || st.TradesDecoded != 2 || st.Failures != 3 {
		t.Fatalf("stats = %+v", st)
	}

	h.stop(t)
}

func TestStreamerSkipsFailedHeadAndStaysLive(t *testing.T) {
	node, url := newFakeNode(t, 1000)
	node.mu.Lock()
	node.failLogs[1001] = true
	node.mu.Unlock()
	node.addLog(buyLog(1002, 0, "0xf2", yesToken))

	h := startStreamer(t, node, url, WithClock(&sleepRecorder{}))
	waitSubscribed(t, node)
	waitFor(t, "live state", func() bool { return h.streamer.State() == StateLive })

	node.pushHead(1001, blockTime+1001)
	node.pushHead(1002, blockTime+1002)
	waitFor(t, "broadcast after skipped head", func() bool { return len(h.hub.received()) == 1 })

	st := h.streamer.Stats()
	if st.HeadsSkipped != 1 || st.Connects != 1 || st.Failures != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if h.streamer.State() != StateLive {
		t.Fatalf("state = %s, want live", h.streamer.State())
	}

	h.stop(t)
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateBackfilling:  "backfilling",
		StateLive:         "live",
		State(9):          "state(9)",
	}
	for st, want := range cases {
		if st.String() != want {
			t.Errorf("%d.String() = %q, want %q", st, st.String(), want)
		}
	}
}
