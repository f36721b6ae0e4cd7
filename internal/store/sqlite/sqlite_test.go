package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func trade(tx string, size float64) domain.Trade {
	ms := int64(1700000000123)
	return domain.Trade{
		ConditionID:     "0xc1",
		EventSlug:       "nba-final",
		TradeTimestamp:  1700000000,
		TimestampMs:     &ms,
		Side:            domain.SideBuy,
		Outcome:         "Yes",
		Size:            size,
		Price:           0.5,
		ProxyWallet:     "0xAB",
		TransactionHash: tx,
		Source:          domain.SourceREST,
	}
}

func TestInsertTradesDeduplicates(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	novel, err := s.InsertTrades(ctx, []domain.Trade{trade("0xAA", 2), trade("0xbb", 3)})
	if err != nil {
		t.Fatal(err)
	}
	if len(novel) != 2 {
		t.Fatalf("novel = %d, want 2", len(novel))
	}
	if novel[0].TransactionHash != "0xaa" || novel[0].ProxyWallet != "0xab" {
		t.Fatalf("novel trade not normalized: %+v", novel[0])
	}

	// Same fill with different case and a size that rounds to the same 6dp.
	again := trade("0xaa", 2.0000001)
	again.ProxyWallet = "0xab"
	novel, err = s.InsertTrades(ctx, []domain.Trade{again, trade("0xcc", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(novel) != 1 || novel[0].TransactionHash != "0xcc" {
		t.Fatalf("novel = %+v, want only 0xcc", novel)
	}

	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count = %d, %v; want 3", n, err)
	}
	n, err = s.CountByCondition(ctx, "0xc1")
	if err != nil || n != 3 {
		t.Fatalf("CountByCondition = %d, %v; want 3", n, err)
	}
	n, _ = s.CountByCondition(ctx, "0xother")
	if n != 0 {
		t.Fatalf("other market count = %d", n)
	}
}

func TestInsertTradesDuplicateWithinBatch(t *testing.T) {
	s := openTemp(t)
	novel, err := s.InsertTrades(context.Background(), []domain.Trade{trade("0x1", 1), trade("0x1", 1)})
	if err != nil {
		t.Fatal(err)
	}
	if len(novel) != 1 {
		t.Fatalf("novel = %d, want 1", len(novel))
	}
}

func TestInsertTradesConcurrent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			novel, err := s.InsertTrades(ctx, []domain.Trade{trade("0xdup", 5)})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += len(novel)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 1 {
		t.Fatalf("concurrent inserts reported %d novel, want 1", total)
	}
}

func TestCheckpoints(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "trades_all"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get on empty = %v, want ErrNotFound", err)
	}
	if err := s.Save(ctx, domain.Checkpoint{TaskName: "trades_all", LastKey: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, domain.Checkpoint{TaskName: "trades_all", LastKey: "b", LastOffset: 7}); err != nil {
		t.Fatal(err)
	}
	cp, err := s.Get(ctx, "trades_all")
	if err != nil {
		t.Fatal(err)
	}
	if cp.LastKey != "b" || cp.LastOffset != 7 || cp.UpdatedAt.IsZero() {
		t.Fatalf("checkpoint = %+v", cp)
	}
	if err := s.Clear(ctx, "trades_all"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "trades_all"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get after clear = %v", err)
	}
}

func TestMarkets(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	markets := []domain.Market{
		{ID: "2", ConditionID: "0xc2", Slug: "b-game", EventSlug: "nba-1", Sport: "nba", Outcomes: []string{"Yes", "No"}, TokenIDs: []string{"1", "2"}},
		{ID: "1", ConditionID: "0xc1", Slug: "a-game", EventSlug: "nba-1", Sport: "nba", Outcomes: []string{"Yes", "No"}, TokenIDs: []string{"3", "4"}},
		{ID: "3", ConditionID: "0xc3", Slug: "election", EventSlug: "politics", Question: "Who wins?"},
	}
	if err := s.UpsertBatch(ctx, markets); err != nil {
		t.Fatal(err)
	}
	markets[2].Closed = true
	if err := s.UpsertBatch(ctx, markets[2:]); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, domain.MarketFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("List = %d markets, want 3", len(all))
	}
	if all[0].Slug != "a-game" || all[1].Slug != "b-game" || all[2].Slug != "election" {
		t.Fatalf("order = %s, %s, %s", all[0].Slug, all[1].Slug, all[2].Slug)
	}
	if !all[2].Closed || len(all[2].TokenIDs) != 0 {
		t.Fatalf("upsert not applied: %+v", all[2])
	}
	if len(all[0].TokenIDs) != 2 || all[0].TokenIDs[0] != "3" || all[0].Outcomes[1] != "No" {
		t.Fatalf("token round trip = %+v", all[0])
	}

	nba, err := s.List(ctx, domain.MarketFilter{Keyword: "NBA", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(nba) != 1 || nba[0].ID != "1" {
		t.Fatalf("filtered = %+v", nba)
	}
}
