package domain

import "testing"

func TestTradeKeyNormalizes(t *testing.T) {
	a := Trade{
		TransactionHash: "0xABCDEF",
		TradeTimestamp:  1700000000,
		Size:            1.0000001,
		Side:            SideBuy,
		ProxyWallet:     "0xDeadBeef",
	}
	b := Trade{
		TransactionHash: "0xabcdef",
		TradeTimestamp:  1700000000,
		Size:            1.0,
		Side:            SideBuy,
		ProxyWallet:     "0xdeadbeef",
		Source:          SourceChain,
	}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %+v vs %+v", a.Key(), b.Key())
	}

	c := b
	c.Side = SideSell
	if c.Key() == b.Key() {
		t.Fatal("side must be part of the key")
	}
}

func TestDedupTrades(t *testing.T) {
	base := Trade{TransactionHash: "0x1", TradeTimestamp: 10, Size: 2, Side: SideBuy, ProxyWallet: "0xa"}
	other := base
	other.TransactionHash = "0x2"
	dupe := base
	dupe.Outcome = "Yes"

	got := DedupTrades([]Trade{base, other, dupe, other})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].TransactionHash != "0x1" || got[1].TransactionHash != "0x2" {
		t.Fatalf("order not preserved: %+v", got)
	}
	if got[0].Outcome != "" {
		t.Fatal("first occurrence must win")
	}
}

func TestNormalize(t *testing.T) {
	tr := Trade{TransactionHash: "0xAB", ProxyWallet: "0xCD", Size: 0.12345678, Price: 0.5000004}.Normalize()
	if tr.TransactionHash != "0xab" || tr.ProxyWallet != "0xcd" {
		t.Fatalf("hex not lower-cased: %+v", tr)
	}
	if tr.Size != 0.123457 {
		t.Fatalf("size = %v, want 0.123457", tr.Size)
	}
	if tr.Price != 0.5 {
		t.Fatalf("price = %v, want 0.5", tr.Price)
	}
}

func TestMarketFilterMatch(t *testing.T) {
	m := Market{Sport: "NBA", EventSlug: "lakers-vs-celtics"}
	tests := []struct {
		kw   string
		want bool
	}{
		{"", true},
		{"nba", true},
		{"celtics", true},
		{"nfl", false},
	}
	for _, tt := range tests {
		if got := (MarketFilter{Keyword: tt.kw}).Match(m); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.kw, got, tt.want)
		}
	}
}
