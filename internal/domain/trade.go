package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the taker direction of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade sources.
const (
	SourceREST  = "rest"
	SourceChain = "chain"
)

// Trade is a single fill in the ledger. Both ingestion paths produce the same
// shape; TradeKey decides whether two records describe the same fill.
type Trade struct {
	ConditionID      string  `json:"condition_id"`
	EventSlug        string  `json:"event_slug"`
	TradeTimestamp   int64   `json:"trade_timestamp"`
	TimestampMs      *int64  `json:"timestamp_ms,omitempty"`
	ServerReceivedMs *int64  `json:"server_received_ms,omitempty"`
	Side             Side    `json:"side"`
	Outcome          string  `json:"outcome"`
	Size             float64 `json:"size"`
	Price            float64 `json:"price"`
	ProxyWallet      string  `json:"proxy_wallet"`
	TransactionHash  string  `json:"transaction_hash"`
	Source           string  `json:"-"`
}

// TradeKey is the identity tuple enforced unique across the whole store.
type TradeKey struct {
	TransactionHash string
	TradeTimestamp  int64
	Size            string
	Side            Side
	ProxyWallet     string
}

// Key returns the identity tuple of t. Size is compared at 6 decimals, which is
// the precision of the quote currency on chain.
func (t Trade) Key() TradeKey {
	return TradeKey{
		TransactionHash: strings.ToLower(t.TransactionHash),
		TradeTimestamp:  t.TradeTimestamp,
		Size:            decimal.NewFromFloat(t.Size).Round(QuoteDecimals).String(),
		Side:            t.Side,
		ProxyWallet:     strings.ToLower(t.ProxyWallet),
	}
}

// DedupTrades drops every trade whose key was already seen, keeping the first
// occurrence and the input order.
func DedupTrades(trades []Trade) []Trade {
	seen := make(map[TradeKey]struct{}, len(trades))
	out := make([]Trade, 0, len(trades))
	for _, t := range trades {
		k := t.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	return out
}

// QuoteDecimals is the decimal scale of the collateral token (USDC).
const QuoteDecimals = 6

// RoundAmount rounds v to QuoteDecimals places.
func RoundAmount(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(QuoteDecimals).Float64()
	return f
}

// Normalize lower-cases hex identifiers and rounds size and price so that the
// stored row matches the identity key exactly.
func (t Trade) Normalize() Trade {
	t.TransactionHash = strings.ToLower(t.TransactionHash)
	t.ProxyWallet = strings.ToLower(t.ProxyWallet)
	t.Size = RoundAmount(t.Size)
	t.Price = RoundAmount(t.Price)
	return t
}
