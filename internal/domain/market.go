package domain

import (
	"strings"
	"time"
)

// Market is a prediction market as the discovery layer stores it. Outcomes and
// TokenIDs are parallel: TokenIDs[i] pays out on Outcomes[i].
type Market struct {
	ID          string
	ConditionID string
	Slug        string
	Question    string
	EventSlug   string
	Sport       string
	Outcomes    []string
	TokenIDs    []string
	Closed      bool
	UpdatedAt   time.Time
}

// MarketFilter narrows a market listing. Keyword matches the sport tag, either
// slug or the question, case-insensitively; empty matches everything.
type MarketFilter struct {
	Keyword string
	Limit   int
}

// Match reports whether m passes the filter.
func (f MarketFilter) Match(m Market) bool {
	if f.Keyword == "" {
		return true
	}
	kw := strings.ToLower(f.Keyword)
	for _, field := range []string{m.Sport, m.EventSlug, m.Slug, m.Question} {
		if strings.Contains(strings.ToLower(field), kw) {
			return true
		}
	}
	return false
}

// TokenInfo is what the registry knows about a single outcome token.
type TokenInfo struct {
	ConditionID string
	EventSlug   string
	Outcome     string
}
