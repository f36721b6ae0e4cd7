package polymarket

import (
	"encoding/json"
	"strings"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/shopspring/decimal"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether a flag is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexStrings unmarshals either a JSON array of strings or a string holding a
// JSON-encoded array, which is how Gamma sends outcomes and clobTokenIds.
// Anything else decodes to an empty list instead of failing the whole page.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &list); err == nil {
			*f = list
			return nil
		}
	}
	*f = nil
	return nil
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APITrade is a single fill as returned by the Data API /trades endpoint.
// Size and price arrive as JSON numbers or numeric strings.
type APITrade struct {
	Timestamp       int64           `json:"timestamp"`
	Side            string          `json:"side"`
	Outcome         string          `json:"outcome"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	ProxyWallet     string          `json:"proxyWallet"`
	TransactionHash string          `json:"transactionHash"`
	EventSlug       string          `json:"eventSlug"`
	ConditionID     string          `json:"conditionId"`
	Asset           string          `json:"asset"`

	// Malformed marks a feed element that could not be decoded. It keeps
	// its slot so the page length still reflects what the server sent.
	Malformed bool `json:"-"`
}

// ToDomainTrade converts an APITrade to a domain.Trade attributed to
// conditionID, with amounts rounded to the quote precision.
func (a *APITrade) ToDomainTrade(conditionID string) domain.Trade {
	size, _ := a.Size.Round(domain.QuoteDecimals).Float64()
	price, _ := a.Price.Round(domain.QuoteDecimals).Float64()
	return domain.Trade{
		ConditionID:     conditionID,
		EventSlug:       a.EventSlug,
		TradeTimestamp:  a.Timestamp,
		Side:            domain.Side(strings.ToUpper(a.Side)),
		Outcome:         a.Outcome,
		Size:            size,
		Price:           price,
		ProxyWallet:     strings.ToLower(a.ProxyWallet),
		TransactionHash: strings.ToLower(a.TransactionHash),
		Source:          domain.SourceREST,
	}
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent represents an event as returned by the Polymarket Gamma API.
// An event groups one or more related markets.
type APIEvent struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Slug       string      `json:"slug"`
	SeriesSlug string      `json:"seriesSlug"`
	Active     flexBool    `json:"active"`
	Closed     flexBool    `json:"closed"`
	Markets    []APIMarket `json:"markets"`
}

// APIMarket represents a market nested inside a Gamma event.
type APIMarket struct {
	ID           string      `json:"id"`
	Question     string      `json:"question"`
	ConditionID  string      `json:"conditionId"`
	Slug         string      `json:"slug"`
	Closed       flexBool    `json:"closed"`
	Outcomes     flexStrings `json:"outcomes"`
	ClobTokenIDs flexStrings `json:"clobTokenIds"`
}

// ToDomainMarket converts a Gamma market to a domain.Market, inheriting the
// event slug and sport from its parent event.
func (m *APIMarket) ToDomainMarket(ev *APIEvent) domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		ConditionID: m.ConditionID,
		Slug:        m.Slug,
		Question:    m.Question,
		Outcomes:    []string(m.Outcomes),
		TokenIDs:    []string(m.ClobTokenIDs),
		Closed:      bool(m.Closed),
	}
	if ev != nil {
		dm.EventSlug = ev.Slug
		dm.Sport = sportOf(ev)
	}
	return dm
}

// sportOf infers a sport tag from the event's series slug, e.g. "nba-2025"
// yields "nba".
func sportOf(ev *APIEvent) string {
	s := strings.ToLower(ev.SeriesSlug)
	if i := strings.IndexByte(s, '-'); i > 0 {
		s = s[:i]
	}
	return s
}
