package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/ratelimit"
)

// TradeQuery selects one page of the Data API trade feed.
type TradeQuery struct {
	Market string
	Limit  int
	Offset int
	Side   domain.Side // empty for both sides
}

// DataClient is the REST client for the Polymarket Data API, which serves the
// historical trade feed. Every request passes through the shared interval
// limiter and is retried under the configured policy.
type DataClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.IntervalLimiter
	policy     ratelimit.Policy
	clock      ratelimit.Clock
}

// NewDataClient creates a new Data API client.
//
// baseURL is the Data API root, e.g. "https://data-api.polymarket.com".
func NewDataClient(baseURL string, limiter *ratelimit.IntervalLimiter, policy ratelimit.Policy) *DataClient {
	return &DataClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: limiter,
		policy:  policy,
		clock:   ratelimit.SystemClock{},
	}
}

// FetchTrades returns one page of trades. Elements that fail to decode come
// back marked Malformed in their position. A 400 yields domain.ErrClientRejected
// without retrying; 429, 5xx and transport errors are retried, and running out
// of attempts yields ratelimit.ErrRetriesExhausted.
func (c *DataClient) FetchTrades(ctx context.Context, q TradeQuery) ([]APITrade, error) {
	params := url.Values{}
	params.Set("market", q.Market)
	params.Set("limit", strconv.Itoa(q.Limit))
	params.Set("offset", strconv.Itoa(q.Offset))
	if q.Side != "" {
		params.Set("side", string(q.Side))
	}
	path := "/trades?" + params.Encode()

	var body []byte
	err := c.policy.Do(ctx, c.clock, func(int) (ratelimit.Outcome, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return ratelimit.Fail, err
			}
		}

		b, header, status, err := c.doGet(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ratelimit.Fail, err
			}
			return ratelimit.Retry, err
		}

		switch {
		case status >= 200 && status < 300:
			body = b
			return ratelimit.Success, nil
		case status == http.StatusTooManyRequests:
			return ratelimit.RetryAfter(retryAfter(header)), checkHTTPStatus(status, b)
		case status >= 500:
			return ratelimit.Retry, checkHTTPStatus(status, b)
		default:
			return ratelimit.Fail, checkHTTPStatus(status, b)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket/data: fetch trades %s offset=%d: %w", q.Market, q.Offset, err)
	}

	// A non-array body (e.g. an error object) carries no trades.
	if b := bytes.TrimSpace(body); len(b) == 0 || b[0] != '[' {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("polymarket/data: decode trades: %w", err)
	}
	trades := make([]APITrade, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &trades[i]); err != nil {
			trades[i] = APITrade{Malformed: true}
		}
	}
	return trades, nil
}

// doGet sends an unauthenticated GET request to the Data API.
func (c *DataClient) doGet(ctx context.Context, path string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.Header, resp.StatusCode, nil
}
