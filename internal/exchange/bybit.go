package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"trade-history-sync-go/internal/config"
	"trade-history-sync-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	executionPath = "/v5/execution/list"
	closedPnlPath = "/v5/position/closed-pnl"
	category      = "linear"
)

// Bybit v5 retCode values this subsystem cares about. Everything else
// non-zero is treated as retriable for taxonomy purposes.
var (
	bybitRateLimitCodes = map[int]bool{10006: true, 10018: true}
	bybitUnsupported    = map[int]bool{10005: true, 110067: true}
)

// BybitClient is a thin Bybit v5 adapter implementing Client. It owns
// signing, endpoint mapping, and transport-level pacing; no history policy.
type BybitClient struct {
	client     *resty.Client
	accounts   map[string]config.AccountKeys
	recvWindow string
	logger     *zap.Logger
	limiter    *rate.Limiter
}

var _ Client = (*BybitClient)(nil)

// NewBybitClient creates a Bybit v5 REST adapter for the configured accounts.
func NewBybitClient(cfg *config.Venue, logger *zap.Logger) *BybitClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)

	// rate.Limit is requests per second, shared across all accounts because
	// the venue throttles by source IP.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &BybitClient{
		client:     client,
		accounts:   cfg.Accounts,
		recvWindow: cfg.RecvWindow,
		logger:     logger.Named("bybit"),
		limiter:    limiter,
	}
}

// sign creates the Bybit v5 HMAC-SHA256 request signature.
func (c *BybitClient) sign(secret, timestamp, apiKey, query string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + apiKey + c.recvWindow + query))
	return hex.EncodeToString(h.Sum(nil))
}

// envelope is the common Bybit v5 response wrapper.
type envelope[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List           []T    `json:"list"`
		NextPageCursor string `json:"nextPageCursor"`
	} `json:"result"`
}

type executionItem struct {
	Symbol    string `json:"symbol"`
	OrderID   string `json:"orderId"`
	ExecID    string `json:"execId"`
	Side      string `json:"side"`
	ExecQty   string `json:"execQty"`
	ExecPrice string `json:"execPrice"`
	ExecFee   string `json:"execFee"`
	ExecTime  string `json:"execTime"`
	IsMaker   bool   `json:"isMaker"`
}

type closedPnlItem struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"orderId"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avgEntryPrice"`
	AvgExitPrice  string `json:"avgExitPrice"`
	ClosedPnl     string `json:"closedPnl"`
	CreatedTime   string `json:"createdTime"`
	UpdatedTime   string `json:"updatedTime"`
}

// FetchExecutions retrieves one page of fills for the account.
func (c *BybitClient) FetchExecutions(ctx context.Context, account string, q Query) (*Page[models.TradeExecution], error) {
	var env envelope[executionItem]
	if err := c.get(ctx, account, executionPath, q, &env); err != nil {
		return nil, err
	}

	page := &Page[models.TradeExecution]{NextCursor: env.Result.NextPageCursor}
	for _, it := range env.Result.List {
		rec, err := it.toModel()
		if err != nil {
			c.logger.Warn("Skipping malformed execution row",
				zap.String("account", account), zap.String("execId", it.ExecID), zap.Error(err))
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// FetchClosedPositions retrieves one page of closed-pnl records for the account.
func (c *BybitClient) FetchClosedPositions(ctx context.Context, account string, q Query) (*Page[models.ClosedPositionRecord], error) {
	var env envelope[closedPnlItem]
	if err := c.get(ctx, account, closedPnlPath, q, &env); err != nil {
		return nil, err
	}

	page := &Page[models.ClosedPositionRecord]{NextCursor: env.Result.NextPageCursor}
	for _, it := range env.Result.List {
		rec, err := it.toModel()
		if err != nil {
			c.logger.Warn("Skipping malformed closed-pnl row",
				zap.String("account", account), zap.String("orderId", it.OrderID), zap.Error(err))
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// get signs and executes one GET against a v5 endpoint, mapping transport
// and provider failures onto the package error taxonomy.
func (c *BybitClient) get(ctx context.Context, account, path string, q Query, out any) error {
	keys, ok := c.accounts[account]
	if !ok {
		return fmt.Errorf("no credentials configured for account %q", account)
	}

	params := url.Values{}
	params.Set("category", category)
	if q.StartMs > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartMs, 10))
	}
	if q.EndMs > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndMs, 10))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	query := params.Encode()

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req := c.client.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", keys.ApiKey).
		SetHeader("X-BAPI-TIMESTAMP", timestamp).
		SetHeader("X-BAPI-RECV-WINDOW", c.recvWindow).
		SetHeader("X-BAPI-SIGN", c.sign(keys.SecretKey, timestamp, keys.ApiKey, query)).
		SetQueryString(query).
		SetResult(out)

	_, err := c.doRequest(ctx, http.MethodGet, path, req)
	if err != nil {
		return err
	}

	// The HTTP layer succeeded; decode the provider status.
	type status interface{ retStatus() (int, string) }
	code, msg := out.(status).retStatus()
	if code == 0 {
		return nil
	}

	kind := KindRetriable
	switch {
	case bybitRateLimitCodes[code]:
		kind = KindRateLimited
	case bybitUnsupported[code]:
		kind = KindAccountUnsupported
	}
	c.logger.Warn("Provider returned non-zero status",
		zap.String("account", account), zap.String("path", path),
		zap.Int("retCode", code), zap.String("retMsg", msg))
	return &ProviderError{Code: code, Msg: msg, Kind: kind}
}

// doRequest handles the actual request execution with rate limiting and retry
// logic. HTTP 429 is not retried here: the fetcher counts the chunk as failed
// instead of stacking adaptive backoff on top of the fixed pacing delay.
func (c *BybitClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Err: fmt.Errorf("rate limiter wait failed: %w", err)}
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
			return nil, &ProviderError{Code: http.StatusTooManyRequests, Msg: "http rate limited", Kind: KindRateLimited}
		}

		// Retry transport failures and server errors with backoff.
		shouldRetry := err != nil || resp.StatusCode() >= 500
		if !shouldRetry {
			return nil, &TransportError{Err: fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())}
		}

		// Exponential backoff: 1s, 2s, 4s
		retryAfter := time.Duration(math.Pow(2, float64(i))) * time.Second
		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, &TransportError{Err: ctx.Err()}
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, &TransportError{Err: fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)}
}

func (e *envelope[T]) retStatus() (int, string) { return e.RetCode, e.RetMsg }

func (it executionItem) toModel() (models.TradeExecution, error) {
	qty, err := strconv.ParseFloat(it.ExecQty, 64)
	if err != nil {
		return models.TradeExecution{}, fmt.Errorf("bad execQty %q: %w", it.ExecQty, err)
	}
	price, err := strconv.ParseFloat(it.ExecPrice, 64)
	if err != nil {
		return models.TradeExecution{}, fmt.Errorf("bad execPrice %q: %w", it.ExecPrice, err)
	}
	ts, err := strconv.ParseInt(it.ExecTime, 10, 64)
	if err != nil {
		return models.TradeExecution{}, fmt.Errorf("bad execTime %q: %w", it.ExecTime, err)
	}
	fee, _ := strconv.ParseFloat(it.ExecFee, 64) // missing fee is zero, not an error

	return models.TradeExecution{
		Symbol:        it.Symbol,
		OrderID:       it.OrderID,
		ExecID:        it.ExecID,
		Side:          it.Side,
		Qty:           qty,
		Price:         price,
		Fee:           fee,
		ExecTimestamp: ts,
		IsMaker:       it.IsMaker,
	}, nil
}

func (it closedPnlItem) toModel() (models.ClosedPositionRecord, error) {
	qty, err := strconv.ParseFloat(it.Qty, 64)
	if err != nil {
		return models.ClosedPositionRecord{}, fmt.Errorf("bad qty %q: %w", it.Qty, err)
	}
	created, err := strconv.ParseInt(it.CreatedTime, 10, 64)
	if err != nil {
		return models.ClosedPositionRecord{}, fmt.Errorf("bad createdTime %q: %w", it.CreatedTime, err)
	}
	updated, err := strconv.ParseInt(it.UpdatedTime, 10, 64)
	if err != nil {
		return models.ClosedPositionRecord{}, fmt.Errorf("bad updatedTime %q: %w", it.UpdatedTime, err)
	}
	entry, _ := strconv.ParseFloat(it.AvgEntryPrice, 64)
	exit, _ := strconv.ParseFloat(it.AvgExitPrice, 64)
	pnl, _ := strconv.ParseFloat(it.ClosedPnl, 64)

	return models.ClosedPositionRecord{
		Symbol:           it.Symbol,
		OrderID:          it.OrderID,
		Side:             it.Side,
		ClosedQty:        qty,
		AvgEntryPrice:    entry,
		AvgExitPrice:     exit,
		ClosedPnl:        pnl,
		CreatedTimestamp: created,
		UpdatedTimestamp: updated,
		Source:           models.SourceProvider,
	}, nil
}
