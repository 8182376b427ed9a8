package mexc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotbot/internal/crypto"
	"github.com/alanyoungcy/spotbot/internal/domain"
)

// DefaultBaseURL is the public MEXC spot API root.
const DefaultBaseURL = "https://api.mexc.com"

// Client is the REST client for the MEXC spot v3 API. It implements
// domain.Exchange.
type Client struct {
	baseURL     string
	auth        *crypto.HMACAuth
	httpClient  *http.Client
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	steps map[string]decimal.Decimal
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the number of attempts for idempotent requests and the
// initial delay between them. The delay doubles after each attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		c.retryDelay = delay
	}
}

// NewClient creates a new MEXC REST client.
//
// baseURL is the API root, e.g. "https://api.mexc.com". auth may be nil for
// public endpoints only.
func NewClient(baseURL string, auth *crypto.HMACAuth, logger *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		auth:    auth,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxAttempts: 3,
		retryDelay:  500 * time.Millisecond,
		logger:      logger.With(slog.String("component", "mexc")),
		steps:       make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ domain.Exchange = (*Client)(nil)

// GetPrice returns the last traded price for symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doPublic(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, fmt.Errorf("mexc: get price %s: %w", symbol, err)
	}

	var resp tickerPrice
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("mexc: decode price %s: %w", symbol, err)
	}
	price := parseFloat(resp.Price)
	if price <= 0 {
		return 0, fmt.Errorf("mexc: get price %s: %w", symbol, domain.ErrUnknown)
	}
	return price, nil
}

// GetBalances returns every asset balance on the account. An account answer
// without any balances is unknown, never an empty account.
func (c *Client) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", nil)
	if err != nil {
		return nil, fmt.Errorf("mexc: get account: %w", err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mexc: decode account: %w", err)
	}
	if len(resp.Balances) == 0 {
		return nil, fmt.Errorf("mexc: get account: no balances: %w", domain.ErrUnknown)
	}

	out := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		out = append(out, domain.Balance{
			Asset:  strings.ToUpper(b.Asset),
			Free:   parseFloat(b.Free),
			Locked: parseFloat(b.Locked),
		})
	}
	return out, nil
}

// GetBalance returns the balance of a single asset. An asset missing from a
// non-empty account answer is a zero balance.
func (c *Client) GetBalance(ctx context.Context, asset string) (domain.Balance, error) {
	balances, err := c.GetBalances(ctx)
	if err != nil {
		return domain.Balance{}, err
	}
	asset = strings.ToUpper(asset)
	for _, b := range balances {
		if b.Asset == asset {
			return b, nil
		}
	}
	return domain.Balance{Asset: asset}, nil
}

// SubmitOrder places a market order. The quantity is truncated to the
// symbol's step size. Order submission is never retried; the caller owns
// duplicate protection and fill verification.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	orderType := req.Type
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(orderType))

	switch {
	case req.Quantity > 0:
		qty, err := c.formatQuantity(ctx, req.Symbol, req.Quantity)
		if err != nil {
			return domain.OrderAck{}, fmt.Errorf("mexc: submit order %s: %w", req.Symbol, err)
		}
		params.Set("quantity", qty)
	case req.QuoteAmount > 0 && req.Side == domain.OrderSideBuy:
		params.Set("quoteOrderQty", decimal.NewFromFloat(req.QuoteAmount).Truncate(8).String())
	default:
		return domain.OrderAck{}, fmt.Errorf("mexc: submit order %s: %w", req.Symbol, domain.ErrInvalidOrder)
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSignedOnce(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 &&
			apiErr.Status != http.StatusTooManyRequests && apiErr.Status != http.StatusUnauthorized &&
			apiErr.Status != http.StatusForbidden {
			return domain.OrderAck{}, fmt.Errorf("mexc: submit order %s: %w", req.Symbol,
				&domain.OrderRejectedError{Code: apiErr.Code, Reason: apiErr.Msg})
		}
		return domain.OrderAck{}, fmt.Errorf("mexc: submit order %s: %w", req.Symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("mexc: decode order: %w", err)
	}
	if resp.OrderID == "" {
		return domain.OrderAck{}, fmt.Errorf("mexc: submit order %s: empty order id: %w", req.Symbol, domain.ErrUnknown)
	}

	ack := domain.OrderAck{
		OrderID:       string(resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
	}
	if resp.TransactTime > 0 {
		ack.TransactTime = time.UnixMilli(resp.TransactTime).UTC()
	}
	return ack, nil
}

// GetOrderHistory returns the account's most recent fills for symbol,
// newest last. An empty list is a valid answer.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.Fill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, fmt.Errorf("mexc: get trades %s: %w", symbol, err)
	}

	var records []tradeRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("mexc: decode trades %s: %w", symbol, err)
	}

	fills := make([]domain.Fill, 0, len(records))
	for _, r := range records {
		side := domain.OrderSideSell
		if r.IsBuyer {
			side = domain.OrderSideBuy
		}
		fills = append(fills, domain.Fill{
			OrderID:  string(r.OrderID),
			Symbol:   r.Symbol,
			Side:     side,
			Price:    parseFloat(r.Price),
			Quantity: parseFloat(r.Qty),
			Fee:      parseFloat(r.Commission),
			Time:     time.UnixMilli(r.Time).UTC(),
		})
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	return fills, nil
}

// GetOpenOrders returns resting orders for symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("mexc: get open orders %s: %w", symbol, err)
	}

	var records []openOrderRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("mexc: decode open orders %s: %w", symbol, err)
	}

	out := make([]domain.OpenOrder, 0, len(records))
	for _, r := range records {
		out = append(out, domain.OpenOrder{
			OrderID:  string(r.OrderID),
			Symbol:   r.Symbol,
			Side:     domain.OrderSide(strings.ToUpper(r.Side)),
			Price:    parseFloat(r.Price),
			Quantity: parseFloat(r.OrigQty),
			Created:  time.UnixMilli(r.Time).UTC(),
		})
	}
	return out, nil
}

// Get24hTickers returns the 24h rolling summary for every symbol.
func (c *Client) Get24hTickers(ctx context.Context) ([]domain.Ticker, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, fmt.Errorf("mexc: get tickers: %w", err)
	}

	var records []ticker24h
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("mexc: decode tickers: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("mexc: get tickers: %w", domain.ErrUnknown)
	}

	out := make([]domain.Ticker, 0, len(records))
	for _, r := range records {
		out = append(out, domain.Ticker{
			Symbol:      r.Symbol,
			LastPrice:   parseFloat(r.LastPrice),
			QuoteVolume: parseFloat(r.QuoteVolume),
			ChangePct:   parseFloat(r.PriceChangePercent),
		})
	}
	return out, nil
}

// GetKlines returns up to limit candles for symbol, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.doPublic(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, fmt.Errorf("mexc: get klines %s: %w", symbol, err)
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("mexc: decode klines %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("mexc: get klines %s: %w", symbol, domain.ErrUnknown)
	}

	out := make([]domain.Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("mexc: decode klines %s: short row of %d fields", symbol, len(row))
		}
		var (
			openTime int64
			fields   [5]flexString
		)
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("mexc: decode kline open time: %w", err)
		}
		for i := range fields {
			if err := json.Unmarshal(row[i+1], &fields[i]); err != nil {
				return nil, fmt.Errorf("mexc: decode kline field %d: %w", i+1, err)
			}
		}
		out = append(out, domain.Kline{
			OpenTime: time.UnixMilli(openTime).UTC(),
			Open:     parseFloat(fields[0]),
			High:     parseFloat(fields[1]),
			Low:      parseFloat(fields[2]),
			Close:    parseFloat(fields[3]),
			Volume:   parseFloat(fields[4]),
		})
	}
	return out, nil
}

// StepSize returns the quantity increment for symbol, fetching and caching
// exchangeInfo on first use.
func (c *Client) StepSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.Lock()
	step, ok := c.steps[symbol]
	c.mu.Unlock()
	if ok {
		return step, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mexc: get exchange info %s: %w", symbol, err)
	}

	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("mexc: decode exchange info %s: %w", symbol, err)
	}

	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		step = stepFromInfo(s)
		c.mu.Lock()
		c.steps[symbol] = step
		c.mu.Unlock()
		return step, nil
	}
	return decimal.Zero, fmt.Errorf("mexc: exchange info %s: %w", symbol, domain.ErrNotFound)
}

// stepFromInfo prefers the LOT_SIZE filter, then baseSizePrecision, then
// baseAssetPrecision digits.
func stepFromInfo(s symbolInfo) decimal.Decimal {
	for _, f := range s.Filters {
		if f.FilterType != "LOT_SIZE" {
			continue
		}
		if d, err := decimal.NewFromString(string(f.StepSize)); err == nil && d.IsPositive() {
			return d
		}
	}
	if d, err := decimal.NewFromString(string(s.BaseSizePrecision)); err == nil && d.IsPositive() {
		return d
	}
	return decimal.New(1, -int32(s.BaseAssetPrecision))
}

// formatQuantity truncates qty down to a multiple of the symbol's step.
func (c *Client) formatQuantity(ctx context.Context, symbol string, qty float64) (string, error) {
	step, err := c.StepSize(ctx, symbol)
	if err != nil {
		return "", err
	}
	d := TruncateToStep(decimal.NewFromFloat(qty), step)
	if !d.IsPositive() {
		return "", fmt.Errorf("quantity %v below step %s: %w", qty, step, domain.ErrInvalidOrder)
	}
	return d.String(), nil
}

// TruncateToStep rounds qty down to the nearest multiple of step.
func TruncateToStep(qty, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

// --------------------------------------------------------------------------
// HTTP plumbing
// --------------------------------------------------------------------------

// APIError is a non-2xx response from the exchange.
type APIError struct {
	Status int
	Code   int
	Msg    string
	cause  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (code %d)", e.Status, e.Msg, e.Code)
}

func (e *APIError) Unwrap() error { return e.cause }

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.withRetry(ctx, c.maxAttempts, func() (*http.Request, error) {
		fullURL := c.baseURL + path
		if len(params) > 0 {
			fullURL += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	})
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	return c.signedRequest(ctx, c.maxAttempts, method, path, params)
}

func (c *Client) doSignedOnce(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	return c.signedRequest(ctx, 1, method, path, params)
}

func (c *Client) signedRequest(ctx context.Context, attempts int, method, path string, params url.Values) ([]byte, error) {
	if !c.auth.Configured() {
		return nil, fmt.Errorf("mexc: API credentials not configured: %w", domain.ErrUnauthorized)
	}
	return c.withRetry(ctx, attempts, func() (*http.Request, error) {
		// Re-sign each attempt so the timestamp stays inside recvWindow.
		signed := url.Values{}
		for k, v := range params {
			signed[k] = append([]string(nil), v...)
		}
		query := c.auth.Sign(signed)
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MEXC-APIKEY", c.auth.Key)
		return req, nil
	})
}

// withRetry executes the request built by build up to attempts times,
// retrying only transient and rate limit failures.
func (c *Client) withRetry(ctx context.Context, attempts int, build func() (*http.Request, error)) ([]byte, error) {
	delay := c.retryDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")

		body, err := c.do(req)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}

		c.logger.WarnContext(ctx, "mexc: retrying request",
			slog.String("path", req.URL.Path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("http request: %v: %w", err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, domain.ErrTransientNetwork)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to errors wrapping the domain
// sentinels.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var errBody apiError
	_ = json.Unmarshal(body, &errBody)
	apiErr := &APIError{Status: statusCode, Code: errBody.Code, Msg: errBody.Msg}
	if apiErr.Msg == "" {
		apiErr.Msg = strings.TrimSpace(string(body))
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusTeapot:
		apiErr.cause = domain.ErrRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		apiErr.cause = domain.ErrUnauthorized
	case statusCode >= 500:
		apiErr.cause = domain.ErrTransientNetwork
	}
	return apiErr
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransientNetwork) || errors.Is(err, domain.ErrRateLimited)
}

// parseFloat reads an exchange decimal string. Malformed values read as zero
// and callers treat zero prices as unknown.
func parseFloat(s flexString) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(string(s))
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
