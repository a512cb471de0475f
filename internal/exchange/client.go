package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// MainnetBaseURL is the production Bybit v5 API URL
	MainnetBaseURL = "https://api.bybit.com"
	// DemoBaseURL is the demo-trading Bybit v5 API URL
	DemoBaseURL = "https://api-demo.bybit.com"

	categoryLinear = "linear"

	// historyScanLimit bounds how deep order-history paging goes when
	// looking for a fill that the realtime endpoint no longer returns.
	historyScanLimit = 500
)

// RESTClient implements Client against the Bybit v5 REST API.
type RESTClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow int
	httpClient *http.Client
	feed       *PriceFeed // optional websocket ticker cache
	log        zerolog.Logger
}

// ClientConfig holds REST client construction options.
type ClientConfig struct {
	APIKey      string
	SecretKey   string
	BaseURL     string
	DemoTrading bool
	RecvWindow  int
}

// NewRESTClient creates a Bybit v5 REST client. Demo trading routes to the
// demo host unless an explicit base URL overrides it.
func NewRESTClient(cfg ClientConfig, logger zerolog.Logger) *RESTClient {
	baseURL := cfg.BaseURL
	if baseURL == "" || (cfg.DemoTrading && baseURL == MainnetBaseURL) {
		baseURL = MainnetBaseURL
		if cfg.DemoTrading {
			baseURL = DemoBaseURL
		}
	}

	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 {
		recvWindow = 5000
	}

	return &RESTClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: recvWindow,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				ResponseHeaderTimeout: 5 * time.Second,
				MaxIdleConnsPerHost:   10,
			},
		},
		log: logger.With().Str("component", "exchange").Logger(),
	}
}

// AttachPriceFeed wires a websocket ticker cache; CurrentPrice serves from it
// while fresh and falls back to REST otherwise.
func (c *RESTClient) AttachPriceFeed(feed *PriceFeed) {
	c.feed = feed
}

// IsConfigured reports whether API credentials are present.
func (c *RESTClient) IsConfigured() bool {
	return c.apiKey != "" && c.secretKey != ""
}

// ==================== MARKET DATA ====================

// CurrentPrice returns the last traded price for a venue symbol.
func (c *RESTClient) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.feed != nil {
		if price, ok := c.feed.LastPrice(symbol); ok {
			return price, nil
		}
		// subscribe on the miss so later calls come from the stream
		c.feed.Track(symbol)
	}

	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)

	var result tickerListResult
	if err := c.publicGet(ctx, "/v5/market/tickers", params, &result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch ticker for %s: %w", symbol, err)
	}
	if len(result.List) == 0 {
		return decimal.Zero, &APIError{Message: fmt.Sprintf("no ticker for symbol %s", symbol)}
	}

	price, err := decimal.NewFromString(result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse last price %q: %w", result.List[0].LastPrice, err)
	}
	return price, nil
}

// VolatilityPct averages (high-low)/close over the last 30 one-minute candles.
func (c *RESTClient) VolatilityPct(ctx context.Context, symbol string) (decimal.Decimal, error) {
	klines, err := c.klines(ctx, symbol, "1", 30)
	if err != nil {
		return decimal.Zero, err
	}
	if len(klines) == 0 {
		return decimal.Zero, &APIError{Message: fmt.Sprintf("no klines for symbol %s", symbol)}
	}

	sum := decimal.Zero
	counted := 0
	for _, k := range klines {
		if k.Close.IsZero() {
			continue
		}
		sum = sum.Add(k.High.Sub(k.Low).Div(k.Close))
		counted++
	}
	if counted == 0 {
		return decimal.Zero, &APIError{Message: fmt.Sprintf("no usable klines for symbol %s", symbol)}
	}

	hundred := decimal.NewFromInt(100)
	return sum.Div(decimal.NewFromInt(int64(counted))).Mul(hundred), nil
}

func (c *RESTClient) klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var result klineListResult
	if err := c.publicGet(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", symbol, err)
	}

	klines := make([]Kline, 0, len(result.List))
	for _, row := range result.List {
		if len(row) < 6 {
			continue
		}
		k := Kline{
			Start:  parseVenueTime(row[0]),
			Open:   mustDecimal(row[1]),
			High:   mustDecimal(row[2]),
			Low:    mustDecimal(row[3]),
			Close:  mustDecimal(row[4]),
			Volume: mustDecimal(row[5]),
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// ==================== TRADING ====================

// PlaceOrder submits a new order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	body := map[string]interface{}{
		"category":  categoryLinear,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Type),
		"qty":       req.Qty.String(),
	}
	if req.Type == Limit {
		body["price"] = req.Price.String()
		if req.TimeInForce != "" {
			body["timeInForce"] = req.TimeInForce
		}
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}
	if req.PositionIdx != 0 {
		body["positionIdx"] = req.PositionIdx
	}

	var result orderCreateResult
	if err := c.signedPost(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, fmt.Errorf("failed to place %s %s order on %s: %w", req.Side, req.Type, req.Symbol, err)
	}

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.Type)).
		Str("qty", req.Qty.String()).
		Str("order_id", result.OrderID).
		Msg("order placed")

	// Order create only returns the id; the caller polls for the real status.
	return &OrderResult{OrderID: result.OrderID, Status: "New"}, nil
}

// CancelOrder cancels an open order.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var result orderCreateResult
	if err := c.signedPost(ctx, "/v5/order/cancel", body, &result); err != nil {
		return fmt.Errorf("failed to cancel order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

// OpenOrders lists currently open orders for a symbol.
func (c *RESTClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)

	var result orderListResult
	if err := c.signedGet(ctx, "/v5/order/realtime", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders for %s: %w", symbol, err)
	}

	orders := make([]Order, 0, len(result.List))
	for _, raw := range result.List {
		orders = append(orders, raw.toOrder())
	}
	return orders, nil
}

// OrderFillInfo returns the real filled price and venue timestamp for an
// order. The realtime endpoint is consulted first; older fills drop off it,
// so order history is paged afterwards (up to historyScanLimit rows).
func (c *RESTClient) OrderFillInfo(ctx context.Context, symbol, orderID string) (*FillInfo, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var realtime orderListResult
	err := c.signedGet(ctx, "/v5/order/realtime", params, &realtime)
	if err == nil {
		for _, raw := range realtime.List {
			if raw.OrderID == orderID {
				if fill := raw.fillInfo(); fill != nil {
					return fill, nil
				}
				return nil, nil // found and not filled
			}
		}
	} else if !IsTransient(err) {
		// Permanent realtime failure still allows the history fallback.
		c.log.Debug().Err(err).Str("order_id", orderID).Msg("realtime order lookup failed, falling back to history")
	}

	scanned := 0
	cursor := ""
	for scanned < historyScanLimit {
		histParams := url.Values{}
		histParams.Set("category", categoryLinear)
		histParams.Set("symbol", symbol)
		histParams.Set("limit", "50")
		if cursor != "" {
			histParams.Set("cursor", cursor)
		}

		var page orderListResult
		if err := c.signedGet(ctx, "/v5/order/history", histParams, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch order history for %s: %w", symbol, err)
		}
		for _, raw := range page.List {
			if raw.OrderID == orderID {
				return raw.fillInfo(), nil
			}
		}
		scanned += len(page.List)
		if page.NextPageCursor == "" || len(page.List) == 0 {
			break
		}
		cursor = page.NextPageCursor
	}
	return nil, nil
}

// fillInfo extracts the real fill from a raw order, nil when not filled.
// avgPrice is the executed price, never the limit price.
func (o rawOrder) fillInfo() *FillInfo {
	if o.OrderStatus != "Filled" {
		return nil
	}
	price, err := decimal.NewFromString(o.AvgPrice)
	if err != nil || price.IsZero() {
		return nil
	}
	return &FillInfo{Price: price, Time: parseVenueTime(o.UpdatedTime)}
}

func (o rawOrder) toOrder() Order {
	return Order{
		OrderID:       o.OrderID,
		Symbol:        o.Symbol,
		Side:          OrderSide(o.Side),
		Type:          OrderType(o.OrderType),
		Status:        o.OrderStatus,
		Price:         mustDecimal(o.Price),
		Qty:           mustDecimal(o.Qty),
		AvgPrice:      mustDecimal(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		StopOrderType: o.StopOrderType,
		CreatedAt:     parseVenueTime(o.CreatedTime),
		UpdatedAt:     parseVenueTime(o.UpdatedTime),
	}
}

// ==================== POSITIONS ====================

// PositionInfo returns the open position for a symbol, or nil when none.
func (c *RESTClient) PositionInfo(ctx context.Context, symbol string) (*Position, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)

	var result positionListResult
	if err := c.signedGet(ctx, "/v5/position/list", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch position for %s: %w", symbol, err)
	}

	for _, raw := range result.List {
		size := mustDecimal(raw.Size)
		if size.IsZero() || raw.Side == "" {
			continue
		}
		return &Position{
			Symbol:      raw.Symbol,
			Pair:        SymbolToPair(raw.Symbol, ""),
			Side:        OrderSide(raw.Side),
			Contracts:   size,
			EntryPrice:  mustDecimal(raw.AvgPrice),
			TakeProfit:  mustDecimal(raw.TakeProfit),
			StopLoss:    mustDecimal(raw.StopLoss),
			PositionIdx: raw.PositionIdx,
		}, nil
	}
	return nil, nil
}

// ExitFillInfo finds the earliest closing trade or order after since.
// Closing trades (opposite side or closedSize > 0) are preferred over closed
// orders; the reason comes from the conditional order type.
func (c *RESTClient) ExitFillInfo(ctx context.Context, symbol, entryOrderID string, since time.Time, positionSide OrderSide) (*ExitFill, error) {
	if fill, err := c.exitFromExecutions(ctx, symbol, entryOrderID, since, positionSide); err != nil || fill != nil {
		return fill, err
	}
	return c.exitFromClosedOrders(ctx, symbol, entryOrderID, since, positionSide)
}

func (c *RESTClient) exitFromExecutions(ctx context.Context, symbol, entryOrderID string, since time.Time, positionSide OrderSide) (*ExitFill, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("limit", "100")

	var result executionListResult
	if err := c.signedGet(ctx, "/v5/execution/list", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch executions for %s: %w", symbol, err)
	}

	var candidates []rawExecution
	closingSide := string(positionSide.Opposite())
	for _, exec := range result.List {
		if exec.ExecType != "" && exec.ExecType != "Trade" && exec.ExecType != "BustTrade" {
			continue
		}
		if exec.OrderID == entryOrderID {
			continue
		}
		closedSize := mustDecimal(exec.ClosedSize)
		if exec.Side != closingSide && closedSize.IsZero() {
			continue
		}
		if t := parseVenueTime(exec.ExecTime); t.Before(since) {
			continue
		}
		candidates = append(candidates, exec)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return parseVenueTime(candidates[i].ExecTime).Before(parseVenueTime(candidates[j].ExecTime))
	})

	first := candidates[0]
	return &ExitFill{
		Price:  mustDecimal(first.ExecPrice),
		Time:   parseVenueTime(first.ExecTime),
		Reason: classifyExitReason(first.StopOrderType),
	}, nil
}

func (c *RESTClient) exitFromClosedOrders(ctx context.Context, symbol, entryOrderID string, since time.Time, positionSide OrderSide) (*ExitFill, error) {
	params := url.Values{}
	params.Set("category", categoryLinear)
	params.Set("symbol", symbol)
	params.Set("limit", "50")

	var result orderListResult
	if err := c.signedGet(ctx, "/v5/order/history", params, &result); err != nil {
		return nil, fmt.Errorf("failed to fetch closed orders for %s: %w", symbol, err)
	}

	var candidates []rawOrder
	closingSide := string(positionSide.Opposite())
	for _, o := range result.List {
		if o.OrderStatus != "Filled" || o.OrderID == entryOrderID {
			continue
		}
		if !o.ReduceOnly && o.StopOrderType == "" && o.Side != closingSide {
			continue
		}
		if parseVenueTime(o.UpdatedTime).Before(since) {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return parseVenueTime(candidates[i].UpdatedTime).Before(parseVenueTime(candidates[j].UpdatedTime))
	})

	first := candidates[0]
	price := mustDecimal(first.AvgPrice)
	if price.IsZero() {
		price = mustDecimal(first.Price)
	}
	return &ExitFill{
		Price:  price,
		Time:   parseVenueTime(first.UpdatedTime),
		Reason: classifyExitReason(first.StopOrderType),
	}, nil
}

func classifyExitReason(stopOrderType string) ExitReason {
	switch stopOrderType {
	case "TakeProfit", "PartialTakeProfit":
		return ExitTakeProfit
	case "StopLoss", "PartialStopLoss", "TrailingStop":
		return ExitStopLoss
	default:
		return ExitManualClose
	}
}

// SetPositionTPSL adjusts TP/SL through the position-level trading-stop
// endpoint so position volume never increases. A zero decimal is sent as an
// empty string, which leaves that side untouched on the venue.
func (c *RESTClient) SetPositionTPSL(ctx context.Context, symbol string, tp, sl decimal.Decimal, positionIdx int) error {
	body := map[string]interface{}{
		"category":    categoryLinear,
		"symbol":      symbol,
		"tpslMode":    "Full",
		"positionIdx": positionIdx,
	}
	if !tp.IsZero() {
		body["takeProfit"] = tp.String()
	}
	if !sl.IsZero() {
		body["stopLoss"] = sl.String()
	}

	var result struct{}
	if err := c.signedPost(ctx, "/v5/position/trading-stop", body, &result); err != nil {
		return fmt.Errorf("failed to set trading stop on %s: %w", symbol, err)
	}
	return nil
}

// EnsureLeverage sets the symbol leverage. "leverage not modified" is success.
func (c *RESTClient) EnsureLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]interface{}{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}

	var result struct{}
	if err := c.signedPost(ctx, "/v5/position/set-leverage", body, &result); err != nil {
		return fmt.Errorf("failed to set leverage %dx on %s: %w", leverage, symbol, err)
	}
	return nil
}

// ==================== TRANSPORT ====================

func (c *RESTClient) publicGet(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doWithRetry(ctx, http.MethodGet, path, params, nil, false, out)
}

func (c *RESTClient) signedGet(ctx context.Context, path string, params url.Values, out interface{}) error {
	return c.doWithRetry(ctx, http.MethodGet, path, params, nil, true, out)
}

func (c *RESTClient) signedPost(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, path, nil, payload, true, out)
}

func (c *RESTClient) doWithRetry(ctx context.Context, method, path string, params url.Values, body []byte, signed bool, out interface{}) error {
	var lastErr error
	delay := baseRetryDelay

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		lastErr = c.do(ctx, method, path, params, body, signed, out)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		c.log.Warn().Err(lastErr).Str("path", path).Int("attempt", attempt+1).Msg("transient api failure, retrying")
	}
	return lastErr
}

func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, body []byte, signed bool, out interface{}) error {
	endpoint := c.baseURL + path
	query := ""
	if params != nil {
		query = params.Encode()
		endpoint += "?" + query
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		payload := query
		if method == http.MethodPost {
			payload = string(body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(c.recvWindow))
		req.Header.Set("X-BAPI-SIGN", c.sign(ts + c.apiKey + strconv.Itoa(c.recvWindow) + payload))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return &APIError{Code: resp.StatusCode, Message: truncate(string(data), 200), Transient: true}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Code: resp.StatusCode, Message: truncate(string(data), 200), Transient: resp.StatusCode == http.StatusTooManyRequests}
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := newAPIError(envelope.RetCode, envelope.RetMsg); err != nil {
		return err
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// sign computes the HMAC-SHA256 hex signature Bybit v5 expects.
func (c *RESTClient) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseVenueTime handles the venue's millisecond timestamps, tolerating
// second-resolution values from older endpoints.
func parseVenueTime(s string) time.Time {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}
	}
	if v < 1e12 {
		return time.Unix(v, 0).UTC()
	}
	return time.UnixMilli(v).UTC()
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
