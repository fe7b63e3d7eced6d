package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/ratelimit"
)

// Retry configuration for read calls. Order writes are single attempt;
// the order lifecycle owns their retry loop.
const (
	maxRetries     = 3
	baseRetryDelay = time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
	// SpotBaseURL hosts the futures transfer endpoint
	SpotBaseURL = "https://api.binance.com"
)

// Pacer is consulted after every response; ratelimit.Governor implements it
type Pacer interface {
	Observe(ctx context.Context, u ratelimit.Usage) error
}

// Envelope is the uniform result of one exchange call
type Envelope struct {
	Method       string
	Path         string
	Status       int
	Body         []byte
	UsedWeight1m int
	OrderCount1m int
	RetryAfter   time.Duration
}

// FuturesClientImpl implements the FuturesClient interface
type FuturesClientImpl struct {
	apiKey     string
	secretKey  string
	baseURL    string
	spotURL    string
	recvWindow int
	httpClient *http.Client
	pacer      Pacer
	retryDelay time.Duration
	logger     *logging.Logger

	instMu      sync.RWMutex
	instruments map[string]Instrument
}

// ClientOptions configures a FuturesClientImpl
type ClientOptions struct {
	APIKey     string
	SecretKey  string
	BaseURL    string
	SpotURL    string
	TestNet    bool
	RecvWindow int
	Timeout    time.Duration
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(opts ClientOptions, pacer Pacer, logger *logging.Logger) *FuturesClientImpl {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if opts.TestNet {
			baseURL = FuturesTestnetURL
		}
	}
	spotURL := opts.SpotURL
	if spotURL == "" {
		spotURL = SpotBaseURL
	}
	if opts.RecvWindow == 0 {
		opts.RecvWindow = 10000
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClientImpl{
		apiKey:      strings.TrimSpace(opts.APIKey),
		secretKey:   strings.TrimSpace(opts.SecretKey),
		baseURL:     strings.TrimRight(baseURL, "/"),
		spotURL:     strings.TrimRight(spotURL, "/"),
		recvWindow:  opts.RecvWindow,
		httpClient:  &http.Client{Timeout: opts.Timeout},
		pacer:       pacer,
		retryDelay:  baseRetryDelay,
		logger:      logger.WithComponent("binance"),
		instruments: make(map[string]Instrument),
	}
}

// ==================== ACCOUNT ====================

// GetAccountInfo retrieves futures account balances and margin
func (c *FuturesClientImpl) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	var info FuturesAccountInfo
	if err := c.read(ctx, "/fapi/v2/account", nil, true, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPositionRisk returns all position rows for a symbol (two rows in hedge mode)
func (c *FuturesClientImpl) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	var positions []FuturesPosition
	if err := c.read(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol}, true, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SetLeverage sets leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	body, err := c.call(ctx, http.MethodPost, c.baseURL, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}, true, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var resp LeverageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("error parsing leverage response: %w", err)
	}
	return &resp, nil
}

// GetLeverageBrackets returns the notional brackets for a symbol
func (c *FuturesClientImpl) GetLeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error) {
	var rows []SymbolLeverageBrackets
	if err := c.read(ctx, "/fapi/v1/leverageBracket", map[string]string{"symbol": symbol}, true, &rows); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Symbol == symbol {
			return row.Brackets, nil
		}
	}
	return nil, faults.Newf(faults.ConsistencyGuard, "leverageBracket", "no brackets returned for %s", symbol)
}

// SetMarginType sets margin type for a symbol. "No need to change" is success.
func (c *FuturesClientImpl) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	_, err := c.call(ctx, http.MethodPost, c.baseURL, "/fapi/v1/marginType", map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	}, true, maxRetries)
	if err != nil && faults.Code(err) != CodeNoNeedToChangeMargin {
		return fmt.Errorf("error setting margin type: %w", err)
	}
	return nil
}

// TransferToSpot moves asset from the USDT-M futures wallet to spot
func (c *FuturesClientImpl) TransferToSpot(ctx context.Context, asset string, amount float64) (int64, error) {
	body, err := c.call(ctx, http.MethodPost, c.spotURL, "/sapi/v1/futures/transfer", map[string]string{
		"asset":  asset,
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
		"type":   strconv.Itoa(TransferFuturesToSpot),
	}, true, 0)
	if err != nil {
		return 0, fmt.Errorf("error transferring funds: %w", err)
	}

	var resp TransferResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("error parsing transfer response: %w", err)
	}
	return resp.TranID, nil
}

// ==================== TRADING ====================

// PlaceOrder submits one order, single attempt
func (c *FuturesClientImpl) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	reqParams := map[string]string{
		"symbol":   params.Symbol,
		"side":     string(params.Side),
		"type":     string(params.Type),
		"quantity": strconv.FormatFloat(params.Quantity, 'f', -1, 64),
	}

	if params.PositionSide != "" {
		reqParams["positionSide"] = string(params.PositionSide)
	}
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}
	if params.StopPrice > 0 {
		reqParams["stopPrice"] = strconv.FormatFloat(params.StopPrice, 'f', -1, 64)
	}
	if params.CallbackRate > 0 {
		reqParams["callbackRate"] = strconv.FormatFloat(params.CallbackRate, 'f', -1, 64)
	}
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == FuturesOrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}
	// reduceOnly is rejected in hedge mode; positionSide already implies it there
	if params.ReduceOnly && params.PositionSide != PositionSideLong && params.PositionSide != PositionSideShort {
		reqParams["reduceOnly"] = "true"
	}
	if params.ClosePosition {
		reqParams["closePosition"] = "true"
	}
	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}
	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}

	body, err := c.call(ctx, http.MethodPost, c.baseURL, "/fapi/v1/order", reqParams, true, 0)
	if err != nil {
		return nil, err
	}

	var order FuturesOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels by exchange order id, single attempt
func (c *FuturesClientImpl) CancelOrder(ctx context.Context, symbol string, orderID int64) (*FuturesOrder, error) {
	return c.cancel(ctx, map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	})
}

// CancelOrderByClientID cancels by client order id, single attempt
func (c *FuturesClientImpl) CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	return c.cancel(ctx, map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	})
}

func (c *FuturesClientImpl) cancel(ctx context.Context, params map[string]string) (*FuturesOrder, error) {
	body, err := c.call(ctx, http.MethodDelete, c.baseURL, "/fapi/v1/order", params, true, 0)
	if err != nil {
		return nil, err
	}

	var order FuturesOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, fmt.Errorf("error parsing cancel response: %w", err)
	}
	return &order, nil
}

// GetOpenOrders retrieves open orders for a symbol, or account wide when symbol is empty
func (c *FuturesClientImpl) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var orders []FuturesOrder
	if err := c.read(ctx, "/fapi/v1/openOrders", params, true, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// GetAllOrders returns the most recent orders of a symbol, any status
func (c *FuturesClientImpl) GetAllOrders(ctx context.Context, symbol string, limit int) ([]FuturesOrder, error) {
	var orders []FuturesOrder
	err := c.read(ctx, "/fapi/v1/allOrders", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}, true, &orders)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

// GetOrderBookDepth retrieves order book depth
func (c *FuturesClientImpl) GetOrderBookDepth(ctx context.Context, symbol string, limit int) (*OrderBookDepth, error) {
	var depth OrderBookDepth
	err := c.read(ctx, "/fapi/v1/depth", map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}, false, &depth)
	if err != nil {
		return nil, err
	}
	return &depth, nil
}

// Get24hrTicker retrieves 24hr ticker statistics
func (c *FuturesClientImpl) Get24hrTicker(ctx context.Context, symbol string) (*Futures24hrTicker, error) {
	var ticker Futures24hrTicker
	if err := c.read(ctx, "/fapi/v1/ticker/24hr", map[string]string{"symbol": symbol}, false, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// GetContinuousKlines retrieves perpetual continuous-contract candles, oldest first
func (c *FuturesClientImpl) GetContinuousKlines(ctx context.Context, pair, interval string, limit int) ([]Kline, error) {
	var raw [][]interface{}
	err := c.read(ctx, "/fapi/v1/continuousKlines", map[string]string{
		"pair":         pair,
		"contractType": "PERPETUAL",
		"interval":     interval,
		"limit":        strconv.Itoa(limit),
	}, false, &raw)
	if err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// GetInstrument returns the cached trading rules of a symbol
func (c *FuturesClientImpl) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	c.instMu.RLock()
	inst, ok := c.instruments[symbol]
	c.instMu.RUnlock()
	if ok {
		return inst, nil
	}

	var info FuturesExchangeInfo
	if err := c.read(ctx, "/fapi/v1/exchangeInfo", nil, false, &info); err != nil {
		return Instrument{}, err
	}

	c.instMu.Lock()
	defer c.instMu.Unlock()
	for _, s := range info.Symbols {
		parsed, err := InstrumentFromInfo(s)
		if err != nil {
			c.logger.WithError(err).Warn("skipping instrument %s", s.Symbol)
			continue
		}
		c.instruments[s.Symbol] = parsed
	}

	inst, ok = c.instruments[symbol]
	if !ok {
		return Instrument{}, faults.Newf(faults.ConfigurationInvalid, "exchangeInfo", "unknown symbol %s", symbol)
	}
	return inst, nil
}

func parseKlines(raw [][]interface{}) ([]Kline, error) {
	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("error parsing klines: short row of %d fields", len(row))
		}
		openTime, _ := row[0].(float64)
		closeTime, _ := row[6].(float64)
		klines = append(klines, Kline{
			OpenTime:  int64(openTime),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			CloseTime: int64(closeTime),
		})
	}
	return klines, nil
}

func parseFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	}
	return 0
}

// ==================== HTTP HELPERS ====================

// read performs a GET with bounded retries and decodes the JSON body into out
func (c *FuturesClientImpl) read(ctx context.Context, path string, params map[string]string, signed bool, out interface{}) error {
	body, err := c.call(ctx, http.MethodGet, c.baseURL, path, params, signed, maxRetries)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error parsing %s response: %w", path, err)
	}
	return nil
}

// call issues the request, consults the pacer after every response and
// re-issues retry-eligible failures up to retries more times.
func (c *FuturesClientImpl) call(ctx context.Context, method, base, path string, params map[string]string, signed bool, retries int) ([]byte, error) {
	symbol := params["symbol"]
	if symbol == "" {
		symbol = params["pair"]
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		env, err := c.do(ctx, method, base, path, params, signed)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = faults.New(faults.TransientExchange, method+" "+path, err)
		} else {
			var perr error
			if c.pacer != nil {
				perr = c.pacer.Observe(ctx, ratelimit.Usage{
					Symbol:       symbol,
					Path:         path,
					Status:       env.Status,
					Body:         env.Body,
					UsedWeight1m: env.UsedWeight1m,
					OrderCount1m: env.OrderCount1m,
					RetryAfter:   env.RetryAfter,
				})
				if perr != nil && !faults.Is(perr, faults.RateLimited) {
					return nil, perr
				}
			}
			switch {
			case perr != nil:
				// parked: the attempt is re-issued in the next window, writes
				// are resolved by the caller through their client order id
				lastErr = perr
			case env.Status >= 200 && env.Status < 300:
				return env.Body, nil
			default:
				lastErr = classify(env)
			}
		}

		if !Retryable(lastErr) || attempt == retries {
			break
		}
		c.logger.WithError(lastErr).Debug("%s %s failed (attempt %d/%d), retrying in %s",
			method, path, attempt+1, retries+1, c.retryDelay)
		if err := sleepCtx(ctx, c.retryDelay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// do performs exactly one HTTP request
func (c *FuturesClientImpl) do(ctx context.Context, method, base, path string, params map[string]string, signed bool) (*Envelope, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", strconv.Itoa(c.recvWindow))
	}

	query := values.Encode()
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := base + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Method: method,
		Path:   path,
		Status: resp.StatusCode,
		Body:   body,
	}
	env.UsedWeight1m, _ = strconv.Atoi(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))
	env.OrderCount1m, _ = strconv.Atoi(resp.Header.Get("X-MBX-ORDER-COUNT-1M"))
	if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		env.RetryAfter = time.Duration(ra) * time.Second
	}
	return env, nil
}

// sign creates a signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// classify turns a non-2xx envelope into a typed error
func classify(env *Envelope) error {
	var apiErr APIError
	_ = json.Unmarshal(env.Body, &apiErr)

	op := env.Method + " " + env.Path
	kind := faults.OrderRejected
	switch {
	case env.Status == http.StatusTooManyRequests || env.Status == 418 ||
		apiErr.Code == CodeTooManyRequests || apiErr.Code == CodeTooManyOrders:
		kind = faults.RateLimited
	case env.Status >= 500 || apiErr.Code == CodeDisconnected ||
		apiErr.Code == CodeTimeout || apiErr.Code == CodeServiceShuttingDown:
		kind = faults.TransientExchange
	}

	msg := apiErr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(env.Body))
	}
	return &faults.Error{
		Kind:   kind,
		Op:     op,
		Status: env.Status,
		Code:   apiErr.Code,
		Err:    fmt.Errorf("%s", msg),
	}
}

// Retryable reports whether err may succeed when re-issued unchanged
func Retryable(err error) bool {
	switch faults.KindOf(err) {
	case faults.RateLimited, faults.TransientExchange:
		return true
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
