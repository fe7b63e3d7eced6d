package binance

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Call records one request made against the mock client
type Call struct {
	Op     string
	Symbol string
	Params FuturesOrderParams
	ID     string
}

// FuturesMockClient implements the FuturesClient interface in memory. It
// backs dry-run mode and the engine tests: market state is set directly,
// failures can be scripted per operation and every request is recorded.
type FuturesMockClient struct {
	mu          sync.Mutex
	account     FuturesAccountInfo
	positions   map[string][]FuturesPosition
	orders      map[int64]*FuturesOrder
	history     []FuturesOrder
	clientIDs   map[string]int64
	books       map[string]*OrderBookDepth
	tickers     map[string]*Futures24hrTicker
	klines      map[string][]Kline
	brackets    map[string][]LeverageBracket
	instruments map[string]Instrument
	leverage    map[string]int
	marginType  map[string]MarginType
	failures    map[string][]error
	lost        map[string][]error
	calls       []Call
	transfers   []float64
	nextOrderId int64
	now         func() time.Time
}

// NewFuturesMockClient creates a new mock futures client
func NewFuturesMockClient(walletBalance float64) *FuturesMockClient {
	return &FuturesMockClient{
		account: FuturesAccountInfo{
			CanTrade:           true,
			TotalWalletBalance: walletBalance,
			TotalMarginBalance: walletBalance,
			AvailableBalance:   walletBalance,
		},
		positions:   make(map[string][]FuturesPosition),
		orders:      make(map[int64]*FuturesOrder),
		clientIDs:   make(map[string]int64),
		books:       make(map[string]*OrderBookDepth),
		tickers:     make(map[string]*Futures24hrTicker),
		klines:      make(map[string][]Kline),
		brackets:    make(map[string][]LeverageBracket),
		instruments: make(map[string]Instrument),
		leverage:    make(map[string]int),
		marginType:  make(map[string]MarginType),
		failures:    make(map[string][]error),
		lost:        make(map[string][]error),
		nextOrderId: 1000,
		now:         time.Now,
	}
}

// NewAPIError builds the error the live client would return for a response
func NewAPIError(op string, status, code int, msg string) error {
	body := fmt.Sprintf(`{"code":%d,"msg":%q}`, code, msg)
	return classify(&Envelope{Method: "MOCK", Path: op, Status: status, Body: []byte(body)})
}

// ==================== SETUP ====================

// SetClock replaces the time source used to stamp orders
func (c *FuturesMockClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetAccount replaces the account snapshot
func (c *FuturesMockClient) SetAccount(info FuturesAccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.account = info
}

// SetPositions replaces the position rows of a symbol
func (c *FuturesMockClient) SetPositions(symbol string, rows ...FuturesPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range rows {
		rows[i].Symbol = symbol
	}
	c.positions[symbol] = rows
}

// SetOrderBook installs a five-level book; bids descend and asks ascend from the given touch
func (c *FuturesMockClient) SetOrderBook(symbol string, bids, asks []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	depth := &OrderBookDepth{}
	for _, p := range bids {
		depth.Bids = append(depth.Bids, []string{strconv.FormatFloat(p, 'f', -1, 64), "1"})
	}
	for _, p := range asks {
		depth.Asks = append(depth.Asks, []string{strconv.FormatFloat(p, 'f', -1, 64), "1"})
	}
	c.books[symbol] = depth
}

// SetTicker installs the 24h ticker of a symbol
func (c *FuturesMockClient) SetTicker(symbol string, last, changePercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers[symbol] = &Futures24hrTicker{Symbol: symbol, LastPrice: last, PriceChangePercent: changePercent}
}

// SetDayRange sets the 24h low and high of an installed ticker
func (c *FuturesMockClient) SetDayRange(symbol string, low, high float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tickers[symbol]; ok {
		t.LowPrice, t.HighPrice = low, high
	}
}

// MarkToMarket moves the last and mark price of symbol to price: position
// rows are revalued, crossed limit orders fill and triggered stop orders
// execute. Trailing stops are not simulated.
func (c *FuturesMockClient) MarkToMarket(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tickers[symbol]; ok {
		t.LastPrice = price
	} else {
		c.tickers[symbol] = &Futures24hrTicker{Symbol: symbol, LastPrice: price}
	}

	ids := make([]int64, 0, len(c.orders))
	for id := range c.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := c.orders[id]
		if o.Symbol != symbol || !crossed(o, price) {
			continue
		}
		delete(c.orders, id)
		c.fillLocked(o)
		o.UpdateTime = c.now().UnixMilli()
		c.history = append(c.history, *o)
	}

	rows := c.positions[symbol]
	for i := range rows {
		rows[i].MarkPrice = price
		rows[i].Notional = rows[i].PositionAmt * price
		rows[i].UnrealizedProfit = (price - rows[i].EntryPrice) * rows[i].PositionAmt
	}
}

// crossed reports whether price executes a resting order
func crossed(o *FuturesOrder, price float64) bool {
	buy := o.Side == string(SideBuy)
	switch FuturesOrderType(o.Type) {
	case FuturesOrderTypeLimit:
		return (buy && price <= o.Price) || (!buy && price >= o.Price)
	case FuturesOrderTypeStopMarket:
		return (buy && price >= o.StopPrice) || (!buy && price <= o.StopPrice)
	}
	return false
}

// SetKlines installs the candle history of a pair, oldest first
func (c *FuturesMockClient) SetKlines(pair string, klines []Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[pair] = klines
}

// SetLeverageBrackets installs the notional brackets of a symbol
func (c *FuturesMockClient) SetLeverageBrackets(symbol string, brackets []LeverageBracket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brackets[symbol] = brackets
}

// SetInstrument installs the trading rules of a symbol
func (c *FuturesMockClient) SetInstrument(inst Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments[inst.Symbol] = inst
}

// AddOpenOrder rests an order as if it had been placed earlier and returns its id
func (c *FuturesMockClient) AddOpenOrder(order FuturesOrder) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if order.OrderId == 0 {
		order.OrderId = c.nextOrderId
		c.nextOrderId++
	}
	if order.Status == "" {
		order.Status = string(FuturesOrderStatusNew)
	}
	if order.Time == 0 {
		order.Time = c.now().UnixMilli()
	}
	o := order
	c.orders[o.OrderId] = &o
	if o.ClientOrderId != "" {
		c.clientIDs[o.ClientOrderId] = o.OrderId
	}
	return o.OrderId
}

// FailNext queues errors returned, in order, by the next calls of op
func (c *FuturesMockClient) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// LoseNextResponse makes the next successful calls of op apply on the
// exchange but return errs instead of the result, like a response lost
// after the order was accepted.
func (c *FuturesMockClient) LoseNextResponse(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost[op] = append(c.lost[op], errs...)
}

// ==================== INSPECTION ====================

// Calls returns recorded calls, all of them when op is empty
func (c *FuturesMockClient) Calls(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the call log
func (c *FuturesMockClient) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Transfers returns the amounts moved to spot
func (c *FuturesMockClient) Transfers() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.transfers...)
}

// Leverage returns the leverage last set for a symbol
func (c *FuturesMockClient) Leverage(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leverage[symbol]
}

// ==================== ACCOUNT ====================

func (c *FuturesMockClient) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetAccountInfo", "", ""); err != nil {
		return nil, err
	}
	info := c.account
	return &info, nil
}

func (c *FuturesMockClient) GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetPositionRisk", symbol, ""); err != nil {
		return nil, err
	}
	return append([]FuturesPosition(nil), c.positions[symbol]...), nil
}

func (c *FuturesMockClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("SetLeverage", symbol, strconv.Itoa(leverage)); err != nil {
		return nil, err
	}
	c.leverage[symbol] = leverage
	for i := range c.positions[symbol] {
		c.positions[symbol][i].Leverage = leverage
	}
	return &LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
}

func (c *FuturesMockClient) GetLeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetLeverageBrackets", symbol, ""); err != nil {
		return nil, err
	}
	brackets, ok := c.brackets[symbol]
	if !ok {
		return nil, NewAPIError("/fapi/v1/leverageBracket", http.StatusBadRequest, -1121, "Invalid symbol.")
	}
	return append([]LeverageBracket(nil), brackets...), nil
}

func (c *FuturesMockClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("SetMarginType", symbol, string(marginType)); err != nil {
		return err
	}
	c.marginType[symbol] = marginType
	return nil
}

func (c *FuturesMockClient) TransferToSpot(ctx context.Context, asset string, amount float64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("TransferToSpot", "", asset); err != nil {
		return 0, err
	}
	c.transfers = append(c.transfers, amount)
	c.account.TotalWalletBalance -= amount
	c.account.AvailableBalance -= amount
	return int64(len(c.transfers)), nil
}

// ==================== TRADING ====================

func (c *FuturesMockClient) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Op: "PlaceOrder", Symbol: params.Symbol, Params: params, ID: params.NewClientOrderId})
	if err := c.popFailure("PlaceOrder"); err != nil {
		return nil, err
	}
	if params.NewClientOrderId != "" {
		if _, dup := c.clientIDs[params.NewClientOrderId]; dup {
			return nil, NewAPIError("/fapi/v1/order", http.StatusBadRequest, CodeDuplicateClientID,
				"Duplicate clientOrderId.")
		}
	}

	orderId := c.nextOrderId
	c.nextOrderId++
	clientID := params.NewClientOrderId
	if clientID == "" {
		clientID = "mock-" + strconv.FormatInt(orderId, 10)
	}

	// hedge-mode orders come back without the reduceOnly flag
	reduceOnly := params.ReduceOnly
	if params.PositionSide == PositionSideLong || params.PositionSide == PositionSideShort {
		reduceOnly = false
	}

	now := c.now().UnixMilli()
	order := &FuturesOrder{
		OrderId:       orderId,
		Symbol:        params.Symbol,
		Status:        string(FuturesOrderStatusNew),
		ClientOrderId: clientID,
		Price:         params.Price,
		OrigQty:       params.Quantity,
		TimeInForce:   string(params.TimeInForce),
		Type:          string(params.Type),
		OrigType:      string(params.Type),
		ReduceOnly:    reduceOnly || params.ClosePosition,
		ClosePosition: params.ClosePosition,
		Side:          string(params.Side),
		PositionSide:  string(params.PositionSide),
		StopPrice:     params.StopPrice,
		WorkingType:   string(params.WorkingType),
		Time:          now,
		UpdateTime:    now,
	}
	c.clientIDs[clientID] = orderId

	if params.Type == FuturesOrderTypeMarket {
		c.fillLocked(order)
	} else {
		c.orders[orderId] = order
	}
	c.history = append(c.history, *order)

	if queue := c.lost["PlaceOrder"]; len(queue) > 0 {
		c.lost["PlaceOrder"] = queue[1:]
		return nil, queue[0]
	}
	out := *order
	return &out, nil
}

// fillLocked executes a market order at the last price against the matching position row
func (c *FuturesMockClient) fillLocked(order *FuturesOrder) {
	price := 0.0
	if t, ok := c.tickers[order.Symbol]; ok {
		price = t.LastPrice
	}
	order.Status = string(FuturesOrderStatusFilled)
	order.AvgPrice = price
	order.ExecutedQty = order.OrigQty

	qty := order.OrigQty
	if order.Side == string(SideSell) {
		qty = -qty
	}

	rows := c.positions[order.Symbol]
	for i := range rows {
		if order.PositionSide != "" && string(rows[i].PositionSide) != order.PositionSide {
			continue
		}
		old := rows[i].PositionAmt
		next := old + qty
		if old == 0 || (old > 0) == (qty > 0) {
			if next != 0 {
				rows[i].EntryPrice = (rows[i].EntryPrice*abs(old) + price*abs(qty)) / abs(next)
			}
		}
		if next == 0 {
			rows[i].EntryPrice = 0
			rows[i].UnrealizedProfit = 0
		}
		rows[i].PositionAmt = next
		rows[i].Notional = next * price
		return
	}
	c.positions[order.Symbol] = append(rows, FuturesPosition{
		Symbol:       order.Symbol,
		PositionAmt:  qty,
		EntryPrice:   price,
		MarkPrice:    price,
		Leverage:     c.leverage[order.Symbol],
		PositionSide: PositionSide(order.PositionSide),
		Notional:     qty * price,
	})
}

func (c *FuturesMockClient) CancelOrder(ctx context.Context, symbol string, orderID int64) (*FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CancelOrder", symbol, strconv.FormatInt(orderID, 10)); err != nil {
		return nil, err
	}
	return c.cancelLocked(symbol, orderID)
}

func (c *FuturesMockClient) CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("CancelOrderByClientID", symbol, clientOrderID); err != nil {
		return nil, err
	}
	id, ok := c.clientIDs[clientOrderID]
	if !ok {
		return nil, NewAPIError("/fapi/v1/order", http.StatusBadRequest, CodeUnknownOrder, "Unknown order sent.")
	}
	return c.cancelLocked(symbol, id)
}

func (c *FuturesMockClient) cancelLocked(symbol string, orderID int64) (*FuturesOrder, error) {
	order, ok := c.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, NewAPIError("/fapi/v1/order", http.StatusBadRequest, CodeUnknownOrder, "Unknown order sent.")
	}
	delete(c.orders, orderID)
	order.Status = string(FuturesOrderStatusCanceled)
	order.UpdateTime = c.now().UnixMilli()
	out := *order
	return &out, nil
}

func (c *FuturesMockClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetOpenOrders", symbol, ""); err != nil {
		return nil, err
	}
	return c.openOrdersLocked(symbol), nil
}

// OpenOrders returns resting orders without recording a call
func (c *FuturesMockClient) OpenOrders(symbol string) []FuturesOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openOrdersLocked(symbol)
}

func (c *FuturesMockClient) openOrdersLocked(symbol string) []FuturesOrder {
	out := make([]FuturesOrder, 0, len(c.orders))
	for _, o := range c.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderId < out[j].OrderId })
	return out
}

func (c *FuturesMockClient) GetAllOrders(ctx context.Context, symbol string, limit int) ([]FuturesOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetAllOrders", symbol, ""); err != nil {
		return nil, err
	}
	var out []FuturesOrder
	for _, o := range c.history {
		if o.Symbol == symbol {
			out = append(out, o)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ==================== MARKET DATA ====================

func (c *FuturesMockClient) GetOrderBookDepth(ctx context.Context, symbol string, limit int) (*OrderBookDepth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetOrderBookDepth", symbol, ""); err != nil {
		return nil, err
	}
	book, ok := c.books[symbol]
	if !ok {
		return nil, NewAPIError("/fapi/v1/depth", http.StatusBadRequest, -1121, "Invalid symbol.")
	}
	out := *book
	return &out, nil
}

func (c *FuturesMockClient) Get24hrTicker(ctx context.Context, symbol string) (*Futures24hrTicker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Get24hrTicker", symbol, ""); err != nil {
		return nil, err
	}
	t, ok := c.tickers[symbol]
	if !ok {
		return nil, NewAPIError("/fapi/v1/ticker/24hr", http.StatusBadRequest, -1121, "Invalid symbol.")
	}
	out := *t
	return &out, nil
}

func (c *FuturesMockClient) GetContinuousKlines(ctx context.Context, pair, interval string, limit int) ([]Kline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("GetContinuousKlines", pair, interval); err != nil {
		return nil, err
	}
	klines := c.klines[pair]
	if limit > 0 && len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	return append([]Kline(nil), klines...), nil
}

func (c *FuturesMockClient) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inst, ok := c.instruments[symbol]; ok {
		return inst, nil
	}
	// three decimals of size and two of price unless told otherwise
	return Instrument{
		Symbol:   symbol,
		TickSize: decimal.New(1, -2),
		StepSize: decimal.New(1, -3),
		MinQty:   decimal.New(1, -3),
	}, nil
}

// ==================== HELPERS ====================

// enter records the call and returns a scripted failure if one is queued.
// Callers hold c.mu.
func (c *FuturesMockClient) enter(op, symbol, id string) error {
	c.calls = append(c.calls, Call{Op: op, Symbol: symbol, ID: id})
	return c.popFailure(op)
}

func (c *FuturesMockClient) popFailure(op string) error {
	queue := c.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	c.failures[op] = queue[1:]
	return err
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
