package binance

import "strings"

// ==================== ENUMS ====================

// MarginType represents the margin mode for futures trading
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// PositionSide represents the position side for futures trading
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"  // One-way mode
	PositionSideLong  PositionSide = "LONG"  // Hedge mode long
	PositionSideShort PositionSide = "SHORT" // Hedge mode short
)

// OrderSide is BUY or SELL
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// ParseSide accepts buy/sell in any case
func ParseSide(s string) OrderSide {
	if strings.EqualFold(s, "sell") {
		return SideSell
	}
	return SideBuy
}

// FuturesOrderType represents order types for futures
type FuturesOrderType string

const (
	FuturesOrderTypeLimit            FuturesOrderType = "LIMIT"
	FuturesOrderTypeMarket           FuturesOrderType = "MARKET"
	FuturesOrderTypeStopMarket       FuturesOrderType = "STOP_MARKET"
	FuturesOrderTypeTakeProfitMarket FuturesOrderType = "TAKE_PROFIT_MARKET"
	FuturesOrderTypeTrailingStop     FuturesOrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
)

// FuturesOrderStatus represents order status
type FuturesOrderStatus string

const (
	FuturesOrderStatusNew             FuturesOrderStatus = "NEW"
	FuturesOrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	FuturesOrderStatusFilled          FuturesOrderStatus = "FILLED"
	FuturesOrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	FuturesOrderStatusExpired         FuturesOrderStatus = "EXPIRED"
)

// WorkingType for TP/SL orders
type WorkingType string

const (
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
)

// Exchange error codes the engine reacts to
const (
	CodeTooManyRequests      = -1003
	CodeTooManyOrders        = -1015
	CodeDisconnected         = -1001
	CodeTimeout              = -1007
	CodeServiceShuttingDown  = -1016
	CodeUnknownOrder         = -2011
	CodeMarginInsufficient   = -2019
	CodeLeverageNotional     = -2027 // exceeded the maximum allowable position at current leverage
	CodeNoNeedToChangeMargin = -4046
	CodeDuplicateClientID    = -4116
)

// ==================== ACCOUNT TYPES ====================

// FuturesAccountInfo is the subset of /fapi/v2/account the engine reads
type FuturesAccountInfo struct {
	CanTrade              bool    `json:"canTrade"`
	UpdateTime            int64   `json:"updateTime"`
	TotalInitialMargin    float64 `json:"totalInitialMargin,string"`
	TotalMaintMargin      float64 `json:"totalMaintMargin,string"`
	TotalWalletBalance    float64 `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64 `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64 `json:"totalMarginBalance,string"`
	AvailableBalance      float64 `json:"availableBalance,string"`
}

// FuturesPosition is one row of /fapi/v2/positionRisk
type FuturesPosition struct {
	Symbol           string       `json:"symbol"`
	PositionAmt      float64      `json:"positionAmt,string"`
	EntryPrice       float64      `json:"entryPrice,string"`
	MarkPrice        float64      `json:"markPrice,string"`
	UnrealizedProfit float64      `json:"unRealizedProfit,string"`
	LiquidationPrice float64      `json:"liquidationPrice,string"`
	Leverage         int          `json:"leverage,string"`
	MarginType       string       `json:"marginType"`
	PositionSide     PositionSide `json:"positionSide"`
	Notional         float64      `json:"notional,string"`
	UpdateTime       int64        `json:"updateTime"`
}

// Side derives the direction from the signed amount: "" when flat
func (p FuturesPosition) Side() string {
	switch {
	case p.PositionAmt > 0:
		return "buy"
	case p.PositionAmt < 0:
		return "sell"
	default:
		return ""
	}
}

// Margin is notional over leverage
func (p FuturesPosition) Margin() float64 {
	if p.Leverage <= 0 {
		return 0
	}
	n := p.Notional
	if n < 0 {
		n = -n
	}
	return n / float64(p.Leverage)
}

// Amount is the absolute position size
func (p FuturesPosition) Amount() float64 {
	if p.PositionAmt < 0 {
		return -p.PositionAmt
	}
	return p.PositionAmt
}

// ==================== ORDER TYPES ====================

// FuturesOrderParams represents parameters for placing a futures order
type FuturesOrderParams struct {
	Symbol           string           `json:"symbol"`
	Side             OrderSide        `json:"side"`
	PositionSide     PositionSide     `json:"positionSide"`
	Type             FuturesOrderType `json:"type"`
	Quantity         float64          `json:"quantity"`
	Price            float64          `json:"price,omitempty"`
	StopPrice        float64          `json:"stopPrice,omitempty"`
	CallbackRate     float64          `json:"callbackRate,omitempty"`
	TimeInForce      TimeInForce      `json:"timeInForce,omitempty"`
	ReduceOnly       bool             `json:"reduceOnly,omitempty"`
	ClosePosition    bool             `json:"closePosition,omitempty"`
	WorkingType      WorkingType      `json:"workingType,omitempty"`
	NewClientOrderId string           `json:"newClientOrderId,omitempty"`
}

// FuturesOrder represents an order as returned by the exchange
type FuturesOrder struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ClosePosition bool    `json:"closePosition"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	StopPrice     float64 `json:"stopPrice,string"`
	WorkingType   string  `json:"workingType"`
	OrigType      string  `json:"origType"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
}

// IsBracket reports whether the order is a stop or take-profit leg
func (o FuturesOrder) IsBracket() bool {
	switch FuturesOrderType(o.Type) {
	case FuturesOrderTypeStopMarket, FuturesOrderTypeTakeProfitMarket, FuturesOrderTypeTrailingStop:
		return true
	}
	return false
}

// IsClosing reports whether the order reduces a position. In hedge mode
// the exchange reports reduceOnly=false for every LONG/SHORT order, so a
// close is recognised by its side opposing the position side.
func (o FuturesOrder) IsClosing() bool {
	if o.ReduceOnly || o.ClosePosition {
		return true
	}
	switch PositionSide(o.PositionSide) {
	case PositionSideLong:
		return o.Side == string(SideSell)
	case PositionSideShort:
		return o.Side == string(SideBuy)
	}
	return false
}

// ==================== MARKET DATA TYPES ====================

// OrderBookDepth represents order book depth
type OrderBookDepth struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"` // [price, qty]
	Asks         [][]string `json:"asks"` // [price, qty]
}

// Futures24hrTicker represents 24hr ticker statistics
type Futures24hrTicker struct {
	Symbol             string  `json:"symbol"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	OpenPrice          float64 `json:"openPrice,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	CloseTime          int64   `json:"closeTime"`
}

// Kline is one candle, oldest first in every slice the client returns
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// Bullish reports close above open
func (k Kline) Bullish() bool { return k.Close > k.Open }

// Bearish reports close below open
func (k Kline) Bearish() bool { return k.Close < k.Open }

// ==================== LEVERAGE / TRANSFER TYPES ====================

// LeverageResponse represents leverage change response
type LeverageResponse struct {
	Leverage         int     `json:"leverage"`
	MaxNotionalValue float64 `json:"maxNotionalValue,string"`
	Symbol           string  `json:"symbol"`
}

// LeverageBracket is one notional tier for a symbol
type LeverageBracket struct {
	Bracket          int     `json:"bracket"`
	InitialLeverage  int     `json:"initialLeverage"`
	NotionalCap      float64 `json:"notionalCap"`
	NotionalFloor    float64 `json:"notionalFloor"`
	MaintMarginRatio float64 `json:"maintMarginRatio"`
}

// SymbolLeverageBrackets is one entry of /fapi/v1/leverageBracket
type SymbolLeverageBrackets struct {
	Symbol   string            `json:"symbol"`
	Brackets []LeverageBracket `json:"brackets"`
}

// TransferResponse is returned by the futures-to-spot transfer
type TransferResponse struct {
	TranID int64 `json:"tranId"`
}

// TransferFuturesToSpot is the transfer type moving USDT-M funds to spot
const TransferFuturesToSpot = 2

// ==================== EXCHANGE INFO ====================

// FuturesSymbolFilter is one filter of a symbol's trading rules
type FuturesSymbolFilter struct {
	FilterType string `json:"filterType"`
	TickSize   string `json:"tickSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// FuturesSymbolInfo is the subset of exchangeInfo used for precision
type FuturesSymbolInfo struct {
	Symbol            string                `json:"symbol"`
	Pair              string                `json:"pair"`
	Status            string                `json:"status"`
	PricePrecision    int                   `json:"pricePrecision"`
	QuantityPrecision int                   `json:"quantityPrecision"`
	Filters           []FuturesSymbolFilter `json:"filters"`
}

// FuturesExchangeInfo represents exchange information
type FuturesExchangeInfo struct {
	ServerTime int64               `json:"serverTime"`
	Symbols    []FuturesSymbolInfo `json:"symbols"`
}

// APIError is the error payload returned with non-2xx responses
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
