package binance

import "context"

// FuturesClient defines the USDT-M futures operations the engine uses.
// Reads retry transient failures internally; order writes are single
// attempt and return errors classified by the faults package.
type FuturesClient interface {
	// Account
	GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error)
	GetPositionRisk(ctx context.Context, symbol string) ([]FuturesPosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)
	GetLeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error)
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error
	TransferToSpot(ctx context.Context, asset string, amount float64) (int64, error)

	// Trading
	PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*FuturesOrder, error)
	CancelOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error)
	GetAllOrders(ctx context.Context, symbol string, limit int) ([]FuturesOrder, error)

	// Market data
	GetOrderBookDepth(ctx context.Context, symbol string, limit int) (*OrderBookDepth, error)
	Get24hrTicker(ctx context.Context, symbol string) (*Futures24hrTicker, error)
	GetContinuousKlines(ctx context.Context, pair, interval string, limit int) ([]Kline, error)
	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
}

var (
	_ FuturesClient = (*FuturesClientImpl)(nil)
	_ FuturesClient = (*FuturesMockClient)(nil)
)
