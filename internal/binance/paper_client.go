package binance

import "context"

// PaperClient trades against an in-memory account while reading market
// data from the live exchange. It backs dry-run mode: every write and every
// account read goes to the mock, so nothing reaches the real account.
type PaperClient struct {
	*FuturesMockClient
	live FuturesClient
}

var _ FuturesClient = (*PaperClient)(nil)

// NewPaperClient creates a paper account with walletBalance USDT
func NewPaperClient(live FuturesClient, walletBalance float64) *PaperClient {
	return &PaperClient{FuturesMockClient: NewFuturesMockClient(walletBalance), live: live}
}

func (p *PaperClient) GetLeverageBrackets(ctx context.Context, symbol string) ([]LeverageBracket, error) {
	return p.live.GetLeverageBrackets(ctx, symbol)
}

func (p *PaperClient) GetOrderBookDepth(ctx context.Context, symbol string, limit int) (*OrderBookDepth, error) {
	return p.live.GetOrderBookDepth(ctx, symbol, limit)
}

// Get24hrTicker also marks the paper account to the live last price
func (p *PaperClient) Get24hrTicker(ctx context.Context, symbol string) (*Futures24hrTicker, error) {
	t, err := p.live.Get24hrTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	p.FuturesMockClient.MarkToMarket(symbol, t.LastPrice)
	return t, nil
}

func (p *PaperClient) GetContinuousKlines(ctx context.Context, pair, interval string, limit int) ([]Kline, error) {
	return p.live.GetContinuousKlines(ctx, pair, interval, limit)
}

func (p *PaperClient) GetInstrument(ctx context.Context, symbol string) (Instrument, error) {
	return p.live.GetInstrument(ctx, symbol)
}
