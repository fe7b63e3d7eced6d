package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPacer struct {
	mu     sync.Mutex
	usages []ratelimit.Usage
}

func (p *recordingPacer) Observe(_ context.Context, u ratelimit.Usage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usages = append(p.usages, u)
	return nil
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*FuturesClientImpl, *recordingPacer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	pacer := &recordingPacer{}
	c := NewFuturesClient(ClientOptions{
		APIKey:    "key",
		SecretKey: "secret",
		BaseURL:   srv.URL,
		SpotURL:   srv.URL,
	}, pacer, logging.Nop())
	c.retryDelay = time.Millisecond
	return c, pacer
}

func TestClientSignsAndReportsUsage(t *testing.T) {
	c, pacer := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.NotEmpty(t, q.Get("timestamp"))
		assert.Len(t, q.Get("signature"), 64)

		w.Header().Set("X-MBX-USED-WEIGHT-1M", "42")
		w.Header().Set("X-MBX-ORDER-COUNT-1M", "3")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"100.0","markPrice":"95.0",
			"unRealizedProfit":"0.05","liquidationPrice":"0","leverage":"20","marginType":"isolated",
			"positionSide":"BOTH","notional":"-0.95","updateTime":1}]`))
	})

	rows, err := c.GetPositionRisk(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sell", rows[0].Side())
	assert.InDelta(t, 0.01, rows[0].Amount(), 1e-12)
	assert.Equal(t, 20, rows[0].Leverage)

	require.Len(t, pacer.usages, 1)
	assert.Equal(t, 42, pacer.usages[0].UsedWeight1m)
	assert.Equal(t, 3, pacer.usages[0].OrderCount1m)
	assert.Equal(t, "BTCUSDT", pacer.usages[0].Symbol)
}

func TestClientRetriesTransientReads(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"101.5","priceChangePercent":"2.1"}`))
	})

	ticker, err := c.Get24hrTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 101.5, ticker.LastPrice, 1e-9)
	assert.Equal(t, int32(3), hits.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.GetOrderBookDepth(context.Background(), "BTCUSDT", 5)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.TransientExchange))
	assert.Equal(t, int32(maxRetries+1), hits.Load())
}

func TestClientOrderWritesAreSingleAttempt(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   faults.Kind
		code   int
	}{
		{"rejected", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, faults.OrderRejected, CodeMarginInsufficient},
		{"server error", http.StatusInternalServerError, `{"code":-1001,"msg":"Internal error"}`, faults.TransientExchange, CodeDisconnected},
		{"throttled", http.StatusTooManyRequests, `{"code":-1015,"msg":"Too many new orders"}`, faults.RateLimited, CodeTooManyOrders},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.PlaceOrder(context.Background(), FuturesOrderParams{
				Symbol: "BTCUSDT", Side: SideBuy, Type: FuturesOrderTypeLimit, Quantity: 0.01, Price: 100,
			})
			require.Error(t, err)
			assert.Equal(t, tt.kind, faults.KindOf(err))
			assert.Equal(t, tt.code, faults.Code(err))
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}

func TestClientParkedSuccessIsReissued(t *testing.T) {
	newParkedClient := func(t *testing.T, handler http.HandlerFunc) (*FuturesClientImpl, *[]time.Duration) {
		t.Helper()
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)

		var slept []time.Duration
		gov := ratelimit.NewGovernor(ratelimit.DefaultConfig(), logging.Nop()).WithClock(
			func() time.Time { return time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC) },
			func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			},
		)
		c := NewFuturesClient(ClientOptions{
			APIKey: "key", SecretKey: "secret", BaseURL: srv.URL, SpotURL: srv.URL,
		}, gov, logging.Nop())
		c.retryDelay = time.Millisecond
		return c, &slept
	}

	t.Run("read", func(t *testing.T) {
		var hits atomic.Int32
		c, slept := newParkedClient(t, func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) == 1 {
				w.Header().Set("X-MBX-ORDER-COUNT-1M", "1200")
				_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"99.0","priceChangePercent":"0"}`))
				return
			}
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","lastPrice":"101.5","priceChangePercent":"2.1"}`))
		})

		ticker, err := c.Get24hrTicker(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, int32(2), hits.Load(), "the parked response is re-fetched")
		assert.InDelta(t, 101.5, ticker.LastPrice, 1e-9)
		require.NotEmpty(t, *slept)
		assert.Equal(t, 59*time.Second, (*slept)[0])
	})

	t.Run("write", func(t *testing.T) {
		var hits atomic.Int32
		c, slept := newParkedClient(t, func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("X-MBX-ORDER-COUNT-1M", "1200")
			_, _ = w.Write([]byte(`{"orderId":78,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"entry-1",
				"price":"100","origQty":"0.01","type":"LIMIT","side":"BUY"}`))
		})

		_, err := c.PlaceOrder(context.Background(), FuturesOrderParams{
			Symbol: "BTCUSDT", Side: SideBuy, Type: FuturesOrderTypeLimit, Quantity: 0.01, Price: 100,
			NewClientOrderId: "entry-1",
		})
		require.Error(t, err)
		assert.True(t, faults.Is(err, faults.RateLimited), "got %v", err)
		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, []time.Duration{59 * time.Second}, *slept)
	})
}

func TestClientPlaceOrderParams(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "SELL", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "true", q.Get("reduceOnly"))
		assert.Equal(t, "profit-order-77", q.Get("newClientOrderId"))
		assert.Equal(t, "0.01", q.Get("quantity"))
		_, _ = w.Write([]byte(`{"orderId":78,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"profit-order-77",
			"price":"105","origQty":"0.01","type":"LIMIT","side":"SELL","reduceOnly":true}`))
	})

	order, err := c.PlaceOrder(context.Background(), FuturesOrderParams{
		Symbol:           "BTCUSDT",
		Side:             SideSell,
		Type:             FuturesOrderTypeLimit,
		Quantity:         0.01,
		Price:            105,
		ReduceOnly:       true,
		NewClientOrderId: "profit-order-77",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(78), order.OrderId)
	assert.True(t, order.ReduceOnly)
}

func TestClientContinuousKlines(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "PERPETUAL", q.Get("contractType"))
		assert.Equal(t, "ETHUSDT", q.Get("pair"))
		_, _ = w.Write([]byte(`[[1000,"10","12","9","11","100",1999,"0",0,"0","0","0"],
			[2000,"11","11.5","10","10.5","50",2999,"0",0,"0","0","0"]]`))
	})

	klines, err := c.GetContinuousKlines(context.Background(), "ETHUSDT", "15m", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.True(t, klines[0].Bullish())
	assert.True(t, klines[1].Bearish())
	assert.Equal(t, int64(2999), klines[1].CloseTime)
}

func TestClientMarginTypeNoChangeIsSuccess(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4046,"msg":"No need to change margin type."}`))
	})

	assert.NoError(t, c.SetMarginType(context.Background(), "BTCUSDT", MarginTypeIsolated))
}

func TestClientInstrumentCache(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"serverTime":1,"symbols":[{"symbol":"BTCUSDT","pricePrecision":2,"quantityPrecision":3,
			"filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"},{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"}]}]}`))
	})

	for i := 0; i < 3; i++ {
		inst, err := c.GetInstrument(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", inst.Symbol)
	}
	assert.Equal(t, int32(1), hits.Load())

	_, err := c.GetInstrument(context.Background(), "NOPEUSDT")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown symbol"))
}

func TestFuturesOrderIsClosing(t *testing.T) {
	tests := []struct {
		name  string
		order FuturesOrder
		want  bool
	}{
		{"one-way entry", FuturesOrder{Side: "BUY", PositionSide: "BOTH"}, false},
		{"one-way reduce-only", FuturesOrder{Side: "SELL", PositionSide: "BOTH", ReduceOnly: true}, true},
		{"close-position stop", FuturesOrder{Side: "SELL", ClosePosition: true}, true},
		{"hedge long entry", FuturesOrder{Side: "BUY", PositionSide: "LONG"}, false},
		{"hedge long close", FuturesOrder{Side: "SELL", PositionSide: "LONG"}, true},
		{"hedge short entry", FuturesOrder{Side: "SELL", PositionSide: "SHORT"}, false},
		{"hedge short close", FuturesOrder{Side: "BUY", PositionSide: "SHORT"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.order.IsClosing())
		})
	}
}

func TestMockClientDropsReduceOnlyInHedgeMode(t *testing.T) {
	c := NewFuturesMockClient(1000)
	ctx := context.Background()

	hedge, err := c.PlaceOrder(ctx, FuturesOrderParams{
		Symbol: "BTCUSDT", Side: SideSell, PositionSide: PositionSideLong,
		Type: FuturesOrderTypeLimit, Quantity: 1, Price: 105, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.False(t, hedge.ReduceOnly)
	assert.True(t, hedge.IsClosing())

	oneWay, err := c.PlaceOrder(ctx, FuturesOrderParams{
		Symbol: "BTCUSDT", Side: SideSell, PositionSide: PositionSideBoth,
		Type: FuturesOrderTypeLimit, Quantity: 1, Price: 105, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.True(t, oneWay.ReduceOnly)
}

func TestMockClientRejectsDuplicateClientID(t *testing.T) {
	m := NewFuturesMockClient(1000)
	params := FuturesOrderParams{
		Symbol: "BTCUSDT", Side: SideSell, Type: FuturesOrderTypeLimit,
		Quantity: 1, Price: 10, NewClientOrderId: "profit-order-1",
	}

	_, err := m.PlaceOrder(context.Background(), params)
	require.NoError(t, err)
	_, err = m.PlaceOrder(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, CodeDuplicateClientID, faults.Code(err))
	assert.Len(t, m.OpenOrders("BTCUSDT"), 1)
}
