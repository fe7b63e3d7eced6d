package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/logging"
	"perp-monitor/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineFrame(pair, interval string, openTime, eventTime int64, open, close string) string {
	return fmt.Sprintf(`{"stream":"%s_perpetual@continuousKline_%s","data":{"e":"continuous_kline","E":%d,"ps":"%s","ct":"PERPETUAL","k":{"t":%d,"T":%d,"i":"%s","f":1,"L":2,"o":"%s","c":"%s","h":"101.50","l":"98.25","v":"1234.5","n":10,"x":false,"q":"0","V":"0","Q":"0","B":"0"}}}`,
		strings.ToLower(pair), interval, eventTime, pair, openTime, openTime+59999, interval, open, close)
}

func TestParseMessage(t *testing.T) {
	c, err := ParseMessage([]byte(klineFrame("BTCUSDT", "1m", 1709287200000, 1709287230000, "100.00", "100.75")), "1m")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.Equal(t, "1m", c.Interval)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), c.OpenTime)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 59, 999000000, time.UTC), c.CloseTime)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 30, 0, time.UTC), c.UpdatedAt)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 100.75, c.Close)
	assert.Equal(t, 101.5, c.High)
	assert.Equal(t, 98.25, c.Low)
	assert.Equal(t, 1234.5, c.Volume)

	t.Run("ignored frames", func(t *testing.T) {
		for _, frame := range []string{
			`{"result":null,"id":1}`,
			klineFrame("BTCUSDT", "5m", 1709287200000, 1709287230000, "1", "2"),
			`{"stream":"x","data":{"e":"kline","E":1}}`,
		} {
			_, err := ParseMessage([]byte(frame), "1m")
			assert.ErrorIs(t, err, errIgnored, frame)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseMessage([]byte(`{"stream":`), "1m")
		assert.Error(t, err)
		_, err = ParseMessage([]byte(`{"stream":"x","data":{"e":"continuous_kline","k":{"i":"1m","o":"abc"}}}`), "1m")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, errIgnored)
	})
}

func TestStreamNames(t *testing.T) {
	assert.Equal(t,
		[]string{"btcusdt_perpetual@continuousKline_1m", "ethusdt_perpetual@continuousKline_1m"},
		StreamNames([]string{"BTCUSDT", "ETHUSDT"}, "1m"))

	i := New("", []string{"BTCUSDT"}, "15m", nil, logging.Nop())
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt_perpetual@continuousKline_15m", i.URL())
}

func TestRunUpsertsCandles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "candles.db")
	open, err := store.NewOpener(ctx, config.StoreConfig{Driver: "sqlite", DSN: path}, logging.Nop())
	require.NoError(t, err)

	var upgrader websocket.Upgrader
	connects := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects <- r.URL.Query().Get("streams")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"result":null,"id":1}`,
			klineFrame("BTCUSDT", "1m", 1709287200000, 1709287210000, "100.00", "100.50"),
			// same candle, later update
			klineFrame("BTCUSDT", "1m", 1709287200000, 1709287250000, "100.00", "101.00"),
			klineFrame("ETHUSDT", "1m", 1709287200000, 1709287250000, "3000.00", "3010.00"),
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	i := New("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT", "ETHUSDT"}, "1m", open, logging.Nop())
	done := make(chan error, 1)
	go func() { done <- i.Run(ctx) }()

	select {
	case streams := <-connects:
		assert.Equal(t, "btcusdt_perpetual@continuousKline_1m/ethusdt_perpetual@continuousKline_1m", streams)
	case <-time.After(2 * time.Second):
		t.Fatal("ingester never connected")
	}

	require.Eventually(t, func() bool { return i.Stats().Stored == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	stats := i.Stats()
	assert.Equal(t, int64(3), stats.Received)
	assert.Zero(t, stats.Failed)

	err = open.With(context.Background(), func(s store.Store) error {
		btc, err := s.Candles(context.Background(), "BTCUSDT", "1m", 10)
		require.NoError(t, err)
		require.Len(t, btc, 1)
		assert.Equal(t, 101.0, btc[0].Close)

		eth, err := s.Candles(context.Background(), "ETHUSDT", "1m", 10)
		require.NoError(t, err)
		require.Len(t, eth, 1)
		assert.Equal(t, 3010.0, eth[0].Close)
		return nil
	})
	require.NoError(t, err)
}

func TestRunRedialsAfterLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open, err := store.NewOpener(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "c.db")}, logging.Nop())
	require.NoError(t, err)

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// drop every connection immediately
		conn.Close()
	}))
	defer srv.Close()

	i := New("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT"}, "1m", open, logging.Nop())
	i.reconnect = 5 * time.Millisecond
	i.dialRetry = 5 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- i.Run(ctx) }()

	require.Eventually(t, func() bool { return i.Stats().Reconnects >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
