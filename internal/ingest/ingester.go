// Package ingest keeps the candle cache warm from the exchange's
// continuous-contract kline stream so workers can skip REST candle calls.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"perp-monitor/internal/logging"
	"perp-monitor/internal/store"

	"github.com/gorilla/websocket"
)

const (
	DefaultStreamURL = "wss://fstream.binance.com"
	TestnetStreamURL = "wss://stream.binancefuture.com"

	dialRetryDelay = 5 * time.Second
	reconnectDelay = 3 * time.Second
	readTimeout    = 90 * time.Second
)

// Stats counts what the ingester has seen since start
type Stats struct {
	Received   int64     `json:"received"`
	Stored     int64     `json:"stored"`
	Failed     int64     `json:"failed"`
	Reconnects int       `json:"reconnects"`
	LastUpdate time.Time `json:"last_update"`
}

// Ingester subscribes one combined stream for every symbol and upserts each
// kline update into the candle cache.
type Ingester struct {
	baseURL  string
	symbols  []string
	interval string
	open     store.Opener
	logger   *logging.Logger
	dialer   *websocket.Dialer

	dialRetry time.Duration
	reconnect time.Duration

	mu    sync.Mutex
	stats Stats
}

// New creates an ingester. baseURL defaults to the production stream host.
func New(baseURL string, symbols []string, interval string, open store.Opener, logger *logging.Logger) *Ingester {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &Ingester{
		baseURL:   strings.TrimRight(baseURL, "/"),
		symbols:   symbols,
		interval:  interval,
		open:      open,
		logger:    logger.WithComponent("ingest"),
		dialer:    websocket.DefaultDialer,
		dialRetry: dialRetryDelay,
		reconnect: reconnectDelay,
	}
}

// StreamNames returns the continuousKline stream of every symbol
func StreamNames(symbols []string, interval string) []string {
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, fmt.Sprintf("%s_perpetual@continuousKline_%s", strings.ToLower(s), interval))
	}
	return names
}

// URL is the combined-stream endpoint for the configured symbols
func (i *Ingester) URL() string {
	return i.baseURL + "/stream?streams=" + strings.Join(StreamNames(i.symbols, i.interval), "/")
}

// Stats returns a copy of the counters
func (i *Ingester) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}

// Run keeps the stream connected until ctx is cancelled
func (i *Ingester) Run(ctx context.Context) error {
	if len(i.symbols) == 0 {
		return errors.New("ingest: no symbols to subscribe")
	}
	i.logger.WithFields(map[string]interface{}{
		"symbols":  len(i.symbols),
		"interval": i.interval,
	}).Info("candle ingester starting")

	for {
		conn, _, err := i.dialer.DialContext(ctx, i.URL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.logger.WithError(err).Warn("stream dial failed, retrying in %s", i.dialRetry)
			if !sleep(ctx, i.dialRetry) {
				return ctx.Err()
			}
			i.countReconnect()
			continue
		}

		i.logger.Info("stream connected")
		err = i.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			i.logger.Info("candle ingester stopped")
			return ctx.Err()
		}
		i.logger.WithError(err).Warn("stream lost, reconnecting in %s", i.reconnect)
		if !sleep(ctx, i.reconnect) {
			return ctx.Err()
		}
		i.countReconnect()
	}
}

func (i *Ingester) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// unblock ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	st, err := i.open(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		i.handle(ctx, st, data)
	}
}

func (i *Ingester) handle(ctx context.Context, st store.Store, data []byte) {
	c, err := ParseMessage(data, i.interval)
	if errors.Is(err, errIgnored) {
		return
	}

	i.mu.Lock()
	i.stats.Received++
	i.mu.Unlock()

	if err == nil {
		err = st.UpsertCandle(ctx, c)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err != nil {
		i.stats.Failed++
		i.logger.WithError(err).Debug("dropping kline update")
		return
	}
	i.stats.Stored++
	i.stats.LastUpdate = c.UpdatedAt
}

func (i *Ingester) countReconnect() {
	i.mu.Lock()
	i.stats.Reconnects++
	i.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
