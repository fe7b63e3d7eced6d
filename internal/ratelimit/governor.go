// Package ratelimit paces exchange calls against the per-minute budgets the
// exchange reports in response headers.
package ratelimit

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"
)

// Usage is the rate-limit state reported with one exchange response
type Usage struct {
	Symbol       string
	Path         string
	Status       int
	Body         []byte
	UsedWeight1m int // X-MBX-USED-WEIGHT-1M
	OrderCount1m int // X-MBX-ORDER-COUNT-1M
	RetryAfter   time.Duration
}

// Budget is the two-tier threshold for one counter. HighWater is an average
// per-second rate over the whole minute (count/60); crossing it parks the
// caller until the next minute. PaceRate is the rate extrapolated over the
// seconds already elapsed in the minute; crossing it inserts PaceDelay.
type Budget struct {
	HighWater float64
	PaceRate  float64
}

// Config holds governor thresholds
type Config struct {
	Weight    Budget
	Orders    Budget
	PaceDelay time.Duration
}

// DefaultConfig mirrors the USDT-M futures limits (2400 weight, 1200 orders per minute)
func DefaultConfig() Config {
	return Config{
		Weight:    Budget{HighWater: 35, PaceRate: 15},
		Orders:    Budget{HighWater: 17, PaceRate: 8},
		PaceDelay: 900 * time.Millisecond,
	}
}

// Governor decides after each response whether the next call must wait.
// A single Governor is shared by all symbol workers since the exchange
// counters are account wide.
type Governor struct {
	mu     sync.Mutex
	cfg    Config
	last   Usage
	parked int64
	paced  int64

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *logging.Logger
}

// NewGovernor creates a governor
func NewGovernor(cfg Config, logger *logging.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: logger.WithComponent("rate-governor"),
	}
}

// WithClock replaces the time source and sleeper, used by tests
func (g *Governor) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Governor {
	g.now = now
	g.sleep = sleep
	return g
}

// Observe records the usage of the call that just returned and blocks as
// required. It returns a RateLimited error when the caller must re-issue
// the call in the next window.
func (g *Governor) Observe(ctx context.Context, u Usage) error {
	g.mu.Lock()
	g.last = u
	g.mu.Unlock()

	if u.Status != 0 && (u.Status < 200 || u.Status > 299) {
		g.logger.WithFields(map[string]interface{}{
			"symbol": u.Symbol,
			"path":   u.Path,
			"status": u.Status,
		}).Warn("exchange returned %d: %s", u.Status, string(u.Body))
	}

	now := g.now()

	// Explicit throttling from the exchange always parks
	if u.Status == 429 || u.Status == 418 {
		wait := u.RetryAfter
		if wait <= 0 {
			wait = untilNextMinute(now)
		}
		if until := parseBanUntil(string(u.Body), now); until > wait {
			wait = until
		}
		return g.park(ctx, u, wait, "exchange throttled")
	}

	if g.overHighWater(u.OrderCount1m, g.cfg.Orders) {
		return g.park(ctx, u, untilNextMinute(now), "order budget")
	}
	if g.overHighWater(u.UsedWeight1m, g.cfg.Weight) {
		return g.park(ctx, u, untilNextMinute(now), "weight budget")
	}

	if g.overPace(u.OrderCount1m, g.cfg.Orders, now) || g.overPace(u.UsedWeight1m, g.cfg.Weight, now) {
		g.mu.Lock()
		g.paced++
		g.mu.Unlock()
		if err := g.sleep(ctx, g.cfg.PaceDelay); err != nil {
			return err
		}
	}
	return nil
}

func (g *Governor) overHighWater(count int, b Budget) bool {
	return b.HighWater > 0 && float64(count)/60 >= b.HighWater
}

func (g *Governor) overPace(count int, b Budget, now time.Time) bool {
	if b.PaceRate <= 0 || count == 0 {
		return false
	}
	elapsed := now.Second()
	if elapsed == 0 {
		elapsed = 60
	}
	return float64(count)/float64(elapsed) >= b.PaceRate
}

func (g *Governor) park(ctx context.Context, u Usage, wait time.Duration, reason string) error {
	g.mu.Lock()
	g.parked++
	g.mu.Unlock()

	g.logger.WithFields(map[string]interface{}{
		"symbol":         u.Symbol,
		"weight_1m":      u.UsedWeight1m,
		"order_count_1m": u.OrderCount1m,
	}).Info("%s exhausted, waiting %s", reason, wait)

	if err := g.sleep(ctx, wait); err != nil {
		return err
	}
	return faults.New(faults.RateLimited, u.Path, fmt.Errorf("%s exhausted, waited %s", reason, wait))
}

// Last returns the most recent usage observed
func (g *Governor) Last() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Stats returns how many times callers were parked and paced
func (g *Governor) Stats() (parked, paced int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.parked, g.paced
}

func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}

var banUntilPattern = regexp.MustCompile(`banned until (\d{13})`)

// parseBanUntil extracts "banned until <ms>" from an exchange error payload
func parseBanUntil(body string, now time.Time) time.Duration {
	m := banUntilPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	until := time.UnixMilli(ms).Sub(now)
	if until <= 0 || until > 24*time.Hour {
		return 0
	}
	return until
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
