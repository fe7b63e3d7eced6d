package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"perp-monitor/internal/faults"
	"perp-monitor/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func newTestGovernor(at time.Time) (*Governor, *fakeClock) {
	clock := &fakeClock{now: at}
	g := NewGovernor(DefaultConfig(), logging.Nop()).WithClock(clock.Now, clock.Sleep)
	return g, clock
}

func TestGovernorParksUntilNextMinute(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
	}{
		{"order count at high water", Usage{Symbol: "BTCUSDT", Status: 200, OrderCount1m: 17 * 60}},
		{"weight above high water", Usage{Symbol: "BTCUSDT", Status: 200, UsedWeight1m: 2200}},
		{"explicit 429", Usage{Symbol: "BTCUSDT", Status: 429, Body: []byte(`{"code":-1003}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := time.Date(2024, 3, 1, 10, 15, 42, 0, time.UTC)
			g, clock := newTestGovernor(at)

			err := g.Observe(context.Background(), tt.usage)
			require.Error(t, err)
			assert.True(t, faults.Is(err, faults.RateLimited))
			require.Len(t, clock.sleeps, 1)
			assert.Equal(t, 18*time.Second, clock.sleeps[0])
			assert.Equal(t, 0, clock.now.Second(), "resumes at the top of the minute")

			parked, _ := g.Stats()
			assert.Equal(t, int64(1), parked)
		})
	}
}

func TestGovernorPacesWithoutFailing(t *testing.T) {
	// 20 seconds into the minute, 320 weight is 16/s against a pace rate of 15
	at := time.Date(2024, 3, 1, 10, 15, 20, 0, time.UTC)
	g, clock := newTestGovernor(at)

	err := g.Observe(context.Background(), Usage{Status: 200, UsedWeight1m: 320})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{900 * time.Millisecond}, clock.sleeps)

	_, paced := g.Stats()
	assert.Equal(t, int64(1), paced)
}

func TestGovernorQuietBudget(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 15, 50, 0, time.UTC)
	g, clock := newTestGovernor(at)

	require.NoError(t, g.Observe(context.Background(), Usage{Status: 200, UsedWeight1m: 100, OrderCount1m: 5}))
	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 100, g.Last().UsedWeight1m)
}

func TestGovernorHonorsBanUntil(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	g, clock := newTestGovernor(at)
	ban := at.Add(5 * time.Minute).UnixMilli()

	err := g.Observe(context.Background(), Usage{
		Status: 418,
		Body:   []byte(fmt.Sprintf(`{"code":-1003,"msg":"Way too many requests; IP banned until %d."}`, ban)),
	})
	require.Error(t, err)
	assert.Equal(t, []time.Duration{5 * time.Minute}, clock.sleeps)
}

func TestGovernorCancelledWhileParked(t *testing.T) {
	g := NewGovernor(DefaultConfig(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Observe(ctx, Usage{Status: 200, OrderCount1m: 5000})
	assert.ErrorIs(t, err, context.Canceled)
}
