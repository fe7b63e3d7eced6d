package configpatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"perp-monitor/config"
	"perp-monitor/internal/logging"

	"github.com/redis/go-redis/v9"
)

// Key layout
const (
	PrefixPatch = "perp:patch:%s"
	KeyAudit    = "perp:patch:audit"
)

// RedisStore keeps the active patch of a symbol in a hash and the audit
// trail in a capped list
type RedisStore struct {
	client   redis.UniversalClient
	maxAudit int64
	now      func() time.Time
	logger   *logging.Logger
}

// NewRedisClient builds a client from the service config and verifies it
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewRedisStore wraps an existing client
func NewRedisStore(client redis.UniversalClient, maxAudit int, logger *logging.Logger) *RedisStore {
	if maxAudit <= 0 {
		maxAudit = 1000
	}
	return &RedisStore{
		client:   client,
		maxAudit: int64(maxAudit),
		now:      time.Now,
		logger:   logger.WithComponent("config-patch"),
	}
}

func patchKey(symbol string) string {
	return fmt.Sprintf(PrefixPatch, symbol)
}

// Apply writes the hash and the audit entry in one transaction
func (s *RedisStore) Apply(ctx context.Context, p Patch) (Patch, error) {
	if err := p.Validate(); err != nil {
		return Patch{}, err
	}
	p = stamp(p, s.now())

	entry, err := json.Marshal(p)
	if err != nil {
		return Patch{}, fmt.Errorf("failed to marshal patch: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, patchKey(p.Symbol), map[string]interface{}{
			"id":                p.ID,
			"leverage":          p.Leverage,
			"previous_leverage": p.PreviousLeverage,
			"reason":            p.Reason,
			"source":            p.Source,
			"applied_at":        p.AppliedAt.Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, KeyAudit, entry)
		pipe.LTrim(ctx, KeyAudit, 0, s.maxAudit-1)
		return nil
	})
	if err != nil {
		return Patch{}, fmt.Errorf("failed to apply patch for %s: %w", p.Symbol, err)
	}

	s.logger.WithFields(map[string]interface{}{
		"symbol":   p.Symbol,
		"leverage": p.Leverage,
		"previous": p.PreviousLeverage,
		"source":   p.Source,
	}).Info("configuration patch applied: %s", p.Reason)
	return p, nil
}

func (s *RedisStore) Get(ctx context.Context, symbol string) (Patch, error) {
	fields, err := s.client.HGetAll(ctx, patchKey(symbol)).Result()
	if err != nil {
		return Patch{}, fmt.Errorf("failed to read patch for %s: %w", symbol, err)
	}
	if len(fields) == 0 {
		return Patch{}, ErrNotFound
	}
	return patchFromHash(symbol, fields)
}

func patchFromHash(symbol string, fields map[string]string) (Patch, error) {
	p := Patch{
		ID:     fields["id"],
		Symbol: symbol,
		Reason: fields["reason"],
		Source: fields["source"],
	}
	var err error
	if p.Leverage, err = strconv.Atoi(fields["leverage"]); err != nil {
		return Patch{}, fmt.Errorf("patch for %s has invalid leverage %q: %w", symbol, fields["leverage"], err)
	}
	if v := fields["previous_leverage"]; v != "" {
		p.PreviousLeverage, _ = strconv.Atoi(v)
	}
	if v := fields["applied_at"]; v != "" {
		p.AppliedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return p, nil
}

// Audit returns up to limit entries, newest first
func (s *RedisStore) Audit(ctx context.Context, limit int) ([]Patch, error) {
	stop := int64(limit) - 1
	if limit <= 0 {
		stop = -1
	}
	raw, err := s.client.LRange(ctx, KeyAudit, 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read patch audit: %w", err)
	}

	out := make([]Patch, 0, len(raw))
	for _, r := range raw {
		var p Patch
		if err := json.Unmarshal([]byte(r), &p); err != nil {
			s.logger.WithError(err).Warn("skipping malformed audit entry")
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
