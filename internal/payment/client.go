package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 200 * time.Millisecond
	chargeCacheTTL     = 24 * time.Hour
)

// Client wraps a Provider with the retry and idempotency discipline the
// orchestrator relies on:
//
//   - charge outcomes are cached per idempotency key (redis) before being
//     returned, so a repeated Charge never reaches the provider again;
//   - transport errors trigger a status re-query first (an in-flight
//     charge must not be presumed failed), then bounded retries with
//     exponential backoff under the same key;
//   - a circuit breaker sheds calls when the provider is down.
//
// A DECLINED outcome is definitive and returned without retrying.
type Client struct {
	provider    Provider
	cache       *redis.Client // optional; provider idempotency still holds without it
	breaker     *gobreaker.CircuitBreaker[*ChargeResult]
	maxAttempts int
	baseBackoff time.Duration
}

func NewClient(provider Provider, cache *redis.Client) *Client {
	breaker := gobreaker.NewCircuitBreaker[*ChargeResult](gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		provider:    provider,
		cache:       cache,
		breaker:     breaker,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
	}
}

func (c *Client) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if cached := c.cachedResult(ctx, req.IdempotencyKey); cached != nil {
		return cached, nil
	}

	var lastErr error
	backoff := c.baseBackoff
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err := c.breaker.Execute(func() (*ChargeResult, error) {
			return c.provider.Charge(ctx, req)
		})
		if err == nil {
			c.storeResult(ctx, result)
			return result, nil
		}
		lastErr = err

		// The failed call may still have landed provider-side. Re-query
		// by key before treating the charge as not-made.
		known, getErr := c.provider.GetCharge(ctx, req.IdempotencyKey)
		if getErr == nil {
			c.storeResult(ctx, known)
			return known, nil
		}
		if !errors.Is(getErr, ErrChargeNotFound) {
			log.Printf("payment status re-query failed for key %v: %v", req.IdempotencyKey, getErr)
		}

		if attempt < c.maxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("charge failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *Client) GetCharge(ctx context.Context, idempotencyKey string) (*ChargeResult, error) {
	if cached := c.cachedResult(ctx, idempotencyKey); cached != nil {
		return cached, nil
	}
	return c.provider.GetCharge(ctx, idempotencyKey)
}

func (c *Client) Refund(ctx context.Context, providerRef string) error {
	return c.provider.Refund(ctx, providerRef)
}

func (c *Client) cachedResult(ctx context.Context, key string) *ChargeResult {
	if c.cache == nil {
		return nil
	}
	data, err := c.cache.Get(ctx, chargeCacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		log.Printf("payment cache get failed: %v", err)
		return nil
	}
	var result ChargeResult
	if err := json.Unmarshal(data, &result); err != nil {
		log.Printf("payment cache unmarshal failed: %v", err)
		return nil
	}
	return &result
}

func (c *Client) storeResult(ctx context.Context, result *ChargeResult) {
	if c.cache == nil || result == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		log.Printf("payment cache marshal failed: %v", err)
		return
	}
	if err := c.cache.Set(ctx, chargeCacheKey(result.IdempotencyKey), data, chargeCacheTTL).Err(); err != nil {
		log.Printf("payment cache set failed: %v", err)
	}
}

func chargeCacheKey(idempotencyKey string) string {
	return fmt.Sprintf("payment:charge:%s", idempotencyKey)
}
