package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrCircuitOpen is returned while a target is cooling down.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreaker keeps per-target breaker state in Redis so every process
// sees the same cooldown.
type CircuitBreaker struct {
	redis       *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(redisClient *redis.Client, baseBackoff, maxBackoff time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		redis:       redisClient,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}
}

func breakerKey(target string) string { return "cb:" + target }

// Cooldown is the wait after the given number of consecutive failures:
// base, doubling, capped at max.
func (cb *CircuitBreaker) Cooldown(failures int) time.Duration {
	backoff := cb.baseBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff > cb.maxBackoff {
			return cb.maxBackoff
		}
	}
	return backoff
}

// Open opens the breaker for target.
func (cb *CircuitBreaker) Open(ctx context.Context, target string) {
	key := breakerKey(target)

	failuresStr, _ := cb.redis.HGet(ctx, key, "failures").Result()
	failures, _ := strconv.Atoi(failuresStr)
	failures++

	backoff := cb.Cooldown(failures)
	retryAt := time.Now().Add(backoff).Unix()

	cb.redis.HSet(ctx, key, map[string]interface{}{
		"state":     "open",
		"retry_at":  retryAt,
		"failures":  failures,
		"opened_at": time.Now().Unix(),
	})
	cb.redis.Expire(ctx, key, cb.maxBackoff+10*time.Minute)

	log.Warn().
		Str("target", target).
		Dur("cooldown", backoff).
		Int("failures", failures).
		Time("retry_at", time.Unix(retryAt, 0)).
		Msg("circuit breaker OPENED")
}

// IsOpen reports whether target is still cooling down. An expired cooldown
// moves the breaker to half-open and lets one call through.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, target string) bool {
	key := breakerKey(target)

	state, err := cb.redis.HGet(ctx, key, "state").Result()
	if err != nil || state != "open" {
		return false
	}

	retryAtStr, _ := cb.redis.HGet(ctx, key, "retry_at").Result()
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)

	if time.Now().Unix() >= retryAt {
		cb.redis.HSet(ctx, key, "state", "half_open")
		log.Info().Str("target", target).Msg("circuit breaker moved to HALF-OPEN")
		return false
	}
	return true
}

// Close resets the breaker after a success.
func (cb *CircuitBreaker) Close(ctx context.Context, target string) {
	key := breakerKey(target)
	state, _ := cb.redis.HGet(ctx, key, "state").Result()
	if state == "" || state == "closed" {
		return
	}
	cb.redis.Del(ctx, key)
	log.Info().Str("target", target).Msg("circuit breaker CLOSED (reset)")
}

// Publisher uploads a job's output.
type Publisher interface {
	PublishOutput(ctx context.Context, jobID, path string) (string, error)
}

// GuardedPublisher skips publishing while the bucket's breaker is open so a
// broken bucket does not slow down every generation.
type GuardedPublisher struct {
	Publisher Publisher
	Breaker   *CircuitBreaker
	Target    string
}

func (g *GuardedPublisher) PublishOutput(ctx context.Context, jobID, path string) (string, error) {
	if g.Breaker.IsOpen(ctx, g.Target) {
		return "", fmt.Errorf("publish to %s skipped: %w", g.Target, ErrCircuitOpen)
	}
	loc, err := g.Publisher.PublishOutput(ctx, jobID, path)
	if err != nil {
		g.Breaker.Open(ctx, g.Target)
		return "", err
	}
	g.Breaker.Close(ctx, g.Target)
	return loc, nil
}
