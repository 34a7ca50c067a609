package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/collabiq/collabiq/internal/domain"
)

// RetryConfig tunes the executor for one service.
type RetryConfig struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	JitterMax         time.Duration
	PerAttemptTimeout time.Duration
	RespectRetryAfter bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Executor runs operations against external services with classified retries
// behind per-service circuit breakers. Only Transient errors are retried;
// Permanent and Critical surface immediately, Critical additionally forces
// the service breaker open.
type Executor struct {
	breakers *BreakerManager

	mu  sync.Mutex
	rng *rand.Rand
}

// NewExecutor constructs an executor over the given breaker manager.
func NewExecutor(breakers *BreakerManager) *Executor {
	return &Executor{
		breakers: breakers,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Breakers exposes the underlying breaker manager for health reporting.
func (e *Executor) Breakers() *BreakerManager { return e.breakers }

// Do executes op with retries per cfg. A breaker refusal fails fast with
// domain.ErrCircuitOpen without consuming a retry attempt. The last error is
// returned wrapped with the attempt count.
func (e *Executor) Do(ctx context.Context, service string, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	br := e.breakers.Get(service)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = cfg.BaseBackoff
	expo.MaxInterval = cfg.MaxBackoff
	expo.Multiplier = 2.0
	expo.RandomizationFactor = 0 // jitter is applied additively below
	expo.MaxElapsedTime = 0
	expo.Reset()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if !br.Allow() {
			return fmt.Errorf("op=retry.Do service=%s: %w", service, domain.ErrCircuitOpen)
		}

		err := e.runAttempt(ctx, cfg.PerAttemptTimeout, op)
		if err == nil {
			br.RecordSuccess()
			if attempt > 1 {
				slog.Info("retry succeeded",
					slog.String("service", service),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		lastErr = err
		class := domain.Classify(err)
		slog.Warn("attempt failed",
			slog.String("service", service),
			slog.Int("attempt", attempt),
			slog.String("classification", class.String()),
			slog.Any("error", err))

		switch class {
		case domain.ClassCritical:
			br.ForceOpen()
			return fmt.Errorf("op=retry.Do service=%s attempts=%d: %w", service, attempt, err)
		case domain.ClassPermanent:
			br.RecordFailure()
			return fmt.Errorf("op=retry.Do service=%s attempts=%d: %w", service, attempt, err)
		}
		br.RecordFailure()

		if attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("op=retry.Do service=%s attempts=%d: %w", service, attempt, ctx.Err())
		}
		delay := e.nextDelay(expo, cfg, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("op=retry.Do service=%s attempts=%d: %w", service, attempt, ctx.Err())
		}
	}
	return fmt.Errorf("op=retry.Do service=%s attempts=%d: %w", service, cfg.MaxAttempts, lastErr)
}

// runAttempt enforces the per-attempt timeout.
func (e *Executor) runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(actx)
}

// nextDelay computes exponential backoff plus uniform additive jitter, with a
// Retry-After hint acting as a lower bound when configured.
func (e *Executor) nextDelay(expo *backoff.ExponentialBackOff, cfg RetryConfig, err error) time.Duration {
	delay := expo.NextBackOff()
	if delay == backoff.Stop || delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	if cfg.JitterMax > 0 {
		e.mu.Lock()
		delay += time.Duration(e.rng.Int63n(int64(cfg.JitterMax)))
		e.mu.Unlock()
	}
	if cfg.RespectRetryAfter {
		if hint, ok := domain.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
	}
	return delay
}

// IsCircuitOpen reports whether err is a breaker refusal.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, domain.ErrCircuitOpen)
}
