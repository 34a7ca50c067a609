package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabiq/collabiq/internal/domain"
	"github.com/collabiq/collabiq/internal/resilience"
)

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func newExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.NewBreakerManager(resilience.BreakerConfig{FailureThreshold: 100}, nil))
}

func TestExecutor_RetriesTransientUntilSuccess(t *testing.T) {
	e := newExecutor()
	calls := 0
	err := e.Do(context.Background(), "svc", fastRetry(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.Transient(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_ExhaustsAttempts(t *testing.T) {
	e := newExecutor()
	calls := 0
	err := e.Do(context.Background(), "svc", fastRetry(3), func(context.Context) error {
		calls++
		return domain.Transient(errors.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, domain.ClassTransient, domain.Classify(err))
}

func TestExecutor_PermanentFailsImmediately(t *testing.T) {
	e := newExecutor()
	calls := 0
	err := e.Do(context.Background(), "svc", fastRetry(3), func(context.Context) error {
		calls++
		return domain.Permanent(errors.New("bad request"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, domain.ClassPermanent, domain.Classify(err))
}

func TestExecutor_CriticalForcesBreakerOpen(t *testing.T) {
	breakers := resilience.NewBreakerManager(resilience.BreakerConfig{FailureThreshold: 100}, nil)
	e := resilience.NewExecutor(breakers)

	calls := 0
	err := e.Do(context.Background(), "svc", fastRetry(3), func(context.Context) error {
		calls++
		return domain.Critical(errors.New("unauthorized"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, resilience.BreakerOpen, breakers.Get("svc").State())

	// Subsequent calls fail fast without invoking the operation.
	err = e.Do(context.Background(), "svc", fastRetry(3), func(context.Context) error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.True(t, resilience.IsCircuitOpen(err))
	assert.Equal(t, 1, calls)
}

func TestExecutor_UnclassifiedErrorIsRetried(t *testing.T) {
	e := newExecutor()
	calls := 0
	err := e.Do(context.Background(), "svc", fastRetry(2), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestExecutor_RespectsRetryAfterLowerBound(t *testing.T) {
	e := newExecutor()
	cfg := resilience.RetryConfig{
		MaxAttempts:       2,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		RespectRetryAfter: true,
	}
	start := time.Now()
	calls := 0
	err := e.Do(context.Background(), "svc", cfg, func(context.Context) error {
		calls++
		return &domain.Classified{
			Class:      domain.ClassTransient,
			HTTPStatus: 429,
			RetryAfter: 50 * time.Millisecond,
			Err:        errors.New("rate limited"),
		}
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestExecutor_ContextCancelStopsRetrying(t *testing.T) {
	e := newExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := resilience.RetryConfig{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := e.Do(ctx, "svc", cfg, func(context.Context) error {
		calls++
		return domain.Transient(errors.New("down"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
