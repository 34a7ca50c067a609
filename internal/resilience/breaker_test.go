package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg BreakerConfig) (*Breaker, *time.Time) {
	b := NewBreaker("svc", cfg)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAtFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 2, b.ConsecutiveFailures())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	*now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())

	*now = now.Add(time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	*now = now.Add(time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	opened := b.OpenedAt()
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.True(t, b.OpenedAt().After(opened), "reopen must refresh openedAt")
}

func TestBreaker_ForceOpen(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 100})

	b.ForceOpen()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerManager_OverridesAndDefaults(t *testing.T) {
	m := NewBreakerManager(
		BreakerConfig{FailureThreshold: 5},
		map[string]BreakerConfig{"secret-service": {FailureThreshold: 1}},
	)

	def := m.Get("gemini")
	for range 4 {
		def.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, def.State())

	sec := m.Get("secret-service")
	sec.RecordFailure()
	assert.Equal(t, BreakerOpen, sec.State())

	assert.Same(t, def, m.Get("gemini"))

	states := m.States()
	assert.Equal(t, BreakerClosed, states["gemini"])
	assert.Equal(t, BreakerOpen, states["secret-service"])
}
