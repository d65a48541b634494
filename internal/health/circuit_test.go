package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Timeout:          50 * time.Millisecond,
		SuccessThreshold: 2,
		Window:           time.Minute,
	}
}

func TestClosedToOpen(t *testing.T) {
	b := NewBreaker("test", testConfig())
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.CanExecute())

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestOpenToHalfOpenAfterTimeout(t *testing.T) {
	b := NewBreaker("test", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.False(t, b.CanExecute())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.CanExecute(), "timeout elapsed, probe allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())
}

func TestHalfOpenToClosedOnSuccesses(t *testing.T) {
	b := NewBreaker("test", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.CanExecute())

	b.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestHalfOpenToOpenOnFailure(t *testing.T) {
	b := NewBreaker("test", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.CanExecute())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestSuccessResetsClosedFailureCount(t *testing.T) {
	b := NewBreaker("test", testConfig())
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State(), "success reset the failure count")
}

func TestReset(t *testing.T) {
	b := NewBreaker("test", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.IsOpen())
	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerSet(t *testing.T) {
	set := NewBreakerSet(testConfig())
	a := set.Get("a")
	assert.Same(t, a, set.Get("a"))

	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}
	assert.Equal(t, 1, set.OpenCount())
	assert.Equal(t, []string{"a"}, set.OpenNames())

	set.Remove("a")
	assert.Equal(t, 0, set.OpenCount())
}
