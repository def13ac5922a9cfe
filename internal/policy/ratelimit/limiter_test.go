package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestAllowPerOwner(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 60, Burst: 1})
	assert.True(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now))
	assert.True(t, l.Allow("b", now), "owners have independent buckets")
	assert.True(t, l.Allow("a", now.Add(time.Second)))
}

func TestBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 6, Burst: 3})
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("a", now))
	}
	assert.False(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now.Add(5*time.Second)))
	assert.True(t, l.Allow("a", now.Add(10*time.Second)))
}

func TestUnlimitedWhenZero(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("a", now))
	}
}

func TestConfigureBurst(t *testing.T) {
	t.Parallel()

	l := New(Config{PerMinute: 1, Burst: 1})
	assert.True(t, l.Allow("a", now))
	assert.False(t, l.Allow("a", now))

	l.Configure(Config{PerMinute: 1, Burst: 1}, now)
	assert.False(t, l.Allow("a", now))

	l.Configure(Config{PerMinute: 0, Burst: 1}, now)
	assert.True(t, l.Allow("a", now))
	assert.True(t, l.Allow("fresh", now))
}
