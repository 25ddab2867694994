package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCeilingDoublesThenCaps(t *testing.T) {
	p := Default()
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Ceiling(i), "attempt %d", i)
	}
	assert.Equal(t, 30*time.Second, p.Ceiling(500))
	assert.Equal(t, time.Second, p.Ceiling(-3))
}

func TestDelayStaysInsideJitterBand(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 12; attempt++ {
		lo := p.Ceiling(attempt)
		for i := 0; i < 200; i++ {
			d := p.Delay(attempt, p.Jitter())
			assert.GreaterOrEqual(t, d, lo)
			assert.Less(t, d, lo+2*time.Second)
		}
	}
}

func TestDelayClampsOutOfRangeJitter(t *testing.T) {
	p := Default()
	assert.Equal(t, time.Second, p.Delay(0, -time.Second))
	assert.Equal(t, 3*time.Second-1, p.Delay(0, time.Hour))

	noJitter := Policy{Base: time.Second, Max: 4 * time.Second}
	assert.Equal(t, time.Second, noJitter.Delay(0, time.Hour))
	assert.Zero(t, noJitter.Jitter())
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	b := New(Default()).WithJitter(func(Policy) time.Duration { return 0 })

	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 3, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 1*time.Second, b.Next())
}
