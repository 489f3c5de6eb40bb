package logroute

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orbitquant/tradeplane/pkg/schema"
)

func samplerForTest() *sampler {
	return newSampler(map[string]float64{
		schema.LevelDebug: 10,
		schema.LevelInfo:  50,
		schema.LevelWarn:  100,
		schema.LevelError: 100,
	}, 10)
}

func TestSamplerAllowRespectsOverride(t *testing.T) {
	s := samplerForTest()
	s.randFn = func() float64 { return 0.999 } // draw 99.9

	assert.True(t, s.allow(schema.LevelError, nil))
	assert.False(t, s.allow(schema.LevelInfo, nil))

	full := 100.0
	assert.True(t, s.allow(schema.LevelInfo, &full))
	zero := 0.0
	assert.False(t, s.allow(schema.LevelError, &zero))

	// Unknown levels are never sampled away.
	assert.True(t, s.allow("trace", nil))
}

func TestSamplerShedHalvesWithFloor(t *testing.T) {
	s := samplerForTest()

	assert.True(t, s.shed())
	rates := s.snapshot()
	assert.Equal(t, 25.0, rates[schema.LevelInfo])
	assert.Equal(t, 5.0, rates[schema.LevelDebug])
	assert.Equal(t, 100.0, rates[schema.LevelWarn], "warn and error are never shed")

	for i := 0; i < 20; i++ {
		s.shed()
	}
	rates = s.snapshot()
	assert.Equal(t, shedFloorPct, rates[schema.LevelInfo])
	assert.Equal(t, shedFloorPct, rates[schema.LevelDebug])

	assert.False(t, s.shed(), "at the floor nothing moves")
}

func TestSamplerRecoversInFixedSteps(t *testing.T) {
	s := samplerForTest()
	s.shed()

	// Step is 10% of the base rate: info climbs 25 -> 30, debug 5 -> 6.
	assert.False(t, s.recoverStep())
	rates := s.snapshot()
	assert.Equal(t, 30.0, rates[schema.LevelInfo])
	assert.Equal(t, 6.0, rates[schema.LevelDebug])

	restored := false
	for i := 0; i < 10 && !restored; i++ {
		restored = s.recoverStep()
	}
	assert.True(t, restored)
	rates = s.snapshot()
	assert.Equal(t, 50.0, rates[schema.LevelInfo])
	assert.Equal(t, 10.0, rates[schema.LevelDebug])
}
