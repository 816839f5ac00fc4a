package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreClampsRSSIRange(t *testing.T) {
	assert.InDelta(t, 0.6*1.0+0.3*0.5+0.1*1.0, Score(-20, 0, 0, 0), 1e-9)
	assert.InDelta(t, 0.6*0.0+0.3*0.5+0.1*1.0, Score(-150, 0, 0, 0), 1e-9)
}

func TestScoreSuccessRatio(t *testing.T) {
	best := Score(-30, 10, 10, 0)
	worst := Score(-30, 10, 0, 0)
	assert.Greater(t, best, worst)
}

func TestScoreDecaysWithAge(t *testing.T) {
	fresh := Score(-50, 5, 5, 0)
	old := Score(-50, 5, 5, 600)
	assert.Greater(t, fresh, old)
}

func TestScoreAlwaysInUnitRange(t *testing.T) {
	for _, rssi := range []int{-200, -100, -65, -30, 0} {
		for _, age := range []float64{0, 30, 60, 600, 36000} {
			s := Score(rssi, 4, 2, age)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
}
