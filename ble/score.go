package ble

import "math"

// Score computes the peer eviction score (spec §4.6 "Peer score"):
//
//	score = 0.6 · clamp(rssi,-100,-30)→[0,1]
//	      + 0.3 · (successes/max(attempts,1)) or 0.5 if attempts==0
//	      + 0.1 · 0.5^(ageSeconds/60)
//
// clamped to [0,1].
func Score(rssi int, attempts, successes int, age float64) float64 {
	rssiTerm := rssiComponent(rssi)

	var successTerm float64
	if attempts <= 0 {
		successTerm = 0.5
	} else {
		successTerm = float64(successes) / float64(attempts)
	}

	ageTerm := math.Pow(0.5, age/60.0)

	s := 0.6*rssiTerm + 0.3*successTerm + 0.1*ageTerm
	return clamp01(s)
}

func rssiComponent(rssi int) float64 {
	const lo, hi = -100.0, -30.0
	v := float64(rssi)
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return (v - lo) / (hi - lo)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
