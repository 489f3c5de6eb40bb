package telemetry

import (
	"math"
	"sort"
)

// summary holds the robust and classical statistics of one baseline
// history, recomputed on demand.
type summary struct {
	Mean   float64
	Median float64
	MAD    float64
	Stdev  float64
}

func summarize(xs []float64) summary {
	n := len(xs)
	if n == 0 {
		return summary{}
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	m := sum / float64(n)

	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}

	med := medianOf(xs)
	devs := make([]float64, n)
	for i, x := range xs {
		devs[i] = math.Abs(x - med)
	}

	return summary{
		Mean:   m,
		Median: med,
		MAD:    medianOf(devs),
		Stdev:  math.Sqrt(sq / float64(n)),
	}
}

// medianOf sorts a copy; inputs stay untouched.
func medianOf(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	s := make([]float64, n)
	copy(s, xs)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
