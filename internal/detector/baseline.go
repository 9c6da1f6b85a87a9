package detector

import "math"

// Baseline tracks windowed online mean/variance for one metric series. No raw
// samples are retained: while filling it runs a Welford accumulation, and once
// the window capacity is reached it switches to exponentially weighted updates
// sized to the same window, so memory stays O(1) per series.
type Baseline struct {
	window   int
	count    int
	mean     float64
	m2       float64
	variance float64
}

// NewBaseline creates a baseline with the given window capacity.
func NewBaseline(window int) *Baseline {
	if window <= 1 {
		window = 1000
	}
	return &Baseline{window: window}
}

// Add folds a new sample into the statistics.
func (b *Baseline) Add(value float64) {
	if b.count < b.window {
		b.count++
		delta := value - b.mean
		b.mean += delta / float64(b.count)
		b.m2 += delta * (value - b.mean)
		if b.count > 1 {
			b.variance = b.m2 / float64(b.count-1)
		}
		return
	}

	alpha := 1 / float64(b.window)
	delta := value - b.mean
	b.mean += alpha * delta
	b.variance = (1 - alpha) * (b.variance + alpha*delta*delta)
}

// Count returns the number of samples folded in, capped at the window size.
func (b *Baseline) Count() int { return b.count }

// Mean returns the tracked mean.
func (b *Baseline) Mean() float64 { return b.mean }

// StdDev returns the tracked standard deviation.
func (b *Baseline) StdDev() float64 {
	if b.variance <= 0 {
		return 0
	}
	return math.Sqrt(b.variance)
}
