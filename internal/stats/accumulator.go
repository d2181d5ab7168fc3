// Package stats folds a stream of samples into running statistics.
package stats

import "math"

// Accumulator keeps the sample count, mean and sample standard deviation of a
// stream of values using Welford's online algorithm.
//
// Non-finite input follows a "count but contaminate" policy: +Inf and -Inf are
// replaced by NaN, a NaN sample still counts toward SampleSize, and once one
// has been seen Average and StandardDeviation report NaN until Reset.
//
// The zero value is ready to use.
type Accumulator struct {
	name         string
	count        int
	mean         float64
	m2           float64
	contaminated bool

	finite   int
	min, max float64
}

// NewAccumulator returns an empty accumulator labelled with name
func NewAccumulator(name string) *Accumulator {
	return &Accumulator{name: name}
}

// Name returns the label given at construction
func (a *Accumulator) Name() string {
	return a.name
}

// Reset clears all accumulated state
func (a *Accumulator) Reset() {
	*a = Accumulator{name: a.name}
}

// Update incorporates one sample
func (a *Accumulator) Update(x float64) {
	if math.IsInf(x, 0) {
		x = math.NaN()
	}

	a.count++

	if math.IsNaN(x) {
		a.contaminated = true
		return
	}

	a.finite++
	if a.finite == 1 {
		a.min, a.max = x, x
	} else {
		a.min = math.Min(a.min, x)
		a.max = math.Max(a.max, x)
	}

	// Only finite samples enter the running sums. While contaminated the
	// sums are never reported, so the divisor here is the finite count.
	delta := x - a.mean
	a.mean += delta / float64(a.finite)
	a.m2 += delta * (x - a.mean)
}

// SampleSize returns the number of samples seen since the last Reset,
// including non-finite ones.
func (a *Accumulator) SampleSize() int {
	return a.count
}

// Contaminated reports whether a non-finite sample was seen since the last Reset
func (a *Accumulator) Contaminated() bool {
	return a.contaminated
}

// Average returns the arithmetic mean. It is NaN when no sample has been
// seen or the accumulator is contaminated.
func (a *Accumulator) Average() float64 {
	if a.count == 0 || a.contaminated {
		return math.NaN()
	}
	return a.mean
}

// StandardDeviation returns the Bessel-corrected sample standard deviation.
// Fewer than two samples yield exactly 0.
func (a *Accumulator) StandardDeviation() float64 {
	if a.count < 2 {
		return 0
	}
	if a.contaminated {
		return math.NaN()
	}
	return math.Sqrt(a.m2 / float64(a.count-1))
}

// Minimum returns the smallest finite sample, or NaN if there is none
func (a *Accumulator) Minimum() float64 {
	if a.finite == 0 {
		return math.NaN()
	}
	return a.min
}

// Maximum returns the largest finite sample, or NaN if there is none
func (a *Accumulator) Maximum() float64 {
	if a.finite == 0 {
		return math.NaN()
	}
	return a.max
}

// Range returns Maximum - Minimum
func (a *Accumulator) Range() float64 {
	return a.Maximum() - a.Minimum()
}
