package metrics

import "math"

// Accumulator aggregates scalar observations across steps. Compute
// never mutates state, so intermediate reads are safe.
type Accumulator interface {
	Update(value float64)
	Compute() float64
}

// Average is a streaming arithmetic mean.
type Average struct {
	sum   float64
	count int64
}

func (a *Average) Update(value float64) {
	a.sum += value
	a.count++
}

func (a *Average) Compute() float64 {
	if a.count == 0 {
		return math.NaN()
	}
	return a.sum / float64(a.count)
}

// Std is a streaming standard deviation using Welford's algorithm,
// stable for long runs where a naive sum-of-squares cancels.
type Std struct {
	count int64
	mean  float64
	m2    float64
}

func (s *Std) Update(value float64) {
	s.count++
	delta := value - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (value - s.mean)
}

func (s *Std) Compute() float64 {
	if s.count == 0 {
		return math.NaN()
	}
	return math.Sqrt(s.m2 / float64(s.count))
}

// Norm accumulates the L2 norm of all observed values.
type Norm struct {
	sumSquares float64
}

func (n *Norm) Update(value float64) {
	n.sumSquares += value * value
}

func (n *Norm) Compute() float64 {
	return math.Sqrt(n.sumSquares)
}
