package train

import "math"

// Schedule maps a step number to a scalar hyperparameter value.
// Schedule values are evaluated by the driver at logging steps and
// written alongside step metrics.
type Schedule interface {
	Value(step int64) float64
}

// ConstantSchedule returns the same value at every step.
type ConstantSchedule struct {
	V float64
}

// Value implements Schedule.
func (s ConstantSchedule) Value(int64) float64 { return s.V }

// LinearDecay interpolates from Base to Final over DecaySteps, then
// stays at Final.
type LinearDecay struct {
	Base       float64
	Final      float64
	DecaySteps int64
}

// Value implements Schedule.
func (s LinearDecay) Value(step int64) float64 {
	if s.DecaySteps <= 0 || step >= s.DecaySteps {
		return s.Final
	}
	frac := float64(step) / float64(s.DecaySteps)
	return s.Base + (s.Final-s.Base)*frac
}

// CosineDecay anneals from Base to Final following a half cosine over
// DecaySteps, then stays at Final.
type CosineDecay struct {
	Base       float64
	Final      float64
	DecaySteps int64
}

// Value implements Schedule.
func (s CosineDecay) Value(step int64) float64 {
	if s.DecaySteps <= 0 || step >= s.DecaySteps {
		return s.Final
	}
	frac := float64(step) / float64(s.DecaySteps)
	cos := 0.5 * (1 + math.Cos(math.Pi*frac))
	return s.Final + (s.Base-s.Final)*cos
}
