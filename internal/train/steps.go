package train

import "iter"

// StepRange is the lazy, finite sequence of step indices executed by
// the loop, with per-step hook dispatch. It restarts only from its
// given initial step; it is not rewindable mid-iteration.
type StepRange struct {
	initial int64
	total   int64
	hooks   []Hook
}

// NewStepRange builds the step sequence [initialStep, totalSteps) with
//
//	totalSteps = min(numTrainSteps+1, stopAfterSteps or +inf)
//
// The +1 is deliberate: the loop includes the final step index so a
// checkpoint or evaluation can run at numTrainSteps before the loop
// naturally ends.
//
// A nil numTrainSteps fails fast with a ConfigError: enumerating an
// unbounded loop is rejected outright rather than silently running
// forever.
func NewStepRange(initialStep int64, numTrainSteps, stopAfterSteps *int64) (*StepRange, error) {
	if numTrainSteps == nil {
		return nil, NewConfigError("num_train_steps", "must be set; refusing to start an unbounded loop")
	}
	if *numTrainSteps < 0 {
		return nil, NewConfigError("num_train_steps", "must be non-negative, got %d", *numTrainSteps)
	}
	if initialStep < 0 {
		return nil, NewConfigError("initial_step", "must be non-negative, got %d", initialStep)
	}

	total := *numTrainSteps + 1
	if stopAfterSteps != nil && *stopAfterSteps < total {
		total = *stopAfterSteps
	}
	return &StepRange{initial: initialStep, total: total}, nil
}

// AddHook registers a hook invoked with each step index after the loop
// body for that step completes. Hooks are registered only on the lead
// host to avoid redundant profiling and logging across workers.
func (r *StepRange) AddHook(h Hook) {
	r.hooks = append(r.hooks, h)
}

// InitialStep returns the first step index of the range.
func (r *StepRange) InitialStep() int64 {
	return r.initial
}

// TotalSteps returns the exclusive upper bound of the range.
func (r *StepRange) TotalSteps() int64 {
	return r.total
}

// All yields the step indices in order. After the loop body for a step
// resumes the iterator, every registered hook runs with that index.
// Breaking out of the iteration skips the hooks for that step.
func (r *StepRange) All() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		for i := r.initial; i < r.total; i++ {
			if !yield(i) {
				return
			}
			for _, h := range r.hooks {
				h(i)
			}
		}
	}
}
