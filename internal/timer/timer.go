// Package timer tracks wall-clock and step-rate statistics for the
// training loop.
//
// The timer distinguishes training time from everything else: intervals
// spent checkpointing or evaluating are excluded from step-duration
// accounting via ExcludeFromStepStats, so throughput numbers reflect
// only actual training work.
package timer

import (
	"fmt"
	"time"
)

// Timer accumulates per-step timing for a training run.
//
// Mutation model:
//   - FinishStep() is called exactly once per training step
//   - ExcludeFromStepStats() brackets non-training intervals
//     (checkpoint save, evaluation)
//
// No other component mutates the timer. Timer is not safe for
// concurrent use; the loop driver owns it from a single goroutine.
type Timer struct {
	initialStepNum     int64
	stepsFinished      int64
	trainingTime       time.Duration
	perDeviceBatchSize int
	globalBatchSize    int

	stepStart time.Time
	excluded  time.Duration // excluded interval within the current step
	lastStep  time.Duration // duration of the most recent finished step

	now func() time.Time
}

// Option configures a Timer.
type Option func(*Timer)

// WithNowFunc overrides the clock source. Used by tests to make step
// durations deterministic.
func WithNowFunc(now func() time.Time) Option {
	return func(t *Timer) {
		t.now = now
	}
}

// New creates a Timer positioned at initialStep with previously
// accumulated training time (zero for a fresh run).
func New(initialStep int64, trainingTime time.Duration, perDeviceBatchSize, globalBatchSize int, opts ...Option) *Timer {
	t := &Timer{
		initialStepNum:     initialStep,
		trainingTime:       trainingTime,
		perDeviceBatchSize: perDeviceBatchSize,
		globalBatchSize:    globalBatchSize,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.stepStart = t.now()
	return t
}

// FromSnapshot reconstructs a Timer from a checkpointed snapshot.
// The restored timer starts counting steps from the snapshot's step
// number with the snapshot's accumulated training time.
func FromSnapshot(snap Snapshot, opts ...Option) *Timer {
	return New(snap.InitialStepNum, snap.TrainingTime, snap.PerDeviceBatchSize, snap.GlobalBatchSize, opts...)
}

// FinishStep records the completion of one training step. The elapsed
// wall time since the previous FinishStep (or construction), minus any
// excluded intervals, is credited to training time.
func (t *Timer) FinishStep() {
	end := t.now()
	elapsed := end.Sub(t.stepStart) - t.excluded
	if elapsed < 0 {
		elapsed = 0
	}
	t.trainingTime += elapsed
	t.lastStep = elapsed
	t.stepsFinished++
	t.stepStart = end
	t.excluded = 0
}

// ExcludeFromStepStats marks the start of a non-training interval.
// The returned release function ends the interval and must be called
// on every exit path, including failures.
func (t *Timer) ExcludeFromStepStats() func() {
	start := t.now()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		t.excluded += t.now().Sub(start)
	}
}

// CurrentStep returns the step number the timer believes the loop has
// reached: the initial step plus the number of finished steps.
func (t *Timer) CurrentStep() int64 {
	return t.initialStepNum + t.stepsFinished
}

// InitialStepNum returns the step number the timer was constructed at.
func (t *Timer) InitialStepNum() int64 {
	return t.initialStepNum
}

// TrainingTime returns the accumulated training time, excluding
// checkpoint and evaluation intervals.
func (t *Timer) TrainingTime() time.Duration {
	return t.trainingTime
}

// Snapshot captures the timer state for checkpointing. The snapshot's
// InitialStepNum is the step the timer has reached, so a timer
// restored from it resumes counting at that step.
func (t *Timer) Snapshot() Snapshot {
	return Snapshot{
		InitialStepNum:     t.CurrentStep(),
		TrainingTime:       t.trainingTime,
		PerDeviceBatchSize: t.perDeviceBatchSize,
		GlobalBatchSize:    t.globalBatchSize,
	}
}

// Stats reports the throughput numbers logged with step metrics.
func (t *Timer) Stats() Stats {
	s := Stats{
		Step:          t.CurrentStep(),
		TrainingHours: t.trainingTime.Hours(),
		LastStep:      t.lastStep,
	}
	if t.lastStep > 0 {
		s.StepsPerSec = float64(time.Second) / float64(t.lastStep)
		s.ExamplesPerSec = s.StepsPerSec * float64(t.globalBatchSize)
		s.ExamplesPerSecPerDevice = s.StepsPerSec * float64(t.perDeviceBatchSize)
	}
	return s
}

// Snapshot is the serializable timer state stored in a checkpoint.
type Snapshot struct {
	InitialStepNum     int64         `json:"initial_step_num"`
	TrainingTime       time.Duration `json:"training_time"`
	PerDeviceBatchSize int           `json:"per_device_batch_size"`
	GlobalBatchSize    int           `json:"global_batch_size"`
}

// Stats holds derived throughput metrics for a single step.
type Stats struct {
	Step                    int64
	TrainingHours           float64
	LastStep                time.Duration
	StepsPerSec             float64
	ExamplesPerSec          float64
	ExamplesPerSecPerDevice float64
}

// String renders the stats the way they appear in progress logs.
func (s Stats) String() string {
	return fmt.Sprintf("step=%d steps/s=%.2f examples/s=%.1f training_hours=%.4f",
		s.Step, s.StepsPerSec, s.ExamplesPerSec, s.TrainingHours)
}
