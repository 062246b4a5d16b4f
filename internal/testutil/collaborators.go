// Package testutil provides deterministic collaborator doubles for
// training-loop tests: an in-memory checkpointer, a recording metric
// writer, a scripted step unit and counting evaluators/hooks.
package testutil

import (
	"fmt"
	"sync"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/sharding"
	"github.com/iindyk/kauldron/internal/timer"
	"github.com/iindyk/kauldron/internal/train"
)

// MemCheckpointer is an in-memory train.Checkpointer that records
// every save in order. Saves are synchronous.
type MemCheckpointer struct {
	mu        sync.Mutex
	SaveEvery int64
	FinalStep int64

	saved     map[int64]train.CheckpointState
	SaveSteps []int64
	SaveErr   error
}

// NewMemCheckpointer creates a checkpointer saving every saveEvery
// steps and at finalStep.
func NewMemCheckpointer(saveEvery, finalStep int64) *MemCheckpointer {
	return &MemCheckpointer{
		SaveEvery: saveEvery,
		FinalStep: finalStep,
		saved:     make(map[int64]train.CheckpointState),
	}
}

// LatestStep implements train.Checkpointer.
func (m *MemCheckpointer) LatestStep() (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	found := false
	for step := range m.saved {
		if !found || step > latest {
			latest = step
			found = true
		}
	}
	return latest, found, nil
}

// ShouldSave implements train.Checkpointer.
func (m *MemCheckpointer) ShouldSave(step int64) bool {
	if m.SaveEvery > 0 && step%m.SaveEvery == 0 {
		return true
	}
	return step == m.FinalStep
}

// Save implements train.Checkpointer. The snapshot is deep-copied so
// later mutation of the live state cannot leak into it.
func (m *MemCheckpointer) Save(state train.CheckpointState, step int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.saved[step] = train.CheckpointState{
		State:  state.State.Clone(),
		Timer:  state.Timer,
		Cursor: state.Cursor,
	}
	m.SaveSteps = append(m.SaveSteps, step)
	return nil
}

// Restore implements train.Checkpointer.
func (m *MemCheckpointer) Restore(state train.CheckpointState, noopIfMissing bool) (train.CheckpointState, error) {
	latest, ok, err := m.LatestStep()
	if err != nil {
		return train.CheckpointState{}, err
	}
	if !ok {
		if noopIfMissing {
			return state, nil
		}
		return train.CheckpointState{}, fmt.Errorf("no checkpoint to restore")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.saved[latest]
	return train.CheckpointState{
		State:  snap.State.Clone(),
		Timer:  snap.Timer,
		Cursor: snap.Cursor,
	}, nil
}

// WaitUntilFinished implements train.Checkpointer.
func (m *MemCheckpointer) WaitUntilFinished() error { return nil }

// Saved returns the snapshot stored for a step.
func (m *MemCheckpointer) Saved(step int64) (train.CheckpointState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.saved[step]
	return snap, ok
}

// StepMetricsCall records one WriteStepMetrics invocation.
type StepMetricsCall struct {
	Step         int64
	Aux          *train.Auxiliaries
	Schedules    map[string]float64
	Perf         timer.Stats
	LogSummaries bool
}

// RecordingWriter is a train.Writer that records every call.
type RecordingWriter struct {
	mu sync.Mutex

	Configs           []string
	ParamOverviews    []int64
	ElementSpecs      []int64
	ContextStructures []int64
	StepMetrics       []StepMetricsCall
	Err               error
}

// WriteConfig implements train.Writer.
func (w *RecordingWriter) WriteConfig(rendered string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.Configs = append(w.Configs, rendered)
	return nil
}

// WriteParamOverview implements train.Writer.
func (w *RecordingWriter) WriteParamOverview(step int64, state *train.TrainState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.ParamOverviews = append(w.ParamOverviews, step)
	return nil
}

// WriteElementSpec implements train.Writer.
func (w *RecordingWriter) WriteElementSpec(step int64, spec data.ElementSpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.ElementSpecs = append(w.ElementSpecs, step)
	return nil
}

// WriteContextStructure implements train.Writer.
func (w *RecordingWriter) WriteContextStructure(step int64, structure string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.ContextStructures = append(w.ContextStructures, step)
	return nil
}

// WriteStepMetrics implements train.Writer.
func (w *RecordingWriter) WriteStepMetrics(step int64, aux *train.Auxiliaries, schedules map[string]float64, perf timer.Stats, logSummaries bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return w.Err
	}
	w.StepMetrics = append(w.StepMetrics, StepMetricsCall{
		Step:         step,
		Aux:          aux,
		Schedules:    schedules,
		Perf:         perf,
		LogSummaries: logSummaries,
	})
	return nil
}

// MetricSteps returns the steps at which step metrics were written.
func (w *RecordingWriter) MetricSteps() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	steps := make([]int64, len(w.StepMetrics))
	for i, c := range w.StepMetrics {
		steps[i] = c.Step
	}
	return steps
}

// ScriptedStepUnit is a deterministic train.StepUnit that records the
// cursor positions of the batches it consumed (via a position field in
// the batch) and can inject a categorized error at a chosen step.
//
// Each element's first value of the input field is recorded, which for
// a deterministic pipeline identifies the batch.
type ScriptedStepUnit struct {
	mu sync.Mutex

	InputField string

	// FailAtStep injects a NaN-category error report at the given
	// state step when error categories are requested. Negative
	// disables injection.
	FailAtStep int64

	InitCalls      []bool // skipTransforms flags, in call order
	SeenFirstElems [][]float64
	StepsExecuted  []int64
}

// NewScriptedStepUnit creates a unit reading the "x" field.
func NewScriptedStepUnit() *ScriptedStepUnit {
	return &ScriptedStepUnit{InputField: "x", FailAtStep: -1}
}

// Init implements train.StepUnit.
func (u *ScriptedStepUnit) Init(spec data.ElementSpec, skipTransforms bool) (*train.TrainState, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.InitCalls = append(u.InitCalls, skipTransforms)
	dim := spec[u.InputField]
	if dim == 0 {
		dim = 1
	}
	return &train.TrainState{
		Step:     0,
		Params:   map[string][]float64{"w": make([]float64, dim)},
		OptState: map[string][]float64{},
	}, nil
}

// Step implements train.StepUnit.
func (u *ScriptedStepUnit) Step(state *train.TrainState, shards []sharding.Shard, opts train.StepOptions) (*train.TrainState, *train.Auxiliaries, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(shards) == 0 || len(shards[0].Batch) == 0 {
		return nil, nil, fmt.Errorf("scripted step unit: empty shards")
	}
	first := shards[0].Batch[0][u.InputField]
	u.SeenFirstElems = append(u.SeenFirstElems, append([]float64(nil), first...))
	u.StepsExecuted = append(u.StepsExecuted, state.Step)

	next := state.Clone()
	next.Step++
	next.Params["w"][0] += 1 // visible, deterministic mutation

	aux := &train.Auxiliaries{}
	if opts.ReturnLosses {
		aux.Loss = 1.0 / float64(next.Step)
	}
	if opts.ReturnMetrics {
		aux.Metrics = map[string]float64{"loss": aux.Loss}
	}
	if opts.ReturnSummaries {
		aux.Summaries = map[string]float64{"w0": next.Params["w"][0]}
	}
	if len(opts.ErrorCategories) > 0 && u.FailAtStep >= 0 && state.Step == u.FailAtStep {
		report := &train.ErrorReport{}
		report.Add(train.ErrorCategoryNaN, "injected failure at step %d", state.Step)
		aux.Error = report
	}
	return next, aux, nil
}

// CountingEvaluator is a train.Evaluator that records the steps it was
// offered and runs on a fixed cadence.
type CountingEvaluator struct {
	mu sync.Mutex

	Every   int64
	Offered []int64
	Ran     []int64
	Err     error
}

// MaybeEval implements train.Evaluator.
func (e *CountingEvaluator) MaybeEval(step int64, state *train.TrainState) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Offered = append(e.Offered, step)
	if e.Every > 0 && step%e.Every == 0 {
		if e.Err != nil {
			return e.Err
		}
		e.Ran = append(e.Ran, step)
	}
	return nil
}

// CountingHook records the step indices it was invoked with.
type CountingHook struct {
	mu    sync.Mutex
	Steps []int64
}

// Hook returns a train.Hook recording into the counter.
func (h *CountingHook) Hook() func(step int64) {
	return func(step int64) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.Steps = append(h.Steps, step)
	}
}

// Seen returns the recorded steps.
func (h *CountingHook) Seen() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.Steps...)
}
