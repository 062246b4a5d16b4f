// Package train implements the training-loop driver and the contracts
// of its collaborators: step execution, checkpoint coordination,
// evaluators, metric writers and per-step hooks.
//
// The driver runs the full training loop exactly once per process
// invocation, guarantees a fixed ordering of side effects within each
// step, and is resumable from any previously completed step.
package train

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/sharding"
	"github.com/iindyk/kauldron/internal/timer"
)

// TrainState bundles the resumable model state: trainable parameters,
// optimizer slots, and the step counter. It is mutated only by
// StepUnit.Init and StepUnit.Step; the driver never touches its
// contents directly.
type TrainState struct {
	// Step is the number of completed training steps, monotonically
	// increasing. A state restored from a checkpoint saved at step k
	// has Step == k.
	Step int64 `json:"step"`

	// Params holds the trainable parameters by name.
	Params map[string][]float64 `json:"params"`

	// OptState holds optimizer internals (momentum buffers etc.) by name.
	OptState map[string][]float64 `json:"opt_state"`
}

// Clone returns a deep copy of the state.
func (s *TrainState) Clone() *TrainState {
	out := &TrainState{
		Step:     s.Step,
		Params:   make(map[string][]float64, len(s.Params)),
		OptState: make(map[string][]float64, len(s.OptState)),
	}
	for k, v := range s.Params {
		out.Params[k] = append([]float64(nil), v...)
	}
	for k, v := range s.OptState {
		out.OptState[k] = append([]float64(nil), v...)
	}
	return out
}

// ParamOverview renders a one-line-per-parameter summary (name, size,
// L2 norm) in sorted name order.
func (s *TrainState) ParamOverview() string {
	names := make([]string, 0, len(s.Params))
	for name := range s.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	total := 0
	for _, name := range names {
		vec := s.Params[name]
		var sq float64
		for _, x := range vec {
			sq += x * x
		}
		fmt.Fprintf(&b, "%s size=%d norm=%.6g\n", name, len(vec), math.Sqrt(sq))
		total += len(vec)
	}
	fmt.Fprintf(&b, "total parameters: %d\n", total)
	return b.String()
}

// Auxiliaries is the transient per-step output of step execution:
// losses, metrics and summaries requested by the logging cadence, plus
// the deferred error report when error categories are enabled. It is
// consumed by the writer immediately and never persisted.
type Auxiliaries struct {
	Loss      float64
	Metrics   map[string]float64
	Summaries map[string]float64

	// Error carries categorized numeric failures detected during the
	// step. It is a result payload, not a raised error: the driver
	// inspects it explicitly after committing timer and metric updates.
	Error *ErrorReport
}

// ErrorCategory classifies a deferred numeric/logic failure collected
// during device computation.
type ErrorCategory string

const (
	// ErrorCategoryNaN flags NaN values in losses or gradients.
	ErrorCategoryNaN ErrorCategory = "nan"
	// ErrorCategoryDiv flags division by zero.
	ErrorCategoryDiv ErrorCategory = "div"
	// ErrorCategoryOOB flags out-of-bounds indexing.
	ErrorCategoryOOB ErrorCategory = "oob"
	// ErrorCategoryUser flags user-defined runtime checks.
	ErrorCategoryUser ErrorCategory = "user"
)

// ErrorReport is the batched error channel attached to Auxiliaries.
type ErrorReport struct {
	Failures []Failure
}

// Failure is one categorized failure within a step.
type Failure struct {
	Category ErrorCategory
	Message  string
}

// HasFailures reports whether any failure was collected.
func (r *ErrorReport) HasFailures() bool {
	return r != nil && len(r.Failures) > 0
}

// Add appends a failure to the report.
func (r *ErrorReport) Add(category ErrorCategory, format string, args ...any) {
	r.Failures = append(r.Failures, Failure{
		Category: category,
		Message:  fmt.Sprintf(format, args...),
	})
}

// CheckpointState is the composite serializable snapshot persisted by
// the checkpoint coordinator: model/optimizer state, timer position,
// and the dataset-iterator cursor. All three are snapshotted at the
// same step boundary; a restored CheckpointState always corresponds to
// a fully completed step, never a partially applied one.
type CheckpointState struct {
	State *TrainState
	Timer timer.Snapshot
	Cursor data.Cursor
}

// StepOptions controls what auxiliary output a step computes. The
// driver requests losses/metrics/summaries only when a logging cadence
// fires, to avoid unnecessary computation.
type StepOptions struct {
	ReturnLosses    bool
	ReturnMetrics   bool
	ReturnSummaries bool

	// ErrorCategories enables the deferred error channel for the
	// listed categories. Empty disables error tracking.
	ErrorCategories []ErrorCategory
}

// StepUnit performs initialization of trainable state and the
// per-step forward/backward/update computation.
type StepUnit interface {
	// Init builds the initial TrainState for the given element spec.
	// skipTransforms is true when the state will immediately be
	// replaced by a checkpoint restore, letting implementations skip
	// expensive data-dependent initialization.
	Init(spec data.ElementSpec, skipTransforms bool) (*TrainState, error)

	// Step executes one forward/backward/update cycle over the
	// device-sharded batch and returns the updated state plus the
	// auxiliaries requested by opts.
	Step(state *TrainState, shards []sharding.Shard, opts StepOptions) (*TrainState, *Auxiliaries, error)
}

// Checkpointer is the driver-side contract of the checkpoint
// coordinator. Save may be asynchronous; WaitUntilFinished blocks
// until every pending save is durable.
type Checkpointer interface {
	// LatestStep returns the newest saved step, or ok=false when no
	// checkpoint exists.
	LatestStep() (step int64, ok bool, err error)

	// ShouldSave reports whether a save fires at the given step.
	ShouldSave(step int64) bool

	// Save persists a snapshot keyed by step number.
	Save(state CheckpointState, step int64) error

	// Restore loads the latest snapshot. With noopIfMissing and no
	// existing checkpoint it returns the input state unchanged, so the
	// driver can call it uniformly on fresh and resumed runs.
	Restore(state CheckpointState, noopIfMissing bool) (CheckpointState, error)

	// WaitUntilFinished blocks until pending asynchronous saves have
	// been flushed, returning the first save failure if any.
	WaitUntilFinished() error
}

// Evaluator decides for itself whether to run at a given step. The
// driver consumes no return value beyond the error, which propagates
// untouched.
type Evaluator interface {
	MaybeEval(step int64, state *TrainState) error
}

// Writer is the sink for configuration dumps, parameter overviews and
// step metrics/summaries. The fresh-start writes happen once at step
// zero; WriteStepMetrics is called per logging step on the lead host.
type Writer interface {
	WriteConfig(rendered string) error
	WriteParamOverview(step int64, state *TrainState) error
	WriteElementSpec(step int64, spec data.ElementSpec) error
	WriteContextStructure(step int64, structure string) error
	WriteStepMetrics(step int64, aux *Auxiliaries, schedules map[string]float64, perf timer.Stats, logSummaries bool) error
}

// Hook is a side-effecting callable invoked once per step boundary
// (profiling, progress reporting).
type Hook func(step int64)
