package train

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/dist"
	"github.com/iindyk/kauldron/internal/sharding"
	"github.com/iindyk/kauldron/internal/timer"
)

// Driver sequences checkpoint restore/save, evaluator dispatch, batch
// fetch, device-sharded step execution, timer updates, metric writes
// and per-step hooks into one resumable training loop.
//
// All fields are wired before Run and never mutated afterwards. A
// Driver runs its loop exactly once per process invocation.
type Driver struct {
	Step        StepUnit
	Checkpoints Checkpointer
	Evals       map[string]Evaluator
	Writer      Writer
	Pipeline    *data.Pipeline
	Placement   *sharding.Placement
	Topology    dist.Topology
	Barrier     dist.Barrier
	Guard       *TransferGuard
	Profiler    Hook
	Schedules   map[string]Schedule

	// Workdir receives the completion sentinel. Empty for auxiliary
	// evaluation-only processes, which skip the sentinel.
	Workdir string

	// NumTrainSteps is the configured training length. nil is a fatal
	// configuration error: an unbounded loop never starts silently.
	NumTrainSteps *int64

	// StopAfterSteps is a soft early-terminate boundary for smoke
	// tests and debugging, distinct from the full training length.
	StopAfterSteps *int64

	LogMetricsEvery   int64
	LogSummariesEvery int64

	// ErrorCategories enables deferred error tracking.
	ErrorCategories []ErrorCategory

	// ConfigDump is the rendered configuration written once on fresh
	// runs.
	ConfigDump string

	// TimerOpts lets tests inject a deterministic clock.
	TimerOpts []timer.Option

	Logger *slog.Logger
}

// Run executes the training loop and returns the final TrainState and
// the last computed Auxiliaries (nil if no step produced any).
//
// The per-step ordering is fixed and must not change:
//
//	(a) checkpoint save   - before the iterator advances, so the
//	    persisted cursor and persisted state agree on the next batch
//	(b) evaluator dispatch - observes the state as of the start of the
//	    step, before this step's gradients are applied
//	(c) batch fetch
//	(d) device placement + step execution
//	(e) timer update
//	(f) metrics/summary write (lead host, logging steps only)
//	(g) per-step hooks
func (d *Driver) Run(ctx context.Context) (*TrainState, *Auxiliaries, error) {
	log := d.logger()

	if err := d.validate(); err != nil {
		return nil, nil, err
	}

	// Fail fast on an unbounded loop before any side effect occurs.
	stepRange, err := NewStepRange(0, d.NumTrainSteps, d.StopAfterSteps)
	if err != nil {
		return nil, nil, err
	}

	log.Info("initializing")
	latest, resumed, err := d.Checkpoints.LatestStep()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve latest checkpoint: %w", err)
	}
	initialStep := int64(0)
	if resumed {
		initialStep = latest
	}

	state, err := d.Step.Init(d.Pipeline.ElementSpec(), resumed)
	if err != nil {
		return nil, nil, fmt.Errorf("init train state: %w", err)
	}

	perDevice := d.Pipeline.BatchSize() / d.Placement.Topology().DeviceCount()
	tm := timer.New(initialStep, 0, perDevice, d.Pipeline.BatchSize(), d.TimerOpts...)
	it := d.Pipeline.Iter(data.Cursor{})

	// Uniform restore: with no checkpoint present this returns the
	// freshly initialized bundle unchanged.
	restored, err := d.Checkpoints.Restore(CheckpointState{
		State:  state,
		Timer:  tm.Snapshot(),
		Cursor: it.Cursor(),
	}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("restore checkpoint: %w", err)
	}
	state = restored.State
	tm = timer.FromSnapshot(restored.Timer, d.TimerOpts...)
	it = d.Pipeline.Iter(restored.Cursor)

	stepRange, err = NewStepRange(initialStep, d.NumTrainSteps, d.StopAfterSteps)
	if err != nil {
		return nil, nil, err
	}
	if d.Topology.IsLeadHost() && d.Profiler != nil {
		stepRange.AddHook(d.Profiler)
	}

	if initialStep == 0 && d.Topology.IsLeadHost() {
		if err := d.writeFreshStart(state, it.ElementSpec()); err != nil {
			return nil, nil, err
		}
	}

	guard := d.Guard
	if guard == nil {
		guard = NewTransferGuard()
	}

	log.Info("starting training loop",
		"initial_step", initialStep,
		"total_steps", stepRange.TotalSteps(),
		"host", d.Topology.HostID,
	)

	var aux *Auxiliaries
	evalNames := d.sortedEvalNames()

	releaseGuard := guard.Scope(GuardDisallow)
	// NOTE: do not change the order of operations in the loop body.
	for i := range stepRange.All() {
		if err := ctx.Err(); err != nil {
			releaseGuard()
			return nil, nil, fmt.Errorf("training loop cancelled at step %d: %w", i, err)
		}

		if err := d.saveAndEval(i, state, tm, it, evalNames); err != nil {
			releaseGuard()
			return nil, nil, err
		}

		logSummaries := i%d.LogSummariesEvery == 0
		logMetrics := i%d.LogMetricsEvery == 0
		logAny := logMetrics || logSummaries

		// Mutate the iterator only after the save for this step, so a
		// resume replays this exact batch.
		batch, err := it.Next()
		if err != nil {
			releaseGuard()
			return nil, nil, fmt.Errorf("fetch batch at step %d: %w", i, err)
		}
		shards, err := d.Placement.Shard(batch)
		if err != nil {
			releaseGuard()
			return nil, nil, fmt.Errorf("shard batch at step %d: %w", i, err)
		}

		state, aux, err = d.Step.Step(state, shards, StepOptions{
			ReturnLosses:    logAny,
			ReturnMetrics:   logMetrics,
			ReturnSummaries: logSummaries,
			ErrorCategories: d.ErrorCategories,
		})
		if err != nil {
			releaseGuard()
			return nil, nil, fmt.Errorf("train step %d: %w", i, err)
		}
		tm.FinishStep()

		if logAny && d.Topology.IsLeadHost() {
			if err := d.Writer.WriteStepMetrics(i, aux, d.scheduleValues(i), tm.Stats(), logSummaries); err != nil {
				releaseGuard()
				return nil, nil, fmt.Errorf("write step metrics at step %d: %w", i, err)
			}
		}

		// The error check runs after timer and metric commits so step
		// accounting survives a failure investigation. A checkpoint
		// saved earlier in this iteration may describe a step whose
		// numeric correctness is now in question; that is an accepted
		// tradeoff, not a bug.
		if len(d.ErrorCategories) > 0 && aux != nil && aux.Error.HasFailures() {
			releaseGuard()
			return nil, nil, &StepError{Step: i, Report: aux.Error}
		}
	}
	releaseGuard()

	if d.completedFullLength() && d.Workdir != "" && d.Topology.IsLeadHost() {
		if err := WriteSentinel(d.Workdir); err != nil {
			return nil, nil, err
		}
		log.Info("training complete", "workdir", d.Workdir)
	}

	// Block until in-flight asynchronous saves are durable before any
	// worker can exit.
	if err := d.Checkpoints.WaitUntilFinished(); err != nil {
		return nil, nil, fmt.Errorf("flush checkpoints: %w", err)
	}

	// Final rendezvous is explicit, intentional cross-device
	// communication; relax the guard for it.
	releaseAllow := guard.Scope(GuardAllow)
	err = d.Barrier.Sync(ctx)
	releaseAllow()
	if err != nil {
		return nil, nil, err
	}

	// Returning the final state supports interactive re-entry into
	// the loop.
	return state, aux, nil
}

// saveAndEval runs the checkpoint save and evaluator dispatch for a
// step inside the timer's scoped exclusion. The exclusion is restored
// on every exit path, so a failing save or evaluator cannot corrupt
// step-duration accounting.
func (d *Driver) saveAndEval(i int64, state *TrainState, tm *timer.Timer, it *data.Iterator, evalNames []string) error {
	release := tm.ExcludeFromStepStats()
	defer release()

	if d.Checkpoints.ShouldSave(i) {
		// Snapshot after the previous step's FinishStep so the times
		// stored with the checkpoint match the times logged.
		err := d.Checkpoints.Save(CheckpointState{
			State:  state,
			Timer:  tm.Snapshot(),
			Cursor: it.Cursor(),
		}, i)
		if err != nil {
			return fmt.Errorf("save checkpoint at step %d: %w", i, err)
		}
	}

	for _, name := range evalNames {
		if err := d.Evals[name].MaybeEval(i, state); err != nil {
			return fmt.Errorf("evaluator %q at step %d: %w", name, i, err)
		}
	}
	return nil
}

func (d *Driver) writeFreshStart(state *TrainState, spec data.ElementSpec) error {
	if err := d.Writer.WriteConfig(d.ConfigDump); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := d.Writer.WriteParamOverview(0, state); err != nil {
		return fmt.Errorf("write param overview: %w", err)
	}
	if err := d.Writer.WriteElementSpec(0, spec); err != nil {
		return fmt.Errorf("write element spec: %w", err)
	}
	if err := d.Writer.WriteContextStructure(0, d.describeContext()); err != nil {
		return fmt.Errorf("write context structure: %w", err)
	}
	return nil
}

// describeContext renders the wiring of the driver's collaborators for
// the fresh-start context dump.
func (d *Driver) describeContext() string {
	var b strings.Builder
	fmt.Fprintf(&b, "devices: %d\n", d.Placement.Topology().DeviceCount())
	fmt.Fprintf(&b, "hosts: %d (host %d)\n", d.Topology.NumHosts, d.Topology.HostID)
	fmt.Fprintf(&b, "batch_size: %d\n", d.Pipeline.BatchSize())
	fmt.Fprintf(&b, "evaluators: %s\n", strings.Join(d.sortedEvalNames(), ","))
	names := make([]string, 0, len(d.Schedules))
	for name := range d.Schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(&b, "schedules: %s\n", strings.Join(names, ","))
	return b.String()
}

func (d *Driver) scheduleValues(step int64) map[string]float64 {
	if len(d.Schedules) == 0 {
		return nil
	}
	out := make(map[string]float64, len(d.Schedules))
	for name, s := range d.Schedules {
		out[name] = s.Value(step)
	}
	return out
}

func (d *Driver) sortedEvalNames() []string {
	names := make([]string, 0, len(d.Evals))
	for name := range d.Evals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// completedFullLength reports whether the loop covered the configured
// training length rather than being cut short by StopAfterSteps. Only
// a full-length run writes the completion sentinel; downstream tooling
// treats its absence as "did not finish".
func (d *Driver) completedFullLength() bool {
	return d.StopAfterSteps == nil || *d.StopAfterSteps >= *d.NumTrainSteps+1
}

func (d *Driver) validate() error {
	if d.Step == nil {
		return NewConfigError("step_unit", "must be set")
	}
	if d.Checkpoints == nil {
		return NewConfigError("checkpoints", "must be set")
	}
	if d.Writer == nil {
		return NewConfigError("writer", "must be set")
	}
	if d.Pipeline == nil {
		return NewConfigError("pipeline", "must be set")
	}
	if d.Placement == nil {
		return NewConfigError("placement", "must be set")
	}
	if d.Barrier == nil {
		return NewConfigError("barrier", "must be set")
	}
	if err := d.Topology.Validate(); err != nil {
		return NewConfigError("topology", "%v", err)
	}
	if d.LogMetricsEvery <= 0 {
		return NewConfigError("log_metrics_every", "must be positive, got %d", d.LogMetricsEvery)
	}
	if d.LogSummariesEvery <= 0 {
		return NewConfigError("log_summaries_every", "must be positive, got %d", d.LogSummariesEvery)
	}
	if d.Pipeline.BatchSize()%d.Placement.Topology().DeviceCount() != 0 {
		return NewConfigError("batch_size", "%d not divisible by device count %d",
			d.Pipeline.BatchSize(), d.Placement.Topology().DeviceCount())
	}
	return nil
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
