// Package evals holds evaluation collaborators of the training loop:
// a cadence-driven in-process evaluator and a sentinel watcher for
// out-of-process evaluation jobs.
package evals

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/sharding"
	"github.com/iindyk/kauldron/internal/train"
)

// CadenceEvaluator evaluates the model on a held-out pipeline every
// N steps and at the final step. It decides for itself whether a
// given step is an eval step; the driver offers every step.
//
// Evaluation reuses the step unit's forward path on a cloned state,
// so training state is never perturbed.
type CadenceEvaluator struct {
	name       string
	every      int64
	finalStep  int64
	unit       train.StepUnit
	pipeline   *data.Pipeline
	placement  *sharding.Placement
	numBatches int
	logger     *slog.Logger

	mu     sync.Mutex
	losses map[int64]float64
}

// NewCadenceEvaluator creates an evaluator running every `every`
// steps and at finalStep, averaging loss over numBatches batches of
// the held-out pipeline.
func NewCadenceEvaluator(name string, every, finalStep int64, unit train.StepUnit, pipeline *data.Pipeline, placement *sharding.Placement, numBatches int, logger *slog.Logger) (*CadenceEvaluator, error) {
	if every <= 0 {
		return nil, fmt.Errorf("evaluator %q: cadence must be positive, got %d", name, every)
	}
	if numBatches <= 0 {
		return nil, fmt.Errorf("evaluator %q: num batches must be positive, got %d", name, numBatches)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CadenceEvaluator{
		name:       name,
		every:      every,
		finalStep:  finalStep,
		unit:       unit,
		pipeline:   pipeline,
		placement:  placement,
		numBatches: numBatches,
		logger:     logger,
		losses:     make(map[int64]float64),
	}, nil
}

// MaybeEval implements the driver's Evaluator contract.
func (e *CadenceEvaluator) MaybeEval(step int64, state *train.TrainState) error {
	if step%e.every != 0 && step != e.finalStep {
		return nil
	}

	// Evaluation always reads the held-out pipeline from the start,
	// so every eval at a given step sees the same batches.
	it := e.pipeline.Iter(data.Cursor{})
	opts := train.StepOptions{ReturnLosses: true}
	var total float64
	for i := 0; i < e.numBatches; i++ {
		batch, err := it.Next()
		if err != nil {
			return fmt.Errorf("evaluator %q: fetch batch: %w", e.name, err)
		}
		shards, err := e.placement.Shard(batch)
		if err != nil {
			return fmt.Errorf("evaluator %q: shard batch: %w", e.name, err)
		}
		// The update is discarded; only the loss matters here.
		_, aux, err := e.unit.Step(state.Clone(), shards, opts)
		if err != nil {
			return fmt.Errorf("evaluator %q: eval step: %w", e.name, err)
		}
		total += aux.Loss
	}
	loss := total / float64(e.numBatches)

	e.mu.Lock()
	e.losses[step] = loss
	e.mu.Unlock()

	e.logger.Info("evaluation", "evaluator", e.name, "step", step, "loss", loss)
	return nil
}

// Loss returns the recorded eval loss at step.
func (e *CadenceEvaluator) Loss(step int64) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	loss, ok := e.losses[step]
	return loss, ok
}

// EvalSteps returns how many evaluations have run.
func (e *CadenceEvaluator) EvalSteps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.losses)
}
