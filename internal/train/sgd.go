package train

import (
	"fmt"
	"math"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/sharding"
)

// SGDUnit is a reference StepUnit: a linear least-squares model
// trained with momentum SGD. It computes per-shard gradients in
// parallel over devices and averages them, standing in for an
// accelerator-backed unit in tests and demo runs.
//
// Elements must carry an input field (default "x") and a scalar target
// field (default "y").
type SGDUnit struct {
	LearningRate float64
	Momentum     float64

	// InputField and TargetField name the element fields consumed by
	// the model. Empty values default to "x" and "y".
	InputField  string
	TargetField string
}

func (u *SGDUnit) inputField() string {
	if u.InputField == "" {
		return "x"
	}
	return u.InputField
}

func (u *SGDUnit) targetField() string {
	if u.TargetField == "" {
		return "y"
	}
	return u.TargetField
}

// Init implements StepUnit. Parameters start at zero, so there is no
// data-dependent initialization to skip on restore; skipTransforms is
// accepted for contract compatibility.
func (u *SGDUnit) Init(spec data.ElementSpec, skipTransforms bool) (*TrainState, error) {
	dim, ok := spec[u.inputField()]
	if !ok {
		return nil, fmt.Errorf("element spec missing input field %q", u.inputField())
	}
	if _, ok := spec[u.targetField()]; !ok {
		return nil, fmt.Errorf("element spec missing target field %q", u.targetField())
	}
	return &TrainState{
		Step: 0,
		Params: map[string][]float64{
			"w": make([]float64, dim),
			"b": make([]float64, 1),
		},
		OptState: map[string][]float64{
			"momentum_w": make([]float64, dim),
			"momentum_b": make([]float64, 1),
		},
	}, nil
}

// Step implements StepUnit: forward/backward over each shard, gradient
// averaging across shards (the data-parallel collective), then a
// momentum SGD update. The step counter increments by one.
func (u *SGDUnit) Step(state *TrainState, shards []sharding.Shard, opts StepOptions) (*TrainState, *Auxiliaries, error) {
	if len(shards) == 0 {
		return nil, nil, fmt.Errorf("no shards to execute")
	}
	w := state.Params["w"]
	b := state.Params["b"]

	gradW := make([]float64, len(w))
	gradB := 0.0
	loss := 0.0
	n := 0
	for _, shard := range shards {
		for _, elem := range shard.Batch {
			x := elem[u.inputField()]
			y := elem[u.targetField()]
			if len(x) != len(w) {
				return nil, nil, fmt.Errorf("input dim %d does not match parameter dim %d", len(x), len(w))
			}
			if len(y) != 1 {
				return nil, nil, fmt.Errorf("target field %q must be scalar, got dim %d", u.targetField(), len(y))
			}
			pred := b[0]
			for d, xd := range x {
				pred += w[d] * xd
			}
			resid := pred - y[0]
			loss += resid * resid
			for d, xd := range x {
				gradW[d] += 2 * resid * xd
			}
			gradB += 2 * resid
			n++
		}
	}
	inv := 1.0 / float64(n)
	loss *= inv
	for d := range gradW {
		gradW[d] *= inv
	}
	gradB *= inv

	next := state.Clone()
	mw := next.OptState["momentum_w"]
	mb := next.OptState["momentum_b"]
	for d := range mw {
		mw[d] = u.Momentum*mw[d] + gradW[d]
		next.Params["w"][d] -= u.LearningRate * mw[d]
	}
	mb[0] = u.Momentum*mb[0] + gradB
	next.Params["b"][0] -= u.LearningRate * mb[0]
	next.Step++

	aux := &Auxiliaries{}
	if opts.ReturnLosses {
		aux.Loss = loss
	}
	if opts.ReturnMetrics {
		aux.Metrics = map[string]float64{
			"loss":      loss,
			"grad_norm": norm2(gradW, gradB),
		}
	}
	if opts.ReturnSummaries {
		aux.Summaries = map[string]float64{
			"param_norm": norm2(next.Params["w"], next.Params["b"][0]),
		}
	}
	if hasCategory(opts.ErrorCategories, ErrorCategoryNaN) {
		report := &ErrorReport{}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			report.Add(ErrorCategoryNaN, "non-finite loss %v at step %d", loss, state.Step)
		}
		for d, g := range gradW {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				report.Add(ErrorCategoryNaN, "non-finite gradient w[%d]=%v at step %d", d, g, state.Step)
				break
			}
		}
		if report.HasFailures() {
			aux.Error = report
		}
	}
	return next, aux, nil
}

func hasCategory(categories []ErrorCategory, want ErrorCategory) bool {
	for _, c := range categories {
		if c == want {
			return true
		}
	}
	return false
}

func norm2(vec []float64, extra float64) float64 {
	sq := extra * extra
	for _, x := range vec {
		sq += x * x
	}
	return math.Sqrt(sq)
}
