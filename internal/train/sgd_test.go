package train

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/sharding"
)

func sgdSpec() data.ElementSpec {
	return data.ElementSpec{"x": 2, "y": 1}
}

func shardBatch(t *testing.T, batch data.Batch, devices int) []sharding.Shard {
	t.Helper()
	p, err := sharding.NewPlacement(sharding.FixedTopology(devices))
	require.NoError(t, err)
	shards, err := p.Shard(batch)
	require.NoError(t, err)
	return shards
}

func TestSGDUnit_Init(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.1}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)

	assert.Equal(t, int64(0), state.Step)
	assert.Len(t, state.Params["w"], 2)
	assert.Len(t, state.Params["b"], 1)
	assert.Len(t, state.OptState["momentum_w"], 2)
}

func TestSGDUnit_Init_MissingFields(t *testing.T) {
	u := &SGDUnit{}
	_, err := u.Init(data.ElementSpec{"y": 1}, false)
	assert.ErrorContains(t, err, `input field "x"`)

	_, err = u.Init(data.ElementSpec{"x": 2}, false)
	assert.ErrorContains(t, err, `target field "y"`)
}

func TestSGDUnit_Step_ReducesLoss(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.05, Momentum: 0.9}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)

	// Fixed batch: y = x0 + 2*x1.
	batch := data.Batch{
		{"x": []float64{1, 0}, "y": []float64{1}},
		{"x": []float64{0, 1}, "y": []float64{2}},
		{"x": []float64{1, 1}, "y": []float64{3}},
		{"x": []float64{2, 1}, "y": []float64{4}},
	}
	shards := shardBatch(t, batch, 2)
	opts := StepOptions{ReturnLosses: true}

	var first, last float64
	for i := 0; i < 50; i++ {
		var aux *Auxiliaries
		state, aux, err = u.Step(state, shards, opts)
		require.NoError(t, err)
		if i == 0 {
			first = aux.Loss
		}
		last = aux.Loss
	}
	assert.Less(t, last, first, "training must reduce the loss")
	assert.Equal(t, int64(50), state.Step)
}

func TestSGDUnit_Step_ShardingInvariant(t *testing.T) {
	// The same batch must produce the same update regardless of how
	// many devices it is sharded across.
	batch := data.Batch{
		{"x": []float64{1, 0}, "y": []float64{1}},
		{"x": []float64{0, 1}, "y": []float64{2}},
		{"x": []float64{1, 1}, "y": []float64{3}},
		{"x": []float64{2, 1}, "y": []float64{4}},
	}
	opts := StepOptions{ReturnLosses: true}

	u := &SGDUnit{LearningRate: 0.1}
	s1, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)
	s1, aux1, err := u.Step(s1, shardBatch(t, batch, 1), opts)
	require.NoError(t, err)

	s4, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)
	s4, aux4, err := u.Step(s4, shardBatch(t, batch, 4), opts)
	require.NoError(t, err)

	assert.InDelta(t, aux1.Loss, aux4.Loss, 1e-12)
	for d := range s1.Params["w"] {
		assert.InDelta(t, s1.Params["w"][d], s4.Params["w"][d], 1e-12)
	}
}

func TestSGDUnit_Step_DoesNotMutateInput(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.1}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)

	batch := data.Batch{{"x": []float64{1, 1}, "y": []float64{5}}}
	_, _, err = u.Step(state, shardBatch(t, batch, 1), StepOptions{})
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 0}, state.Params["w"], "input state untouched")
	assert.Equal(t, int64(0), state.Step)
}

func TestSGDUnit_AuxiliariesFollowOptions(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.1}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)
	batch := data.Batch{{"x": []float64{1, 1}, "y": []float64{5}}}
	shards := shardBatch(t, batch, 1)

	_, aux, err := u.Step(state, shards, StepOptions{})
	require.NoError(t, err)
	assert.Nil(t, aux.Metrics)
	assert.Nil(t, aux.Summaries)

	_, aux, err = u.Step(state, shards, StepOptions{ReturnMetrics: true, ReturnSummaries: true})
	require.NoError(t, err)
	assert.Contains(t, aux.Metrics, "loss")
	assert.Contains(t, aux.Metrics, "grad_norm")
	assert.Contains(t, aux.Summaries, "param_norm")
}

func TestSGDUnit_ErrorReportFlagsNaN(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.1}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)

	batch := data.Batch{{"x": []float64{math.NaN(), 1}, "y": []float64{1}}}
	shards := shardBatch(t, batch, 1)

	// Without the category enabled, no report is produced.
	_, aux, err := u.Step(state, shards, StepOptions{})
	require.NoError(t, err)
	assert.False(t, aux.Error.HasFailures())

	_, aux, err = u.Step(state, shards, StepOptions{
		ErrorCategories: []ErrorCategory{ErrorCategoryNaN},
	})
	require.NoError(t, err)
	require.True(t, aux.Error.HasFailures())
	assert.Equal(t, ErrorCategoryNaN, aux.Error.Failures[0].Category)
}

func TestSGDUnit_DimensionMismatch(t *testing.T) {
	u := &SGDUnit{LearningRate: 0.1}
	state, err := u.Init(sgdSpec(), false)
	require.NoError(t, err)

	batch := data.Batch{{"x": []float64{1}, "y": []float64{1}}}
	_, _, err = u.Step(state, shardBatch(t, batch, 1), StepOptions{})
	assert.ErrorContains(t, err, "does not match parameter dim")
}
