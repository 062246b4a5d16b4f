package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/timer"
	"github.com/iindyk/kauldron/internal/train"
)

func testState(step int64) train.CheckpointState {
	return train.CheckpointState{
		State: &train.TrainState{
			Step:     step,
			Params:   map[string][]float64{"w": {0.5, -1.5}, "b": {0.25}},
			OptState: map[string][]float64{"w": {0.1, 0.2}, "b": {0.0}},
		},
		Timer: timer.Snapshot{
			InitialStepNum:     step,
			TrainingTime:       90 * time.Second,
			PerDeviceBatchSize: 4,
			GlobalBatchSize:    8,
		},
		Cursor: data.Cursor{Position: step},
	}
}

func newTestCoordinator(t *testing.T, saveEvery, finalStep int64, opts ...Option) *Coordinator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	opts = append(opts, WithTokenGenerator(NewFixedGenerator("run-1")))
	c, err := New(path, saveEvery, finalStep, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCoordinator_SaveRestoreRoundTrip(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	want := testState(4)
	require.NoError(t, c.Save(want, 4))
	require.NoError(t, c.WaitUntilFinished())

	got, err := c.Restore(train.CheckpointState{}, false)
	require.NoError(t, err)
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.Timer, got.Timer)
	assert.Equal(t, want.Cursor, got.Cursor)
}

func TestCoordinator_RestoreMissing(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	// noopIfMissing returns the input untouched on an empty database.
	in := testState(0)
	got, err := c.Restore(in, true)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = c.Restore(in, false)
	assert.ErrorContains(t, err, "no checkpoint found")
}

func TestCoordinator_RestoreReturnsLatest(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	require.NoError(t, c.Save(testState(0), 0))
	require.NoError(t, c.Save(testState(4), 4))
	require.NoError(t, c.Save(testState(8), 8))
	require.NoError(t, c.WaitUntilFinished())

	got, err := c.Restore(train.CheckpointState{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.State.Step)
	assert.Equal(t, int64(8), got.Cursor.Position)
}

func TestCoordinator_LatestStep(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	_, ok, err := c.LatestStep()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Save(testState(0), 0))
	require.NoError(t, c.Save(testState(4), 4))
	require.NoError(t, c.WaitUntilFinished())

	step, ok, err := c.LatestStep()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(4), step)
}

func TestCoordinator_ShouldSave(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	tests := []struct {
		step int64
		want bool
	}{
		{0, true},
		{1, false},
		{3, false},
		{4, true},
		{8, true},
		{9, false},
		{10, true}, // final step fires regardless of cadence
		{11, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.ShouldSave(tt.step), "step %d", tt.step)
	}
}

func TestCoordinator_Retention(t *testing.T) {
	c := newTestCoordinator(t, 4, 12, WithMaxToKeep(2))

	for _, step := range []int64{0, 4, 8, 12} {
		require.NoError(t, c.Save(testState(step), step))
	}
	require.NoError(t, c.WaitUntilFinished())

	infos, err := c.Steps()
	require.NoError(t, err)
	steps := make([]int64, 0, len(infos))
	for _, info := range infos {
		steps = append(steps, info.Step)
		assert.Equal(t, "run-1", info.RunToken)
	}
	assert.Equal(t, []int64{8, 12}, steps)
}

func TestCoordinator_ResaveIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	first := testState(4)
	require.NoError(t, c.Save(first, 4))
	require.NoError(t, c.WaitUntilFinished())

	// A resumed run re-fires at its restore step; the original row
	// stays in place.
	second := testState(4)
	second.State.Params["w"][0] = 99.0
	require.NoError(t, c.Save(second, 4))
	require.NoError(t, c.WaitUntilFinished())

	infos, err := c.Steps()
	require.NoError(t, err)
	require.Len(t, infos, 1)

	got, err := c.Restore(train.CheckpointState{}, false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.State.Params["w"][0])
}

func TestCoordinator_SnapshotUnaffectedByLaterMutation(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)

	state := testState(4)
	require.NoError(t, c.Save(state, 4))

	// The snapshot serializes before the save is queued, so mutating
	// the live state afterwards cannot leak into the saved row.
	state.State.Params["w"][0] = -7.0
	state.Cursor.Position = 999

	require.NoError(t, c.WaitUntilFinished())
	got, err := c.Restore(train.CheckpointState{}, false)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.State.Params["w"][0])
	assert.Equal(t, int64(4), got.Cursor.Position)
}

func TestCoordinator_ReopenSeesPersistedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	c1, err := New(path, 4, 10, WithTokenGenerator(NewFixedGenerator("run-1")))
	require.NoError(t, err)
	require.NoError(t, c1.Save(testState(4), 4))
	require.NoError(t, c1.Close())

	c2, err := New(path, 4, 10, WithTokenGenerator(NewFixedGenerator("run-2")))
	require.NoError(t, err)
	defer c2.Close()

	step, ok, err := c2.LatestStep()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), step)

	got, err := c2.Restore(train.CheckpointState{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.State.Step)
}

func TestCoordinator_SaveNilStateFails(t *testing.T) {
	c := newTestCoordinator(t, 4, 10)
	err := c.Save(train.CheckpointState{}, 4)
	assert.ErrorContains(t, err, "nil train state")
}

func TestNew_RejectsNonPositiveSaveEvery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	_, err := New(path, 0, 10)
	assert.ErrorContains(t, err, "save_every must be positive")
}

func TestCoordinator_SaveAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	c, err := New(path, 4, 10)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Save(testState(4), 4)
	assert.ErrorContains(t, err, "after close")
}

func TestFixedGenerator_ReturnsTokensInOrder(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}
