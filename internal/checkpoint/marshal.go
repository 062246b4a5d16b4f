package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/timer"
	"github.com/iindyk/kauldron/internal/train"
)

// record is the serialized row form of a CheckpointState. All three
// components serialize before the save is enqueued, so later mutation
// of the live state cannot leak into an in-flight save.
type record struct {
	step       int64
	trainState string
	timerSnap  string
	cursor     string
}

func encodeState(state train.CheckpointState, step int64) (record, error) {
	if state.State == nil {
		return record{}, fmt.Errorf("encode checkpoint: nil train state")
	}
	ts, err := json.Marshal(state.State)
	if err != nil {
		return record{}, fmt.Errorf("encode train state: %w", err)
	}
	snap, err := json.Marshal(state.Timer)
	if err != nil {
		return record{}, fmt.Errorf("encode timer snapshot: %w", err)
	}
	cur, err := json.Marshal(state.Cursor)
	if err != nil {
		return record{}, fmt.Errorf("encode dataset cursor: %w", err)
	}
	return record{
		step:       step,
		trainState: string(ts),
		timerSnap:  string(snap),
		cursor:     string(cur),
	}, nil
}

func decodeState(trainState, timerSnap, cursor string) (train.CheckpointState, error) {
	var state train.TrainState
	if err := json.Unmarshal([]byte(trainState), &state); err != nil {
		return train.CheckpointState{}, fmt.Errorf("decode train state: %w", err)
	}
	var snap timer.Snapshot
	if err := json.Unmarshal([]byte(timerSnap), &snap); err != nil {
		return train.CheckpointState{}, fmt.Errorf("decode timer snapshot: %w", err)
	}
	var cur data.Cursor
	if err := json.Unmarshal([]byte(cursor), &cur); err != nil {
		return train.CheckpointState{}, fmt.Errorf("decode dataset cursor: %w", err)
	}
	return train.CheckpointState{State: &state, Timer: snap, Cursor: cur}, nil
}
