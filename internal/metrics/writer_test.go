package metrics

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/timer"
	"github.com/iindyk/kauldron/internal/train"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readRows(t *testing.T, workdir string) []map[string]any {
	t.Helper()
	f, err := os.Open(filepath.Join(workdir, metricsFilename))
	require.NoError(t, err)
	defer f.Close()

	var rows []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.NoError(t, sc.Err())
	return rows
}

func TestLocalWriter_AppendsJSONLRows(t *testing.T) {
	workdir := t.TempDir()
	w := NewLocalWriter(workdir, discardLogger())
	defer w.Close()

	require.NoError(t, w.WriteConfig("seed: 11"))
	state := &train.TrainState{Params: map[string][]float64{"w": {1, 2}}}
	require.NoError(t, w.WriteParamOverview(0, state))
	require.NoError(t, w.WriteElementSpec(0, data.ElementSpec{"x": 2, "y": 1}))
	require.NoError(t, w.WriteStepMetrics(3,
		&train.Auxiliaries{Loss: 0.5, Metrics: map[string]float64{"accuracy": 0.9}},
		map[string]float64{"learning_rate": 0.01},
		timer.Stats{Step: 3, StepsPerSec: 10},
		false))

	rows := readRows(t, workdir)
	require.Len(t, rows, 4)
	assert.Equal(t, "config", rows[0]["kind"])
	assert.Equal(t, "param_overview", rows[1]["kind"])
	assert.Equal(t, "element_spec", rows[2]["kind"])

	step := rows[3]
	assert.Equal(t, "step_metrics", step["kind"])
	assert.Equal(t, float64(3), step["step"])
	assert.Equal(t, 0.5, step["loss"])
	assert.Equal(t, map[string]any{"accuracy": 0.9}, step["metrics"])
	assert.Equal(t, map[string]any{"learning_rate": 0.01}, step["schedules"])
	_, hasSummaries := step["summaries"]
	assert.False(t, hasSummaries)
}

func TestLocalWriter_SummariesFollowFlag(t *testing.T) {
	workdir := t.TempDir()
	w := NewLocalWriter(workdir, discardLogger())
	defer w.Close()

	aux := &train.Auxiliaries{
		Loss:      1.0,
		Summaries: map[string]float64{"grad_norm": 2.5},
	}
	require.NoError(t, w.WriteStepMetrics(1, aux, nil, timer.Stats{}, false))
	require.NoError(t, w.WriteStepMetrics(2, aux, nil, timer.Stats{}, true))

	rows := readRows(t, workdir)
	require.Len(t, rows, 2)
	_, first := rows[0]["summaries"]
	assert.False(t, first)
	assert.Equal(t, map[string]any{"grad_norm": 2.5}, rows[1]["summaries"])
}

func TestLocalWriter_NormalizesMetricKeys(t *testing.T) {
	workdir := t.TempDir()
	w := NewLocalWriter(workdir, discardLogger())
	defer w.Close()

	// NFD "é" (e + combining acute) must land in the file as NFC.
	decomposed := norm.NFD.String("précision")
	aux := &train.Auxiliaries{Metrics: map[string]float64{decomposed: 0.8}}
	require.NoError(t, w.WriteStepMetrics(0, aux, nil, timer.Stats{}, false))

	rows := readRows(t, workdir)
	require.Len(t, rows, 1)
	metrics, ok := rows[0]["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, metrics, "précision")
}

func TestLocalWriter_EmptyWorkdirSkipsFile(t *testing.T) {
	w := NewLocalWriter("", discardLogger())
	require.NoError(t, w.WriteStepMetrics(0, &train.Auxiliaries{}, nil, timer.Stats{}, false))
	require.NoError(t, w.Close())
}

func TestAverage(t *testing.T) {
	var a Average
	assert.True(t, math.IsNaN(a.Compute()))
	for _, v := range []float64{1, 2, 3, 4} {
		a.Update(v)
	}
	assert.InDelta(t, 2.5, a.Compute(), 1e-12)
}

func TestStd_MatchesPopulationStddev(t *testing.T) {
	var s Std
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		s.Update(v)
	}
	assert.InDelta(t, 2.0, s.Compute(), 1e-12)
}

func TestNorm(t *testing.T) {
	var n Norm
	n.Update(3)
	n.Update(4)
	assert.InDelta(t, 5.0, n.Compute(), 1e-12)
}
