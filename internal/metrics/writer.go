// Package metrics writes training metrics and one-time run metadata
// to the workdir: structured slog lines for live progress plus an
// append-only JSONL file for downstream tooling.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"

	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/timer"
	"github.com/iindyk/kauldron/internal/train"
)

const metricsFilename = "metrics.jsonl"

// LocalWriter implements the driver's Writer contract against the
// local filesystem. Metric keys are NFC-normalized before writing so
// keys compare canonically across producers.
type LocalWriter struct {
	workdir string
	logger  *slog.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewLocalWriter creates a writer rooted at workdir. The JSONL file
// is opened lazily on the first metrics write; an empty workdir
// disables file output and keeps only the log lines.
func NewLocalWriter(workdir string, logger *slog.Logger) *LocalWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalWriter{workdir: workdir, logger: logger}
}

// Close flushes and closes the JSONL file if it was opened.
func (w *LocalWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.enc = nil
	if err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	return nil
}

// WriteConfig records the rendered configuration once at fresh start.
func (w *LocalWriter) WriteConfig(rendered string) error {
	w.logger.Info("run configuration", "config", rendered)
	return w.appendRow(map[string]any{"kind": "config", "config": rendered})
}

// WriteParamOverview records the parameter summary once at fresh start.
func (w *LocalWriter) WriteParamOverview(step int64, state *train.TrainState) error {
	overview := state.ParamOverview()
	w.logger.Info("parameter overview", "step", step, "overview", overview)
	return w.appendRow(map[string]any{
		"kind":     "param_overview",
		"step":     step,
		"overview": overview,
	})
}

// WriteElementSpec records the dataset element spec once at fresh start.
func (w *LocalWriter) WriteElementSpec(step int64, spec data.ElementSpec) error {
	fields := map[string]any{}
	for _, name := range spec.FieldNames() {
		fields[normalizeKey(name)] = spec[name]
	}
	w.logger.Info("element spec", "step", step, "fields", fields)
	return w.appendRow(map[string]any{
		"kind":   "element_spec",
		"step":   step,
		"fields": fields,
	})
}

// WriteContextStructure records the step-context shape once at fresh start.
func (w *LocalWriter) WriteContextStructure(step int64, structure string) error {
	w.logger.Info("context structure", "step", step, "structure", structure)
	return w.appendRow(map[string]any{
		"kind":      "context_structure",
		"step":      step,
		"structure": structure,
	})
}

// WriteStepMetrics records one logging step: loss, metrics, schedule
// values and timer throughput, plus summaries when the summary
// cadence also fired.
func (w *LocalWriter) WriteStepMetrics(step int64, aux *train.Auxiliaries, schedules map[string]float64, perf timer.Stats, logSummaries bool) error {
	row := map[string]any{
		"kind":           "step_metrics",
		"step":           step,
		"training_hours": perf.TrainingHours,
		"steps_per_sec":  perf.StepsPerSec,
	}
	attrs := []any{
		"step", step,
		"perf", perf.String(),
	}

	if aux != nil {
		row["loss"] = aux.Loss
		row["metrics"] = normalizeKeys(aux.Metrics)
		attrs = append(attrs, "loss", aux.Loss)
		for _, k := range sortedKeys(aux.Metrics) {
			attrs = append(attrs, normalizeKey(k), aux.Metrics[k])
		}
		if logSummaries && len(aux.Summaries) > 0 {
			row["summaries"] = normalizeKeys(aux.Summaries)
		}
	}
	if len(schedules) > 0 {
		row["schedules"] = normalizeKeys(schedules)
	}

	w.logger.Info("train step", attrs...)
	return w.appendRow(row)
}

func (w *LocalWriter) appendRow(row map[string]any) error {
	if w.workdir == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		f, err := os.OpenFile(filepath.Join(w.workdir, metricsFilename),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open metrics file: %w", err)
		}
		w.file = f
		w.enc = json.NewEncoder(f)
	}
	if err := w.enc.Encode(row); err != nil {
		return fmt.Errorf("append metrics row: %w", err)
	}
	return nil
}

// normalizeKey canonicalizes a metric key to Unicode NFC. Keys built
// from user-supplied names (dataset fields, metric labels) can arrive
// in mixed normalization forms; NFC makes equality checks exact.
func normalizeKey(key string) string {
	return norm.NFC.String(key)
}

func normalizeKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[normalizeKey(k)] = v
	}
	return out
}

func sortedKeys(in map[string]float64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
