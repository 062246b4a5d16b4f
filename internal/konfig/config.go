// Package konfig loads, validates and renders trainer configuration.
//
// The load path is YAML decode, CUE schema validation, defaulting,
// then semantic validation. Schema violations carry field paths so a
// bad config fails with an actionable message before any side effect.
package konfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the trainer's full configuration surface.
type Config struct {
	Workdir string `yaml:"workdir"`
	Seed    uint64 `yaml:"seed"`

	// NumTrainSteps is deliberately a pointer: an absent value is a
	// fatal configuration error, not an infinite loop.
	NumTrainSteps  *int64 `yaml:"num_train_steps"`
	StopAfterSteps *int64 `yaml:"stop_after_steps"`

	LogMetricsEvery   int64 `yaml:"log_metrics_every"`
	LogSummariesEvery int64 `yaml:"log_summaries_every"`

	NumDevices int `yaml:"num_devices"`

	Dataset    DatasetConfig             `yaml:"dataset"`
	Checkpoint CheckpointConfig          `yaml:"checkpoint"`
	Optimizer  OptimizerConfig           `yaml:"optimizer"`
	Schedules  map[string]ScheduleConfig `yaml:"schedules"`
	Evaluators []EvaluatorConfig         `yaml:"evaluators"`

	// ErrorCategories enables deferred numeric error tracking for the
	// listed categories ("nan", "div", "oob", "user").
	ErrorCategories []string `yaml:"error_categories"`
}

// DatasetConfig describes the input pipeline.
type DatasetConfig struct {
	BatchSize  int               `yaml:"batch_size"`
	Fields     map[string]int    `yaml:"fields"`
	Transforms []TransformConfig `yaml:"transforms"`
}

// TransformConfig is one preprocessing step. Kind selects the
// transform; the remaining fields apply per kind.
type TransformConfig struct {
	Kind  string `yaml:"kind"`
	Field string `yaml:"field"`

	// value_range
	InLow   float64 `yaml:"in_low"`
	InHigh  float64 `yaml:"in_high"`
	OutLow  float64 `yaml:"out_low"`
	OutHigh float64 `yaml:"out_high"`

	// rename
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// CheckpointConfig describes the checkpoint policy.
type CheckpointConfig struct {
	Path      string `yaml:"path"`
	SaveEvery int64  `yaml:"save_every"`
	MaxToKeep int    `yaml:"max_to_keep"`
}

// OptimizerConfig holds the reference step unit's hyperparameters.
type OptimizerConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
}

// ScheduleConfig describes one hyperparameter schedule.
type ScheduleConfig struct {
	Kind       string  `yaml:"kind"` // constant, linear_decay, cosine_decay
	Value      float64 `yaml:"value"`
	Base       float64 `yaml:"base"`
	Final      float64 `yaml:"final"`
	DecaySteps int64   `yaml:"decay_steps"`
}

// EvaluatorConfig describes one cadence evaluator over a held-out
// pipeline.
type EvaluatorConfig struct {
	Name       string `yaml:"name"`
	Every      int64  `yaml:"every"`
	NumBatches int    `yaml:"num_batches"`
	Seed       uint64 `yaml:"seed"`
}

// Load reads, schema-validates and defaults the config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates raw YAML config bytes.
func Parse(raw []byte) (*Config, error) {
	if errs := ValidateSchema(raw); len(errs) > 0 {
		return nil, SchemaError(errs)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogMetricsEvery == 0 {
		c.LogMetricsEvery = 50
	}
	if c.LogSummariesEvery == 0 {
		c.LogSummariesEvery = 250
	}
	if c.NumDevices == 0 {
		c.NumDevices = 1
	}
	if c.Checkpoint.SaveEvery == 0 {
		c.Checkpoint.SaveEvery = 1000
	}
	if c.Optimizer.LearningRate == 0 {
		c.Optimizer.LearningRate = 0.01
	}
	for i := range c.Evaluators {
		if c.Evaluators[i].NumBatches == 0 {
			c.Evaluators[i].NumBatches = 1
		}
	}
}

// Validate applies the semantic checks the CUE schema cannot express.
func (c *Config) Validate() error {
	if c.Dataset.BatchSize <= 0 {
		return fmt.Errorf("config: dataset.batch_size must be positive, got %d", c.Dataset.BatchSize)
	}
	if len(c.Dataset.Fields) == 0 {
		return fmt.Errorf("config: dataset.fields must declare at least one field")
	}
	if c.NumDevices <= 0 {
		return fmt.Errorf("config: num_devices must be positive, got %d", c.NumDevices)
	}
	if c.Dataset.BatchSize%c.NumDevices != 0 {
		return fmt.Errorf("config: dataset.batch_size %d not divisible by num_devices %d",
			c.Dataset.BatchSize, c.NumDevices)
	}
	if c.NumTrainSteps != nil && *c.NumTrainSteps < 0 {
		return fmt.Errorf("config: num_train_steps must be non-negative, got %d", *c.NumTrainSteps)
	}
	for i, t := range c.Dataset.Transforms {
		switch t.Kind {
		case "value_range":
			if t.Field == "" {
				return fmt.Errorf("config: dataset.transforms[%d]: value_range requires a field", i)
			}
		case "rename":
			if t.From == "" || t.To == "" {
				return fmt.Errorf("config: dataset.transforms[%d]: rename requires from and to", i)
			}
		default:
			return fmt.Errorf("config: dataset.transforms[%d]: unknown kind %q", i, t.Kind)
		}
	}
	for name, s := range c.Schedules {
		switch s.Kind {
		case "constant", "linear_decay", "cosine_decay":
		default:
			return fmt.Errorf("config: schedules.%s: unknown kind %q", name, s.Kind)
		}
	}
	seen := map[string]bool{}
	for i, e := range c.Evaluators {
		if e.Name == "" {
			return fmt.Errorf("config: evaluators[%d]: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("config: evaluators[%d]: duplicate name %q", i, e.Name)
		}
		seen[e.Name] = true
		if e.Every <= 0 {
			return fmt.Errorf("config: evaluators[%d]: every must be positive, got %d", i, e.Every)
		}
	}
	for _, cat := range c.ErrorCategories {
		switch cat {
		case "nan", "div", "oob", "user":
		default:
			return fmt.Errorf("config: unknown error category %q", cat)
		}
	}
	return nil
}

// Render returns the config as canonical YAML for the fresh-start
// config dump.
func (c *Config) Render() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(out), nil
}
