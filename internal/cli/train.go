package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iindyk/kauldron/internal/checkpoint"
	"github.com/iindyk/kauldron/internal/data"
	"github.com/iindyk/kauldron/internal/dist"
	"github.com/iindyk/kauldron/internal/evals"
	"github.com/iindyk/kauldron/internal/konfig"
	"github.com/iindyk/kauldron/internal/metrics"
	"github.com/iindyk/kauldron/internal/sharding"
	"github.com/iindyk/kauldron/internal/train"
)

// TrainOptions holds flags for the train command.
type TrainOptions struct {
	*RootOptions
	ConfigPath string
	Workdir    string
	StopAfter  int64
}

// NewTrainCommand creates the train command.
func NewTrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop",
		Long: `Run the training loop described by a config file.

The loop resumes from the latest checkpoint in the workdir if one
exists, saves checkpoints on the configured cadence, and writes the
TRAIN_COMPLETE sentinel on full-length completion.

Example:
  kauldron train --config cfg.yaml --workdir /tmp/run
  kauldron train --config cfg.yaml --workdir /tmp/run --stop-after 100`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (required)")
	cmd.Flags().StringVar(&opts.Workdir, "workdir", "", "working directory (overrides config)")
	cmd.Flags().Int64Var(&opts.StopAfter, "stop-after", 0, "stop after N steps (overrides config)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runTrain(opts *TrainOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := konfig.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Workdir != "" {
		cfg.Workdir = opts.Workdir
	}
	if cmd.Flags().Changed("stop-after") {
		stop := opts.StopAfter
		cfg.StopAfterSteps = &stop
	}
	if cfg.Workdir != "" {
		if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
			return WrapExitError(ExitCommandError, "failed to create workdir", err)
		}
	}

	driver, writer, coord, err := BuildDriver(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build trainer", err)
	}
	defer func() {
		if closeErr := coord.Close(); closeErr != nil {
			logger.Error("error closing checkpoint store", "error", closeErr)
		}
		if closeErr := writer.Close(); closeErr != nil {
			logger.Error("error closing metrics writer", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, _, err := driver.Run(ctx)
	if err != nil {
		if train.IsConfigError(err) {
			return WrapExitError(ExitCommandError, "invalid configuration", err)
		}
		return WrapExitError(ExitFailure, "training failed", err)
	}

	logger.Info("training finished", "final_step", state.Step)
	return nil
}

// BuildDriver wires a config into a ready-to-run driver plus the
// closable collaborators the caller owns.
func BuildDriver(cfg *konfig.Config, logger *slog.Logger) (*train.Driver, *metrics.LocalWriter, *checkpoint.Coordinator, error) {
	transforms, err := buildTransforms(cfg.Dataset.Transforms)
	if err != nil {
		return nil, nil, nil, err
	}
	pipeline, err := data.NewPipeline(cfg.Seed, cfg.Dataset.BatchSize, data.ElementSpec(cfg.Dataset.Fields), transforms...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build pipeline: %w", err)
	}

	topo, err := sharding.Detect(cfg.NumDevices)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("detect devices: %w", err)
	}
	placement, err := sharding.NewPlacement(topo)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build placement: %w", err)
	}

	dbPath := cfg.Checkpoint.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Workdir, "checkpoints.db")
	}
	finalStep := int64(-1)
	if cfg.NumTrainSteps != nil {
		finalStep = *cfg.NumTrainSteps
	}
	var coordOpts []checkpoint.Option
	if cfg.Checkpoint.MaxToKeep > 0 {
		coordOpts = append(coordOpts, checkpoint.WithMaxToKeep(cfg.Checkpoint.MaxToKeep))
	}
	coordOpts = append(coordOpts, checkpoint.WithLogger(logger))
	coord, err := checkpoint.New(dbPath, cfg.Checkpoint.SaveEvery, finalStep, coordOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	unit := &train.SGDUnit{
		LearningRate: cfg.Optimizer.LearningRate,
		Momentum:     cfg.Optimizer.Momentum,
	}

	evaluators := make(map[string]train.Evaluator, len(cfg.Evaluators))
	for _, ec := range cfg.Evaluators {
		heldOut, err := data.NewPipeline(ec.Seed, cfg.Dataset.BatchSize, data.ElementSpec(cfg.Dataset.Fields), transforms...)
		if err != nil {
			coord.Close()
			return nil, nil, nil, fmt.Errorf("build evaluator %q pipeline: %w", ec.Name, err)
		}
		ev, err := evals.NewCadenceEvaluator(ec.Name, ec.Every, finalStep, unit, heldOut, placement, ec.NumBatches, logger)
		if err != nil {
			coord.Close()
			return nil, nil, nil, err
		}
		evaluators[ec.Name] = ev
	}

	schedules := make(map[string]train.Schedule, len(cfg.Schedules))
	for name, sc := range cfg.Schedules {
		schedules[name] = buildSchedule(sc)
	}

	categories := make([]train.ErrorCategory, 0, len(cfg.ErrorCategories))
	for _, cat := range cfg.ErrorCategories {
		categories = append(categories, train.ErrorCategory(cat))
	}

	rendered, err := cfg.Render()
	if err != nil {
		coord.Close()
		return nil, nil, nil, err
	}

	writer := metrics.NewLocalWriter(cfg.Workdir, logger)

	driver := &train.Driver{
		Step:              unit,
		Checkpoints:       coord,
		Evals:             evaluators,
		Writer:            writer,
		Pipeline:          pipeline,
		Placement:         placement,
		Topology:          dist.SingleHost(),
		Barrier:           dist.NopBarrier{},
		Schedules:         schedules,
		Workdir:           cfg.Workdir,
		NumTrainSteps:     cfg.NumTrainSteps,
		StopAfterSteps:    cfg.StopAfterSteps,
		LogMetricsEvery:   cfg.LogMetricsEvery,
		LogSummariesEvery: cfg.LogSummariesEvery,
		ErrorCategories:   categories,
		ConfigDump:        rendered,
		Logger:            logger,
	}
	return driver, writer, coord, nil
}

func buildTransforms(configs []konfig.TransformConfig) ([]data.Transform, error) {
	out := make([]data.Transform, 0, len(configs))
	for i, tc := range configs {
		switch tc.Kind {
		case "value_range":
			out = append(out, data.ValueRange{
				Field:   tc.Field,
				InLow:   tc.InLow,
				InHigh:  tc.InHigh,
				OutLow:  tc.OutLow,
				OutHigh: tc.OutHigh,
			})
		case "rename":
			out = append(out, data.Rename{From: tc.From, To: tc.To})
		default:
			return nil, fmt.Errorf("transform %d: unknown kind %q", i, tc.Kind)
		}
	}
	return out, nil
}

func buildSchedule(sc konfig.ScheduleConfig) train.Schedule {
	switch sc.Kind {
	case "linear_decay":
		return train.LinearDecay{Base: sc.Base, Final: sc.Final, DecaySteps: sc.DecaySteps}
	case "cosine_decay":
		return train.CosineDecay{Base: sc.Base, Final: sc.Final, DecaySteps: sc.DecaySteps}
	default:
		return train.ConstantSchedule{V: sc.Value}
	}
}
