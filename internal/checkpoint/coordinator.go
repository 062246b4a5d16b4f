package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iindyk/kauldron/internal/train"
)

// Coordinator persists checkpoints to SQLite and decides when a save
// fires. It satisfies the driver's Checkpointer contract: saves are
// handed to a single background writer, and WaitUntilFinished blocks
// until every queued save is durable.
type Coordinator struct {
	db        *sql.DB
	logger    *slog.Logger
	saveEvery int64
	finalStep int64
	maxToKeep int
	runToken  string

	saves      chan record
	workerDone chan struct{}
	pending    sync.WaitGroup

	mu      sync.Mutex
	saveErr error
	closed  bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxToKeep bounds the number of retained checkpoints. After each
// save, rows older than the newest n are deleted. Zero keeps all.
func WithMaxToKeep(n int) Option {
	return func(c *Coordinator) { c.maxToKeep = n }
}

// WithTokenGenerator overrides the run-token generator (tests use
// FixedGenerator for deterministic database contents).
func WithTokenGenerator(gen TokenGenerator) Option {
	return func(c *Coordinator) { c.runToken = gen.Generate() }
}

// WithLogger overrides the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New opens (or creates) the checkpoint database at path. A save
// fires every saveEvery steps and unconditionally at finalStep, so
// the last completed step is always restorable.
func New(path string, saveEvery, finalStep int64, opts ...Option) (*Coordinator, error) {
	if saveEvery <= 0 {
		return nil, fmt.Errorf("checkpoint: save_every must be positive, got %d", saveEvery)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		db:         db,
		logger:     slog.Default(),
		saveEvery:  saveEvery,
		finalStep:  finalStep,
		runToken:   UUIDv7Generator{}.Generate(),
		saves:      make(chan record, 16),
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.worker()
	return c, nil
}

// LatestStep returns the newest saved step, or ok=false when the
// database holds no checkpoint yet.
func (c *Coordinator) LatestStep() (int64, bool, error) {
	var step sql.NullInt64
	err := c.db.QueryRowContext(context.Background(),
		`SELECT MAX(step) FROM checkpoints`).Scan(&step)
	if err != nil {
		return 0, false, fmt.Errorf("query latest checkpoint step: %w", err)
	}
	if !step.Valid {
		return 0, false, nil
	}
	return step.Int64, true, nil
}

// ShouldSave reports whether a save fires at step: every saveEvery
// steps, plus the final step regardless of cadence.
func (c *Coordinator) ShouldSave(step int64) bool {
	if step%c.saveEvery == 0 {
		return true
	}
	return step == c.finalStep
}

// Save serializes the snapshot immediately and queues the write.
// Serialization errors surface here; write errors surface from
// WaitUntilFinished. Once the worker has failed, further saves are
// rejected with the original error.
func (c *Coordinator) Save(state train.CheckpointState, step int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("checkpoint: save at step %d after close", step)
	}
	if c.saveErr != nil {
		err := c.saveErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	rec, err := encodeState(state, step)
	if err != nil {
		return err
	}

	c.pending.Add(1)
	c.saves <- rec
	return nil
}

// Restore loads the newest checkpoint. With noopIfMissing and an
// empty database it returns the input state unchanged, so callers can
// invoke it uniformly on fresh and resumed runs.
func (c *Coordinator) Restore(state train.CheckpointState, noopIfMissing bool) (train.CheckpointState, error) {
	var trainState, timerSnap, cursor string
	err := c.db.QueryRowContext(context.Background(), `
		SELECT train_state, timer_snapshot, dataset_cursor
		FROM checkpoints
		ORDER BY step DESC
		LIMIT 1
	`).Scan(&trainState, &timerSnap, &cursor)
	if err == sql.ErrNoRows {
		if noopIfMissing {
			return state, nil
		}
		return train.CheckpointState{}, fmt.Errorf("restore: no checkpoint found")
	}
	if err != nil {
		return train.CheckpointState{}, fmt.Errorf("restore: %w", err)
	}
	return decodeState(trainState, timerSnap, cursor)
}

// WaitUntilFinished blocks until every queued save has been written,
// returning the first write failure if any.
func (c *Coordinator) WaitUntilFinished() error {
	c.pending.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveErr
}

// Close flushes pending saves, stops the worker and closes the
// database. The flush error, if any, is returned.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	flushErr := c.WaitUntilFinished()
	close(c.saves)
	<-c.workerDone

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close checkpoint database: %w", err)
	}
	return flushErr
}

// worker drains the save queue. The first failure is recorded and
// later saves are drained without writing, so a training run fails
// with the root cause rather than a cascade.
func (c *Coordinator) worker() {
	defer close(c.workerDone)
	for rec := range c.saves {
		c.mu.Lock()
		failed := c.saveErr != nil
		c.mu.Unlock()

		if !failed {
			if err := c.write(rec); err != nil {
				c.mu.Lock()
				c.saveErr = err
				c.mu.Unlock()
				c.logger.Error("checkpoint save failed",
					"step", rec.step,
					"error", err)
			} else {
				c.logger.Info("checkpoint saved", "step", rec.step)
			}
		}
		c.pending.Done()
	}
}

// write inserts one checkpoint row and applies retention in a single
// transaction. ON CONFLICT(step) DO NOTHING makes re-saving a step
// idempotent; a resumed run that re-fires at its restore step leaves
// the original row in place.
func (c *Coordinator) write(rec record) error {
	ctx := context.Background()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints
		(step, run_token, train_state, timer_snapshot, dataset_cursor)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(step) DO NOTHING
	`,
		rec.step,
		c.runToken,
		rec.trainState,
		rec.timerSnap,
		rec.cursor,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: insert: %w", err)
	}

	if c.maxToKeep > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE step NOT IN (
				SELECT step FROM checkpoints ORDER BY step DESC LIMIT ?
			)
		`, c.maxToKeep)
		if err != nil {
			return fmt.Errorf("save checkpoint: prune: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save checkpoint: commit: %w", err)
	}
	return nil
}

// Steps returns every saved step in ascending order, with the run
// token that produced each row. Used by the checkpoints CLI listing.
func (c *Coordinator) Steps() ([]StepInfo, error) {
	rows, err := c.db.QueryContext(context.Background(), `
		SELECT step, run_token, created_at FROM checkpoints ORDER BY step ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []StepInfo
	for rows.Next() {
		var info StepInfo
		if err := rows.Scan(&info.Step, &info.RunToken, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("list checkpoints: scan: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return out, nil
}

// StepInfo is one row of the checkpoints listing.
type StepInfo struct {
	Step      int64  `json:"step"`
	RunToken  string `json:"run_token"`
	CreatedAt string `json:"created_at"`
}
