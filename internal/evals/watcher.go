package evals

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iindyk/kauldron/internal/train"
)

// Watcher waits for a training run's completion sentinel to appear in
// its workdir. Out-of-process evaluation jobs use it to start final
// evaluation only after the trainer has fully finished.
type Watcher struct {
	workdir      string
	initialDelay time.Duration
	maxDelay     time.Duration
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the initial and maximum poll delays.
func WithPollInterval(initial, max time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.initialDelay = initial
		w.maxDelay = max
	}
}

// NewWatcher creates a watcher over the given workdir.
func NewWatcher(workdir string, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		workdir:      workdir,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Wait blocks until the sentinel file exists, polling with
// exponential backoff. It returns early on context cancellation.
func (w *Watcher) Wait(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.initialDelay
	policy.MaxInterval = w.maxDelay
	policy.MaxElapsedTime = 0 // wait indefinitely, bounded by ctx

	check := func() error {
		if !train.SentinelExists(w.workdir) {
			return fmt.Errorf("sentinel not present")
		}
		return nil
	}
	return backoff.Retry(check, backoff.WithContext(policy, ctx))
}
