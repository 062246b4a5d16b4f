package dist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopology_Validate(t *testing.T) {
	tests := []struct {
		name    string
		topo    Topology
		wantErr string
	}{
		{"single host", SingleHost(), ""},
		{"four hosts", Topology{HostID: 3, NumHosts: 4}, ""},
		{"zero hosts", Topology{HostID: 0, NumHosts: 0}, "num hosts"},
		{"negative id", Topology{HostID: -1, NumHosts: 2}, "out of range"},
		{"id past end", Topology{HostID: 2, NumHosts: 2}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topo.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestTopology_IsLeadHost(t *testing.T) {
	assert.True(t, Topology{HostID: 0, NumHosts: 4}.IsLeadHost())
	assert.False(t, Topology{HostID: 1, NumHosts: 4}.IsLeadHost())
}

func TestLocalBarrier_AllParticipantsRelease(t *testing.T) {
	b, err := NewLocalBarrier(4)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.Sync(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "participant %d", i)
	}
}

func TestLocalBarrier_BlocksUntilLastArrival(t *testing.T) {
	b, err := NewLocalBarrier(2)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- b.Sync(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("barrier released before all participants arrived")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Sync(context.Background()))
	assert.NoError(t, <-done)
}

func TestLocalBarrier_ContextCancellation(t *testing.T) {
	b, err := NewLocalBarrier(2)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Sync(ctx)
	}()
	cancel()

	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalBarrier_Reusable(t *testing.T) {
	b, err := NewLocalBarrier(2)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, b.Sync(context.Background()))
			}()
		}
		wg.Wait()
	}
}

func TestNewLocalBarrier_Validation(t *testing.T) {
	_, err := NewLocalBarrier(0)
	assert.ErrorContains(t, err, "positive")
}

func TestNopBarrier(t *testing.T) {
	assert.NoError(t, NopBarrier{}.Sync(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NopBarrier{}.Sync(ctx))
}
