package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_TickAdvancesOnNow(t *testing.T) {
	clock := NewClock(time.Second)
	start := clock.Current()

	first := clock.Now()
	assert.Equal(t, start.Add(time.Second), first)
	assert.Equal(t, start.Add(2*time.Second), clock.Now())
	assert.Equal(t, start.Add(2*time.Second), clock.Current())
}

func TestClock_ZeroTickIsManualOnly(t *testing.T) {
	clock := NewClock(0)
	start := clock.Current()

	assert.Equal(t, start, clock.Now())
	clock.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), clock.Now())
}

func TestClock_Deterministic(t *testing.T) {
	c1 := NewClock(time.Millisecond)
	c2 := NewClock(time.Millisecond)

	for i := 0; i < 100; i++ {
		assert.Equal(t, c1.Now(), c2.Now())
	}
}

func TestClock_ThreadSafe(t *testing.T) {
	clock := NewClock(time.Nanosecond)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				clock.Now()
			}
		}()
	}
	wg.Wait()

	elapsed := clock.Current().Sub(NewClock(0).Current())
	assert.Equal(t, time.Duration(numGoroutines*callsPerGoroutine), elapsed)
}
