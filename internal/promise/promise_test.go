package promise

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalIdempotent(t *testing.T) {
	s := NewSignal()
	assert.False(t, s.IsSet())

	// Waiter registered before the set.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-s.Done()
	}()

	for i := 0; i < 5; i++ {
		s.Set()
	}
	wg.Wait()
	assert.True(t, s.IsSet())

	// Waiter registered after the Nth set still observes it.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestSignalWaitContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestPromiseExactlyOnce(t *testing.T) {
	p := New[string]()
	assert.False(t, p.Settled())

	assert.True(t, p.SetValue("first"))
	assert.False(t, p.SetValue("second"))
	assert.False(t, p.SetError(errors.New("late error")))
	assert.True(t, p.Settled())

	v, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestPromiseError(t *testing.T) {
	p := New[int]()
	boom := errors.New("boom")
	assert.True(t, p.SetError(boom))
	assert.False(t, p.SetValue(42))

	_, err := p.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestPromiseAwaitTimeoutLeavesPending(t *testing.T) {
	p := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, p.Settled())

	// Still settleable afterward.
	assert.True(t, p.SetValue(7))
	v, err := p.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestPromiseConcurrentSetters(t *testing.T) {
	p := New[int]()
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if p.SetValue(n) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}
