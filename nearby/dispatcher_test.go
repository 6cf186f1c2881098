package nearby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherRunsCallbacksInOrder(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	for producer := 0; producer < 4; producer++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				d.Post(func() {
					mu.Lock()
					got = append(got, i)
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 100)

	// Per producer order is preserved.
	single := NewDispatcher(nil)
	defer single.Close()
	var seq []int
	for i := 0; i < 50; i++ {
		single.Post(func() { seq = append(seq, i) })
	}
	single.Flush()
	for i, v := range seq {
		require.Equal(t, i, v)
	}
}

func TestDispatcherNeverRunsCallbacksConcurrently(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var active, peak int
	var mu sync.Mutex
	for i := 0; i < 30; i++ {
		d.Post(func() {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	d.Flush()
	assert.Equal(t, 1, peak)
}

func TestDispatcherSurvivesPanickingCallback(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	ran := false
	d.Post(func() { panic("boom") })
	d.Post(func() { ran = true })
	d.Flush()
	assert.True(t, ran)
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	d := NewDispatcher(nil)
	ran := false
	require.True(t, d.Post(func() { ran = true }))
	d.Close()
	assert.True(t, ran)

	assert.False(t, d.Post(func() { t.Error("ran after close") }))
	d.Flush()
}

func TestCompletionResolvesOnce(t *testing.T) {
	c := newCompletion()
	assert.NoError(t, c.Err())

	first := errors.New("first")
	assert.True(t, c.resolve(first))
	assert.False(t, c.resolve(nil))
	assert.Equal(t, first, c.Err())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, first, c.Wait(ctx))

	pending := newCompletion()
	assert.ErrorIs(t, pending.Wait(ctx), context.Canceled)
	assert.ErrorIs(t, resolvedCompletion(ErrSendRejected).Err(), ErrSendRejected)
}
