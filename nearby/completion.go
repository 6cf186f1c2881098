package nearby

import (
	"context"
	"sync"
)

// Completion is a single-fire result of an asynchronous operation.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func resolvedCompletion(err error) *Completion {
	c := newCompletion()
	c.resolve(err)
	return c
}

// resolve settles the completion; only the first call has an effect.
func (c *Completion) resolve(err error) bool {
	resolved := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the operation has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the result, or nil while the operation is still running.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	default:
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
