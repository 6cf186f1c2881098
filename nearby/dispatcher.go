package nearby

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Dispatcher runs posted callbacks one at a time in FIFO order. Producers
// never block. At most one drain goroutine exists, and only while work is
// queued, so an idle Dispatcher holds no goroutine.
type Dispatcher struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// NewDispatcher returns an open Dispatcher. A nil logger uses the logrus
// standard logger for recovered callback panics.
func NewDispatcher(logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{log: logger}
}

// Post queues fn. It reports false when the Dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.queue = append(d.queue, fn)
	if !d.running {
		d.running = true
		go d.drain()
	}
	return true
}

// Flush blocks until everything posted before the call has run.
// It must not be called from inside a callback of the same Dispatcher.
func (d *Dispatcher) Flush() {
	done := make(chan struct{})
	if !d.Post(func() { close(done) }) {
		return
	}
	<-done
}

// Close flushes pending callbacks and rejects later posts.
func (d *Dispatcher) Close() {
	d.Flush()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.run(fn)
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("dispatcher callback panicked")
		}
	}()
	fn()
}
