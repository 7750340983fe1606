package speech

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/tutor-gateway/internal/observability"
)

// dispatcher delivers observer callbacks one at a time, in the order they
// were posted, on its own goroutine. Posting never blocks, so state changes
// can post while holding their lock and observers may call back in freely.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	logger zerolog.Logger
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: observability.Component("dispatcher"),
	}
	go d.run()
	return d
}

func (d *dispatcher) post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.deliver(fn)
		}
	}
}

// deliver runs one observer callback. A panicking observer is logged and
// does not stop delivery of later events.
func (d *dispatcher) deliver(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("Observer callback panicked")
		}
	}()
	fn()
}

// close drops anything still queued; nothing posted afterwards is delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}
