// Package telemetry delivers audit and metrics records off the request path.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// dispatcher hands items to a single background worker. Enqueue never
// blocks: when the buffer is full the item is dropped and counted.
type dispatcher[T any] struct {
	name    string
	items   chan T
	handle  func(context.Context, T) error
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func newDispatcher[T any](name string, buffer int, timeout time.Duration, logger zerolog.Logger, handle func(context.Context, T) error) *dispatcher[T] {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &dispatcher[T]{
		name:    name,
		items:   make(chan T, buffer),
		handle:  handle,
		logger:  logger.With().Str("sink", name).Logger(),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *dispatcher[T]) enqueue(item T) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.items <- item:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn().Int64("dropped_total", d.dropped.Load()).Msg("telemetry buffer full; record dropped")
		return false
	}
}

func (d *dispatcher[T]) loop() {
	defer close(d.done)
	for item := range d.items {
		ctx, cancel := context.WithTimeout(d.logger.WithContext(context.Background()), d.timeout)
		if err := d.handle(ctx, item); err != nil {
			d.logger.Error().Err(err).Msg("telemetry delivery failed")
		}
		cancel()
	}
}

// close stops intake and waits for queued items to drain or ctx to end.
func (d *dispatcher[T]) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.items)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
