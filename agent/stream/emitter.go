// Package stream turns the chunks produced by one run into an ordered,
// closed channel with exactly one terminal chunk.
package stream

import (
	"context"
	"sync"
	"time"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

type Option func(*Emitter)

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		if now != nil {
			e.now = now
		}
	}
}

// Emitter stamps chunks with the run envelope and forwards them in Seq
// order. Producers never block on a slow consumer. The consumer must drain
// Chunks until it is closed.
type Emitter struct {
	ctx   context.Context
	runID string
	now   func() time.Time
	out   chan contractx.Chunk

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []contractx.Chunk
	seq      int64
	terminal contractx.Chunk
	dropped  int
}

// New starts the forwarder. Once ctx is done every further non-terminal
// chunk is dropped.
func New(ctx context.Context, runID string, opts ...Option) *Emitter {
	e := &Emitter{
		ctx:   ctx,
		runID: runID,
		now:   time.Now,
		out:   make(chan contractx.Chunk),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cond = sync.NewCond(&e.mu)
	go e.forward()
	return e
}

func (e *Emitter) RunID() string { return e.runID }

func (e *Emitter) Chunks() <-chan contractx.Chunk { return e.out }

// Emit queues c outside of any phase. It reports whether c was accepted.
func (e *Emitter) Emit(c contractx.Chunk) bool {
	return e.EmitScoped("", "", c)
}

// EmitScoped queues c tagged with a phase and sub-question. A terminal
// chunk seals the stream.
func (e *Emitter) EmitScoped(phaseID, subQuestionID string, c contractx.Chunk) bool {
	if c == nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal != nil {
		e.dropped++
		return false
	}
	if e.ctx.Err() != nil && !isCancelled(c) {
		e.dropped++
		return false
	}

	e.seq++
	contractx.Stamp(c, contractx.Envelope{
		RunID:         e.runID,
		Seq:           e.seq,
		PhaseID:       phaseID,
		SubQuestionID: subQuestionID,
		At:            e.now().UTC(),
	})
	e.queue = append(e.queue, c)
	if contractx.IsTerminal(c) {
		e.terminal = c
	}
	e.cond.Signal()
	return true
}

// Cancelled seals the stream with the cancelled status unless a terminal
// chunk was already sent.
func (e *Emitter) Cancelled(message string) bool {
	return e.Emit(&contractx.StatusChunk{State: contractx.StateCancelled, Message: message})
}

// Close guarantees a terminal chunk. When none was emitted it sends the
// cancelled status if the run context is done, or fallback otherwise.
func (e *Emitter) Close(fallback contractx.Chunk) {
	e.mu.Lock()
	sealed := e.terminal != nil
	e.mu.Unlock()
	if sealed {
		return
	}
	if e.ctx.Err() != nil {
		e.Cancelled("")
		return
	}
	if fallback == nil || !contractx.IsTerminal(fallback) {
		fallback = &contractx.ErrorChunk{Code: "unknown", Status: 500, Message: "The run ended without a result."}
	}
	e.Emit(fallback)
}

// Terminal returns the chunk that sealed the stream, if any.
func (e *Emitter) Terminal() contractx.Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *Emitter) forward() {
	defer close(e.out)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && e.terminal == nil {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		c := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.out <- c
	}
}

func isCancelled(c contractx.Chunk) bool {
	s, ok := c.(*contractx.StatusChunk)
	return ok && s.State == contractx.StateCancelled
}

// Collect drains ch and returns every chunk in arrival order.
func Collect(ch <-chan contractx.Chunk) []contractx.Chunk {
	var out []contractx.Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}
