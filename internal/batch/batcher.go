package batch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marcelomtsv/telegram/internal/model"
)

// PublishFunc receives each flushed batch.
type PublishFunc func(batch model.Batch)

// Batcher accumulates normalized events from every session into one shared
// queue and flushes them as bounded batches, either when the queue reaches
// maxSize or when the flush timer expires, whichever comes first. The shared
// queue is deliberate: it bounds total outbound traffic regardless of how
// many sessions are producing.
type Batcher struct {
	mu       sync.Mutex
	queue    []model.Event
	maxSize  int
	interval time.Duration
	timer    *time.Timer
	timerGen int
	publish  PublishFunc
	stopped  bool
}

func New(maxSize int, interval time.Duration, publish PublishFunc) *Batcher {
	return &Batcher{
		maxSize:  maxSize,
		interval: interval,
		publish:  publish,
	}
}

// Enqueue appends an event to the queue. It never blocks on I/O: publishing
// hands batches to the hub, whose sends are non-blocking.
func (b *Batcher) Enqueue(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	b.queue = append(b.queue, ev)

	if len(b.queue) >= b.maxSize {
		b.flushLocked()
		return
	}

	// Timer starts on the first enqueue into an empty queue.
	if b.timer == nil {
		b.armTimerLocked()
	}
}

// armTimerLocked starts a flush timer stamped with a fresh generation so a
// callback from an already-fired, superseded timer can be told apart from
// the live one.
func (b *Batcher) armTimerLocked() {
	b.timerGen++
	gen := b.timerGen
	b.timer = time.AfterFunc(b.interval, func() { b.onTimer(gen) })
}

func (b *Batcher) onTimer(gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// A size-triggered flush may have run between this timer firing and the
	// callback getting the lock, re-arming a newer timer that now owns the
	// next flush.
	if gen != b.timerGen || b.timer == nil {
		return
	}

	b.timer = nil
	if b.stopped || len(b.queue) == 0 {
		return
	}
	b.flushLocked()
}

// flushLocked removes up to maxSize oldest events and publishes them as one
// batch. If a backlog remains, the timer restarts immediately so it drains
// in successive batches instead of waiting for a fresh burst.
func (b *Batcher) flushLocked() {
	n := len(b.queue)
	if n == 0 {
		return
	}
	if n > b.maxSize {
		n = b.maxSize
	}

	events := make([]model.Event, n)
	copy(events, b.queue[:n])
	b.queue = b.queue[n:]

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.queue) > 0 {
		b.armTimerLocked()
	}

	batch := model.Batch{
		Events:    events,
		Count:     len(events),
		FlushedAt: time.Now(),
	}

	log.Debug().Int("count", batch.Count).Int("backlog", len(b.queue)).Msg("flushing batch")

	// Published under the lock so batches leave in queue order.
	b.publish(batch)
}

// Flush forces delivery of everything currently queued.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) > 0 {
		b.flushLocked()
	}
}

// Stop flushes the remaining queue and rejects further enqueues.
func (b *Batcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.queue) > 0 {
		b.flushLocked()
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.stopped = true
}

// Pending returns the current queue depth.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
