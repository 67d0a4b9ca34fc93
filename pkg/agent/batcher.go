package agent

import (
	"sync"
	"time"
)

// BatchFlush receives one coalesced tool-argument update: the block
// index, the full fragment accumulated so far for that index, and the
// most recent fragment record as a template for envelope shape.
type BatchFlush func(index int, accumulated string, template *Record)

// DeltaBatcher coalesces high-frequency tool-argument JSON fragments
// per content-block index and flushes cumulative updates on a fixed
// timer instead of forwarding every fragment. Downstream consumers
// only need the latest cumulative value per block, so intermediate
// fragments are safe to skip; block-boundary events must call Flush
// first so they are never reordered relative to batched deltas.
type DeltaBatcher struct {
	mu       sync.Mutex
	interval time.Duration
	flush    BatchFlush
	buffers  map[int]*fragmentBuffer
	timer    *time.Timer
	armed    bool
	stopped  bool
}

type fragmentBuffer struct {
	accumulated []byte
	flushedLen  int
	template    *Record
}

// NewDeltaBatcher returns a batcher that invokes flush with cumulative
// fragment updates at most once per interval per block index.
func NewDeltaBatcher(interval time.Duration, flush BatchFlush) *DeltaBatcher {
	return &DeltaBatcher{
		interval: interval,
		flush:    flush,
		buffers:  make(map[int]*fragmentBuffer),
	}
}

// Add appends one fragment record's partial JSON to its block index
// buffer and arms the flush timer if it is not already running.
// Non-fragment records are ignored.
func (b *DeltaBatcher) Add(rec *Record) {
	if rec == nil || !rec.IsFragment() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}

	idx := rec.Event.Index
	buf := b.buffers[idx]
	if buf == nil {
		buf = &fragmentBuffer{}
		b.buffers[idx] = buf
	}
	buf.accumulated = append(buf.accumulated, rec.Event.Delta.PartialJSON...)
	buf.template = rec

	if !b.armed {
		b.armed = true
		if b.timer == nil {
			b.timer = time.AfterFunc(b.interval, b.onTimer)
		} else {
			b.timer.Reset(b.interval)
		}
	}
}

func (b *DeltaBatcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.armed = false
	b.flushLocked()
}

// Flush synchronously emits one batched update per block index that
// accumulated new content since its last flush. Flushing with nothing
// new is a no-op.
func (b *DeltaBatcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *DeltaBatcher) flushLocked() {
	for idx, buf := range b.buffers {
		if len(buf.accumulated) > buf.flushedLen {
			buf.flushedLen = len(buf.accumulated)
			if b.flush != nil {
				b.flush(idx, string(buf.accumulated), buf.template)
			}
		}
	}
}

// FinishBlock performs a final flush for the given block index and
// releases its buffer. If no buffers remain the timer is disarmed.
func (b *DeltaBatcher) FinishBlock(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if buf, ok := b.buffers[index]; ok {
		if len(buf.accumulated) > buf.flushedLen {
			buf.flushedLen = len(buf.accumulated)
			if b.flush != nil {
				b.flush(index, string(buf.accumulated), buf.template)
			}
		}
		delete(b.buffers, index)
	}

	if len(b.buffers) == 0 && b.armed {
		b.armed = false
		b.timer.Stop()
	}
}

// Accumulated returns the cumulative fragment for a block index, or
// empty string if none. Used when a block closes to hand the final
// value to whoever parses the tool input.
func (b *DeltaBatcher) Accumulated(index int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[index]; ok {
		return string(buf.accumulated)
	}
	return ""
}

// Stop flushes any remaining content, disarms the timer, and drops all
// buffered state. The batcher accepts no further fragments after Stop.
// Safe to call multiple times.
func (b *DeltaBatcher) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.armed = false
	b.flushLocked()
	b.buffers = make(map[int]*fragmentBuffer)
}
