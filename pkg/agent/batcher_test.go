package agent

import (
	"sync"
	"testing"
	"time"
)

// fragRecord builds a tool-argument fragment record for a block index.
func fragRecord(index int, partial string) *Record {
	return &Record{
		Type: RecordStreamEvent,
		Event: &StreamEvent{
			Type:  EventContentBlockDelta,
			Index: index,
			Delta: &Delta{
				Type:        DeltaInputJSON,
				PartialJSON: partial,
			},
		},
	}
}

// flushRecorder captures batcher flushes in order.
type flushRecorder struct {
	mu      sync.Mutex
	flushes []recordedFlush
}

type recordedFlush struct {
	index       int
	accumulated string
}

func (r *flushRecorder) record(index int, accumulated string, template *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes = append(r.flushes, recordedFlush{index: index, accumulated: accumulated})
}

func (r *flushRecorder) all() []recordedFlush {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedFlush, len(r.flushes))
	copy(out, r.flushes)
	return out
}

func TestDeltaBatcherConcatenation(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		want      string
	}{
		{"single fragment", []string{`{"todos":[]}`}, `{"todos":[]}`},
		{"order preserved", []string{`{"a":`, `1`, `}`}, `{"a":1}`},
		{"many tiny fragments", []string{"a", "b", "c", "d", "e"}, "abcde"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &flushRecorder{}
			b := NewDeltaBatcher(time.Hour, rec.record)
			for _, f := range tt.fragments {
				b.Add(fragRecord(3, f))
			}
			b.Flush()

			flushes := rec.all()
			if len(flushes) != 1 {
				t.Fatalf("got %d flushes, want 1", len(flushes))
			}
			if flushes[0].index != 3 {
				t.Errorf("index = %d, want 3", flushes[0].index)
			}
			if flushes[0].accumulated != tt.want {
				t.Errorf("accumulated = %q, want %q", flushes[0].accumulated, tt.want)
			}
		})
	}
}

func TestDeltaBatcherEmptyFlushIsNoOp(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Flush()
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("flush with no content emitted %d events", len(got))
	}

	b.Add(fragRecord(0, "x"))
	b.Flush()
	b.Flush()
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("re-flush with no new content emitted %d events, want 1", len(got))
	}
}

func TestDeltaBatcherCumulativeAcrossFlushes(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Add(fragRecord(0, `{"file":`))
	b.Flush()
	b.Add(fragRecord(0, `"a.txt"}`))
	b.Flush()

	flushes := rec.all()
	if len(flushes) != 2 {
		t.Fatalf("got %d flushes, want 2", len(flushes))
	}
	// Each flush carries the full value so far, not just the delta.
	if flushes[0].accumulated != `{"file":` {
		t.Errorf("first flush = %q", flushes[0].accumulated)
	}
	if flushes[1].accumulated != `{"file":"a.txt"}` {
		t.Errorf("second flush = %q, want full accumulated value", flushes[1].accumulated)
	}
}

func TestDeltaBatcherSeparateIndexes(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Add(fragRecord(1, "one"))
	b.Add(fragRecord(2, "two"))
	b.Flush()

	flushes := rec.all()
	if len(flushes) != 2 {
		t.Fatalf("got %d flushes, want 2", len(flushes))
	}
	byIndex := map[int]string{}
	for _, f := range flushes {
		byIndex[f.index] = f.accumulated
	}
	if byIndex[1] != "one" || byIndex[2] != "two" {
		t.Errorf("per-index values = %v", byIndex)
	}
}

func TestDeltaBatcherTimerFlush(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(5*time.Millisecond, rec.record)
	defer b.Stop()

	b.Add(fragRecord(0, "tick"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.all()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	flushes := rec.all()
	if len(flushes) != 1 || flushes[0].accumulated != "tick" {
		t.Fatalf("timer flush = %v, want one flush of %q", flushes, "tick")
	}
}

func TestDeltaBatcherFinishBlock(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Add(fragRecord(0, "final"))
	b.FinishBlock(0)

	flushes := rec.all()
	if len(flushes) != 1 || flushes[0].accumulated != "final" {
		t.Fatalf("finish flush = %v", flushes)
	}
	if got := b.Accumulated(0); got != "" {
		t.Errorf("buffer retained after FinishBlock: %q", got)
	}

	// A finished index starts fresh if reused.
	b.Add(fragRecord(0, "new"))
	if got := b.Accumulated(0); got != "new" {
		t.Errorf("reused index accumulated = %q, want %q", got, "new")
	}
}

func TestDeltaBatcherStop(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Add(fragRecord(0, "pending"))
	b.Stop()

	flushes := rec.all()
	if len(flushes) != 1 || flushes[0].accumulated != "pending" {
		t.Fatalf("stop did not flush pending content: %v", flushes)
	}

	// No fragments accepted after stop; double stop is safe.
	b.Add(fragRecord(0, "late"))
	b.Stop()
	b.Flush()
	if got := rec.all(); len(got) != 1 {
		t.Errorf("got %d flushes after stop, want 1", len(got))
	}
}

func TestDeltaBatcherIgnoresNonFragments(t *testing.T) {
	rec := &flushRecorder{}
	b := NewDeltaBatcher(time.Hour, rec.record)

	b.Add(&Record{Type: RecordResult})
	b.Add(&Record{
		Type: RecordStreamEvent,
		Event: &StreamEvent{
			Type:  EventContentBlockDelta,
			Index: 0,
			Delta: &Delta{Type: DeltaText, Text: "plain text"},
		},
	})
	b.Flush()

	if got := rec.all(); len(got) != 0 {
		t.Errorf("non-fragment records were batched: %v", got)
	}
}
