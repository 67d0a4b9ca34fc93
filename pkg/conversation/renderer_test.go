package conversation

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// manualTicker lets tests pump render frames by hand.
type manualTicker struct {
	ch chan time.Time
}

func newManualTicker() *manualTicker {
	// Buffered so a tick after Destroy does not wedge the test.
	return &manualTicker{ch: make(chan time.Time, 1)}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               {}
func (m *manualTicker) tick()               { m.ch <- time.Now() }

// fakeClock is a settable time source safe for use from the render
// goroutine.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// textCollector accumulates emitted batches.
type textCollector struct {
	mu    sync.Mutex
	parts []string
}

func (c *textCollector) emit(text string) {
	c.mu.Lock()
	c.parts = append(c.parts, text)
	c.mu.Unlock()
}

func (c *textCollector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.parts, "")
}

func (c *textCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parts)
}

// waitUntil polls cond for up to five seconds.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func newTestRenderer(emit func(string), extra ...RendererOption) (*Renderer, *manualTicker, *fakeClock) {
	ticker := newManualTicker()
	clock := newFakeClock()
	opts := append([]RendererOption{
		WithTicker(func(time.Duration) Ticker { return ticker }),
		withClock(clock.now),
	}, extra...)
	return NewRenderer(emit, opts...), ticker, clock
}

func TestRendererDeliversAllTextInOrder(t *testing.T) {
	col := &textCollector{}
	r, ticker, clock := newTestRenderer(col.emit)
	defer r.Destroy()

	const input = "The quick brown fox jumps over the lazy dog"
	r.Push(input)

	for r.Buffered() > 0 {
		before := r.Buffered()
		clock.advance(16 * time.Millisecond)
		ticker.tick()
		waitUntil(t, func() bool { return r.Buffered() < before })
	}

	if got := col.text(); got != input {
		t.Errorf("delivered text = %q, want %q", got, input)
	}
}

func TestRendererStartsInRealtimeMode(t *testing.T) {
	col := &textCollector{}
	r, _, _ := newTestRenderer(col.emit)
	defer r.Destroy()

	r.Push("hi")
	if got := r.Mode(); got != ModeRealtime {
		t.Errorf("mode = %q, want %q", got, ModeRealtime)
	}
}

func TestRendererModeFollowsBufferedTime(t *testing.T) {
	tests := []struct {
		name      string
		firstLen  int
		secondLen int
		gap       time.Duration
		wantMode  Mode
	}{
		// 200 runes at 10000 runes/sec is 20ms of buffer.
		{"fast stream stays realtime", 100, 100, 10 * time.Millisecond, ModeRealtime},
		// 30 runes at 200 runes/sec is 150ms of buffer.
		{"medium backlog goes smooth", 10, 20, 100 * time.Millisecond, ModeSmooth},
		// 200 runes at 100 runes/sec is 2s of buffer.
		{"large backlog goes catchup", 100, 100, time.Second, ModeCatchup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := &textCollector{}
			r, _, clock := newTestRenderer(col.emit)
			defer r.Destroy()

			r.Push(strings.Repeat("a", tt.firstLen))
			clock.advance(tt.gap)
			r.Push(strings.Repeat("b", tt.secondLen))

			if got := r.Mode(); got != tt.wantMode {
				t.Errorf("mode = %q, want %q", got, tt.wantMode)
			}
		})
	}
}

func TestRendererExtendsCutToWordBoundary(t *testing.T) {
	col := &textCollector{}
	r, ticker, clock := newTestRenderer(col.emit)
	defer r.Destroy()

	// Realtime slice is 3 runes; the space at index 4 is within reach
	// so the first frame should emit the whole word.
	r.Push("abcd efgh")
	clock.advance(16 * time.Millisecond)
	ticker.tick()
	waitUntil(t, func() bool { return col.count() > 0 })

	col.mu.Lock()
	first := col.parts[0]
	col.mu.Unlock()
	if first != "abcd " {
		t.Errorf("first batch = %q, want %q", first, "abcd ")
	}
}

func TestRendererJankFallsBackToRealtime(t *testing.T) {
	col := &textCollector{}
	r, ticker, clock := newTestRenderer(col.emit)
	defer r.Destroy()

	// Build a catchup-sized backlog: 200 runes arriving at 100/sec.
	r.Push(strings.Repeat("x", 100))
	clock.advance(time.Second)
	r.Push(strings.Repeat("x", 100))
	if r.Mode() != ModeCatchup {
		t.Fatalf("mode = %q, want %q", r.Mode(), ModeCatchup)
	}

	// First frame establishes the frame clock.
	ticker.tick()
	waitUntil(t, func() bool { return col.count() == 1 })

	// Second frame arrives far over budget; the override caps the
	// batch at the realtime slice instead of a third of the backlog.
	clock.advance(100 * time.Millisecond)
	ticker.tick()
	waitUntil(t, func() bool { return col.count() == 2 })

	col.mu.Lock()
	second := col.parts[1]
	col.mu.Unlock()
	if len(second) > realtimeSliceChars+wordBoundaryReach {
		t.Errorf("janked frame drained %d runes, want at most %d",
			len(second), realtimeSliceChars+wordBoundaryReach)
	}
}

func TestRendererCatchupDrainsProportionally(t *testing.T) {
	col := &textCollector{}
	r, ticker, clock := newTestRenderer(col.emit)
	defer r.Destroy()

	r.Push(strings.Repeat("x", 150))
	clock.advance(time.Second)
	r.Push(strings.Repeat("x", 150))
	if r.Mode() != ModeCatchup {
		t.Fatalf("mode = %q, want %q", r.Mode(), ModeCatchup)
	}

	clock.advance(16 * time.Millisecond)
	ticker.tick()
	waitUntil(t, func() bool { return col.count() == 1 })

	// A third of 300 runes.
	col.mu.Lock()
	got := len(col.parts[0])
	col.mu.Unlock()
	if got < 90 {
		t.Errorf("catchup frame drained %d runes, want at least 90", got)
	}
}

func TestRendererFlushEmitsRemainderOnce(t *testing.T) {
	col := &textCollector{}
	r, _, _ := newTestRenderer(col.emit)
	defer r.Destroy()

	r.Push("leftover text")
	r.Flush()

	if got := col.text(); got != "leftover text" {
		t.Errorf("flushed text = %q, want %q", got, "leftover text")
	}
	if r.Buffered() != 0 {
		t.Errorf("buffered = %d after flush, want 0", r.Buffered())
	}

	// Idempotent: a second flush emits nothing.
	before := col.count()
	r.Flush()
	if col.count() != before {
		t.Error("second flush emitted a batch")
	}
}

func TestRendererDestroyStopsIntake(t *testing.T) {
	col := &textCollector{}
	r, ticker, _ := newTestRenderer(col.emit)

	r.Push("abc")
	r.Destroy()
	r.Push("def")

	if r.Buffered() != 3 {
		t.Errorf("buffered = %d after destroy, want 3", r.Buffered())
	}

	// The loop is gone; ticks are inert.
	ticker.tick()
	time.Sleep(20 * time.Millisecond)
	if col.count() != 0 {
		t.Error("frame ran after destroy")
	}

	// Destroy is idempotent.
	r.Destroy()
}
