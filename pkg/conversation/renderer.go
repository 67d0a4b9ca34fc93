package conversation

import (
	"sync"
	"time"
	"unicode"
)

// Render modes. The mode is recomputed from the current buffered-time
// estimate every time new data arrives; there is no hysteresis except
// the jank override.
type Mode string

const (
	// ModeRealtime drains a small fixed slice per frame while the
	// buffer is nearly empty.
	ModeRealtime Mode = "realtime"
	// ModeCatchup drains aggressively, proportional to the backlog.
	ModeCatchup Mode = "catchup"
	// ModeSmooth drains at a rate that empties the buffer over a few
	// upcoming frames, adjusted by inter-arrival jitter.
	ModeSmooth Mode = "smooth"
)

const (
	defaultFrameInterval = 16 * time.Millisecond
	realtimeSliceChars   = 3
	smoothDrainFrames    = 6
	jankFactor           = 1.3
	jankCooldown         = 250 * time.Millisecond
	wordBoundaryReach    = 3
	emaWeight            = 0.2
)

// Ticker abstracts the frame callback source so the render loop is
// portable to any UI toolkit's animation tick and controllable in
// tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	t *time.Ticker
}

func (t *timeTicker) C() <-chan time.Time { return t.t.C }
func (t *timeTicker) Stop()               { t.t.Stop() }

// Renderer drains a rune FIFO onto an emit callback at a rate tuned to
// the frame interval and the burstiness of inbound deltas, so bursty
// delivery does not turn into visual stutter. One instance serves one
// (session, content block) pair.
type Renderer struct {
	mu   sync.Mutex
	buf  []rune
	emit func(string)

	frameInterval time.Duration
	minBuffer     time.Duration
	maxBuffer     time.Duration

	mode         Mode
	charsPerSec  float64
	emaInterval  float64 // seconds
	emaJitter    float64 // seconds
	lastArrival  time.Time
	lastFrame    time.Time
	jankUntil    time.Time
	now          func() time.Time
	destroyed    bool
	done         chan struct{}
	ticker       Ticker
	tickerSource func(time.Duration) Ticker
}

// RendererOption customizes a renderer.
type RendererOption func(*Renderer)

// WithFrameInterval sets the target frame period (default ~60fps).
func WithFrameInterval(d time.Duration) RendererOption {
	return func(r *Renderer) { r.frameInterval = d }
}

// WithBufferThresholds sets the buffered-time thresholds separating
// realtime, smooth, and catchup modes.
func WithBufferThresholds(min, max time.Duration) RendererOption {
	return func(r *Renderer) {
		r.minBuffer = min
		r.maxBuffer = max
	}
}

// WithTicker substitutes the frame tick source. Used by tests to
// drive frames deterministically.
func WithTicker(source func(time.Duration) Ticker) RendererOption {
	return func(r *Renderer) { r.tickerSource = source }
}

// withClock substitutes the time source in tests.
func withClock(now func() time.Time) RendererOption {
	return func(r *Renderer) { r.now = now }
}

// NewRenderer starts a render loop that invokes emit with drained text
// batches. emit is called from the render goroutine and must not call
// back into the renderer.
func NewRenderer(emit func(string), opts ...RendererOption) *Renderer {
	r := &Renderer{
		emit:          emit,
		frameInterval: defaultFrameInterval,
		minBuffer:     50 * time.Millisecond,
		maxBuffer:     300 * time.Millisecond,
		mode:          ModeRealtime,
		now:           time.Now,
		done:          make(chan struct{}),
		tickerSource: func(d time.Duration) Ticker {
			return &timeTicker{t: time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ticker = r.tickerSource(r.frameInterval)
	go r.loop()
	return r
}

func (r *Renderer) loop() {
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C():
			r.frame()
		}
	}
}

// Push appends text to the FIFO and recomputes the render mode from
// the current buffered-time estimate.
func (r *Renderer) Push(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}

	runes := []rune(text)
	r.buf = append(r.buf, runes...)

	now := r.now()
	if !r.lastArrival.IsZero() {
		dt := now.Sub(r.lastArrival).Seconds()
		if dt > 0 {
			rate := float64(len(runes)) / dt
			if r.charsPerSec == 0 {
				r.charsPerSec = rate
			} else {
				r.charsPerSec = (1-emaWeight)*r.charsPerSec + emaWeight*rate
			}
			if r.emaInterval == 0 {
				r.emaInterval = dt
			} else {
				jitter := dt - r.emaInterval
				if jitter < 0 {
					jitter = -jitter
				}
				r.emaJitter = (1-emaWeight)*r.emaJitter + emaWeight*jitter
				r.emaInterval = (1-emaWeight)*r.emaInterval + emaWeight*dt
			}
		}
	}
	r.lastArrival = now

	r.mode = r.computeMode()
}

// computeMode maps the buffered-time estimate onto a mode. Requires
// r.mu held.
func (r *Renderer) computeMode() Mode {
	buffered := r.bufferedTime()
	switch {
	case buffered < r.minBuffer:
		return ModeRealtime
	case buffered > r.maxBuffer:
		return ModeCatchup
	default:
		return ModeSmooth
	}
}

// bufferedTime estimates how long the buffered runes represent at the
// observed inbound rate. Requires r.mu held.
func (r *Renderer) bufferedTime() time.Duration {
	if r.charsPerSec <= 0 {
		return 0
	}
	seconds := float64(len(r.buf)) / r.charsPerSec
	return time.Duration(seconds * float64(time.Second))
}

// frame drains one batch sized by the current mode.
func (r *Renderer) frame() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}

	now := r.now()
	if !r.lastFrame.IsZero() {
		actual := now.Sub(r.lastFrame)
		if float64(actual) > jankFactor*float64(r.frameInterval) {
			// A missed frame means the UI is struggling; fall back to
			// the cheapest mode until the cooldown passes.
			r.jankUntil = now.Add(jankCooldown)
		}
	}
	r.lastFrame = now

	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}

	mode := r.mode
	if now.Before(r.jankUntil) {
		mode = ModeRealtime
	}

	n := r.batchSize(mode)
	n = r.extendToWordBoundary(n)
	if n > len(r.buf) {
		n = len(r.buf)
	}

	batch := string(r.buf[:n])
	r.buf = r.buf[n:]
	emit := r.emit
	r.mu.Unlock()

	if batch != "" && emit != nil {
		emit(batch)
	}
}

// batchSize computes how many runes to drain this frame. Requires
// r.mu held.
func (r *Renderer) batchSize(mode Mode) int {
	buffered := len(r.buf)
	switch mode {
	case ModeRealtime:
		if buffered < realtimeSliceChars {
			return buffered
		}
		return realtimeSliceChars
	case ModeCatchup:
		// Proportional to the overage: drain a third of the backlog
		// per frame, never less than the smooth rate.
		n := buffered / 3
		if smooth := r.smoothBatchSize(); n < smooth {
			n = smooth
		}
		if n < 1 {
			n = 1
		}
		return n
	default:
		return r.smoothBatchSize()
	}
}

// smoothBatchSize targets emptying the buffer over the next few
// frames, slowed when inter-arrival jitter is high so a late chunk
// does not starve the drain. Requires r.mu held.
func (r *Renderer) smoothBatchSize() int {
	n := (len(r.buf) + smoothDrainFrames - 1) / smoothDrainFrames
	if r.emaInterval > 0 && r.emaJitter > 0 {
		ratio := r.emaJitter / r.emaInterval
		if ratio > 1 {
			ratio = 1
		}
		n = int(float64(n) / (1 + ratio))
	}
	if n < 1 {
		n = 1
	}
	return n
}

// extendToWordBoundary nudges the cut forward to the next space when
// one is within reach, so words are not split visibly. Requires
// r.mu held.
func (r *Renderer) extendToWordBoundary(n int) int {
	if n >= len(r.buf) {
		return n
	}
	if unicode.IsSpace(r.buf[n-1]) || unicode.IsSpace(r.buf[n]) {
		return n
	}
	limit := n + wordBoundaryReach
	if limit > len(r.buf) {
		limit = len(r.buf)
	}
	for i := n; i < limit; i++ {
		if unicode.IsSpace(r.buf[i]) {
			return i + 1
		}
	}
	return n
}

// Flush immediately emits all remaining buffered text. Safe to call
// multiple times; a flush with an empty buffer emits nothing.
func (r *Renderer) Flush() {
	r.mu.Lock()
	var batch string
	if len(r.buf) > 0 {
		batch = string(r.buf)
		r.buf = nil
	}
	emit := r.emit
	r.mu.Unlock()

	if batch != "" && emit != nil {
		emit(batch)
	}
}

// Destroy cancels the render loop. No callbacks fire after Destroy
// returns aside from one already in flight.
func (r *Renderer) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	close(r.done)
	r.ticker.Stop()
	r.mu.Unlock()
}

// Mode reports the current render mode.
func (r *Renderer) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Buffered reports how many runes remain queued.
func (r *Renderer) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
