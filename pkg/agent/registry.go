package agent

import (
	"fmt"
	"log/slog"
	"sync"
)

// envelopeBufferSize bounds the outbound channel. Consumers are
// expected to drain continuously; the buffer only absorbs bursts.
const envelopeBufferSize = 256

// Registry owns the id to session-process table and routes lifecycle
// and messaging calls by session id. It is the sole writer of the
// mapping; at most one Process instance exists per id at any time.
type Registry struct {
	cfg    ProcessConfig
	events chan Envelope

	mu      sync.Mutex
	procs   map[string]*Process
	dropped map[string]bool
}

// NewRegistry creates an empty registry. All processes it creates
// share the given configuration.
func NewRegistry(cfg ProcessConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		events:  make(chan Envelope, envelopeBufferSize),
		procs:   make(map[string]*Process),
		dropped: make(map[string]bool),
	}
}

// Events returns the single outbound envelope channel. Every envelope
// is tagged with its owning session id.
func (r *Registry) Events() <-chan Envelope {
	return r.events
}

// emit never blocks: a stalled consumer must not wedge subprocess
// readers, so envelopes are dropped when the buffer is full. A session
// that lost envelopes gets one error envelope as soon as space frees,
// since dropped structural events can leave the consumer's view of the
// stream inconsistent until the next turn boundary.
func (r *Registry) emit(env Envelope) {
	r.mu.Lock()
	if r.dropped[env.SessionID] {
		select {
		case r.events <- Envelope{
			Type:      EnvelopeError,
			SessionID: env.SessionID,
			Error:     "event stream overflowed, some events were dropped",
		}:
			delete(r.dropped, env.SessionID)
		default:
		}
	}
	r.mu.Unlock()

	select {
	case r.events <- env:
	default:
		r.mu.Lock()
		r.dropped[env.SessionID] = true
		r.mu.Unlock()
		slog.Warn("Dropping envelope, outbound channel full",
			"sessionId", env.SessionID, "type", env.Type)
	}
}

// Start creates a session process for sessionID if none exists, else
// reuses the existing slot. Any subprocess already running in that
// slot is stopped before the replacement spawns.
func (r *Registry) Start(sessionID, workingDir, resumeID string) error {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	if !ok {
		proc = NewProcess(sessionID, r.cfg, r.emit)
		r.procs[sessionID] = proc
	}
	r.mu.Unlock()

	if err := proc.Start(workingDir, resumeID); err != nil {
		return fmt.Errorf("failed to start session %s: %w", sessionID, err)
	}
	return nil
}

// Send routes one user message to the session's subprocess. A session
// with no backing process fails with an explicit not-running error.
func (r *Registry) Send(sessionID, text string) error {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotRunning)
	}
	return proc.Send(text)
}

// Stop terminates the session's subprocess if one is running. Unknown
// ids are a no-op.
func (r *Registry) Stop(sessionID string) {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()

	if ok {
		proc.Stop()
	}
}

// IsRunning reports whether the session has a live subprocess.
func (r *Registry) IsRunning(sessionID string) bool {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()

	return ok && proc.IsRunning()
}

// WorkingDir returns the resolved working directory for the session,
// or an error if the id is unknown.
func (r *Registry) WorkingDir(sessionID string) (string, error) {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	r.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotRunning)
	}
	return proc.WorkingDir(), nil
}

// RunningSessions returns the ids of every session with a live
// subprocess.
func (r *Registry) RunningSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, proc := range r.procs {
		if proc.IsRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

// RemoveSession stops the session if running and evicts the tracked
// instance. After this call the id is fully unknown to the registry.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	proc, ok := r.procs[sessionID]
	delete(r.procs, sessionID)
	r.mu.Unlock()

	if ok {
		proc.Stop()
	}
}

// StopAll terminates every tracked process and clears the registry.
// Used on application shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	procs := r.procs
	r.procs = make(map[string]*Process)
	r.mu.Unlock()

	for id, proc := range procs {
		slog.Debug("Stopping session on shutdown", "sessionId", id)
		proc.Stop()
	}
}
