package agent

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Package-level variable for mocking subprocess creation in tests
var newCommand = exec.Command

// ErrNotRunning is returned when an operation requires a live
// subprocess and none exists.
var ErrNotRunning = errors.New("process not running")

// Process status values.
const (
	ProcStopped  = "stopped"
	ProcStarting = "starting"
	ProcRunning  = "running"
)

// ProcessConfig carries the tunables a session process needs.
type ProcessConfig struct {
	// AgentCommand overrides the agent CLI command; empty locates it.
	AgentCommand string
	// AllowedRoots are the working-directory roots sessions may use.
	AllowedRoots []string
	// HeartbeatInterval is the liveness envelope period while running.
	HeartbeatInterval time.Duration
	// BatchInterval is the delta batcher flush period.
	BatchInterval time.Duration
	// KillTimeout is how long after SIGTERM before force kill.
	KillTimeout time.Duration
}

func (c *ProcessConfig) withDefaults() ProcessConfig {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 2 * time.Second
	}
	if out.BatchInterval <= 0 {
		out.BatchInterval = 30 * time.Millisecond
	}
	if out.KillTimeout <= 0 {
		out.KillTimeout = 5 * time.Second
	}
	return out
}

// Process owns at most one live agent CLI subprocess for one session.
// stdout is framed into records; tool-argument fragments go through
// the delta batcher, everything else is dispatched immediately after a
// synchronous pre-flush. All emitted envelopes carry the session id.
type Process struct {
	sessionID string
	cfg       ProcessConfig
	emit      func(Envelope)

	mu         sync.Mutex
	status     string
	gen        int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	batcher    *DeltaBatcher
	killTimer  *time.Timer
	hbStop     chan struct{}
	workingDir string
}

// NewProcess creates a stopped session process. emit receives every
// envelope the process produces and must not block for long.
func NewProcess(sessionID string, cfg ProcessConfig, emit func(Envelope)) *Process {
	return &Process{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		emit:      emit,
		status:    ProcStopped,
	}
}

// Start spawns the agent CLI in the given working directory. A
// previously running subprocess for this instance is stopped first.
// If resumeID is non-empty the agent resumes that conversation thread.
func (p *Process) Start(workingDir, resumeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// No two subprocesses may share one instance.
	p.stopLocked()

	p.status = ProcStarting
	p.gen++
	gen := p.gen

	bin, baseArgs, err := ParseCommand(p.cfg.AgentCommand)
	if err != nil {
		p.status = ProcStopped
		p.emitError(fmt.Sprintf("agent CLI not found: %v", err))
		return fmt.Errorf("failed to locate agent CLI: %w", err)
	}

	resolvedDir, err := ResolveWorkdir(workingDir, p.cfg.AllowedRoots)
	if err != nil {
		p.status = ProcStopped
		p.emitError(fmt.Sprintf("working directory unavailable: %v", err))
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}

	args := append(baseArgs,
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
		"--dangerously-skip-permissions",
	)
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}

	cmd := newCommand(bin, args...)
	cmd.Dir = resolvedDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.status = ProcStopped
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.status = ProcStopped
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.status = ProcStopped
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.status = ProcStopped
		p.emitError(fmt.Sprintf("failed to start agent CLI: %v", err))
		return fmt.Errorf("failed to start agent CLI: %w", err)
	}

	slog.Info("Started agent subprocess",
		"sessionId", p.sessionID,
		"pid", cmd.Process.Pid,
		"workingDir", resolvedDir,
		"resume", resumeID != "")

	batcher := NewDeltaBatcher(p.cfg.BatchInterval, p.batchFlush)
	hbStop := make(chan struct{})

	p.cmd = cmd
	p.stdin = stdin
	p.batcher = batcher
	p.hbStop = hbStop
	p.workingDir = resolvedDir
	p.status = ProcRunning

	p.emit(Envelope{
		Type:      EnvelopeStatus,
		SessionID: p.sessionID,
		Status:    StatusStarted,
	})

	go p.readStdout(stdout, batcher)
	go p.readStderr(stderr)
	go p.heartbeatLoop(hbStop)
	go p.waitForExit(cmd, gen)

	return nil
}

// Send writes one NDJSON user-message record to the subprocess stdin.
// Returns an explicit error when no process is running.
func (p *Process) Send(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != ProcRunning || p.stdin == nil {
		return fmt.Errorf("session %s: %w", p.sessionID, ErrNotRunning)
	}

	payload, err := EncodeUserMessage(text)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(payload); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// Stop sends a best-effort termination signal and tears down the
// heartbeat, batcher, and buffered state synchronously. Safe to call
// when nothing is running. If the subprocess ignores the signal it is
// force-killed after the configured timeout.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Process) stopLocked() {
	// Local bookkeeping is torn down regardless of process state.
	if p.hbStop != nil {
		close(p.hbStop)
		p.hbStop = nil
	}
	if p.batcher != nil {
		p.batcher.Stop()
		p.batcher = nil
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}

	if p.cmd != nil && p.cmd.Process != nil {
		cmd := p.cmd
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("SIGTERM failed, killing directly",
				"sessionId", p.sessionID, "error", err)
			_ = cmd.Process.Kill()
		} else {
			// Escalate if the process ignores the signal. The timer is
			// cancelled when the exit waiter observes the process die.
			p.killTimer = time.AfterFunc(p.cfg.KillTimeout, func() {
				slog.Warn("Agent subprocess did not exit after SIGTERM, killing",
					"sessionId", p.sessionID)
				_ = cmd.Process.Kill()
			})
		}
	}
	p.cmd = nil

	if p.status != ProcStopped {
		p.status = ProcStopped
		p.emit(Envelope{
			Type:      EnvelopeStatus,
			SessionID: p.sessionID,
			Status:    StatusStopped,
		})
	}
}

// Status returns the current lifecycle state.
func (p *Process) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// IsRunning reports whether a live subprocess is bound.
func (p *Process) IsRunning() bool {
	return p.Status() == ProcRunning
}

// WorkingDir returns the resolved working directory of the current or
// most recent subprocess.
func (p *Process) WorkingDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workingDir
}

// batchFlush synthesizes one coalesced stream event from the template
// record, carrying the full accumulated fragment for the block index.
func (p *Process) batchFlush(index int, accumulated string, template *Record) {
	if template == nil || template.Event == nil || template.Event.Delta == nil {
		return
	}
	ev := *template.Event
	delta := *ev.Delta
	delta.PartialJSON = accumulated
	ev.Delta = &delta
	ev.Index = index
	rec := &Record{
		Type:  RecordStreamEvent,
		Event: &ev,
	}
	p.emit(Envelope{
		Type:      EnvelopeStreamEvent,
		SessionID: p.sessionID,
		Record:    rec,
	})
}

// readStdout frames the subprocess stdout, decodes each line, and
// routes fragments through the batcher and structural records to
// immediate dispatch after a pre-flush. Malformed lines are dropped.
func (p *Process) readStdout(r io.Reader, batcher *DeltaBatcher) {
	framer := NewLineFramer()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				p.handleLine(line, batcher)
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("stdout read ended", "sessionId", p.sessionID, "error", err)
			}
			return
		}
	}
}

func (p *Process) handleLine(line []byte, batcher *DeltaBatcher) {
	if len(line) == 0 {
		return
	}

	rec, err := DecodeRecord(line)
	if err != nil {
		// Non-JSON stdout is diagnostic output, never fatal.
		slog.Debug("Dropping non-JSON stdout line",
			"sessionId", p.sessionID, "line", truncateForLog(string(line)))
		return
	}

	if rec.IsFragment() {
		batcher.Add(rec)
		return
	}

	// Structural events must never be reordered relative to batched
	// deltas, so flush synchronously before dispatch.
	batcher.Flush()
	if rec.Type == RecordStreamEvent && rec.Event != nil && rec.Event.Type == EventContentBlockStop {
		batcher.FinishBlock(rec.Event.Index)
	}

	envType := rec.Type
	if rec.Type == RecordStreamEvent {
		envType = EnvelopeStreamEvent
	}
	p.emit(Envelope{
		Type:      envType,
		SessionID: p.sessionID,
		Record:    rec,
	})
}

// readStderr surfaces error-marker lines as error envelopes; all other
// stderr output is diagnostic only.
func (p *Process) readStderr(r io.Reader) {
	framer := NewLineFramer()
	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, line := range framer.Push(buf[:n]) {
				text := string(line)
				if text == "" {
					continue
				}
				if strings.Contains(strings.ToLower(text), "error") {
					p.emitError(text)
				} else {
					slog.Debug("agent stderr", "sessionId", p.sessionID, "line", truncateForLog(text))
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// heartbeatLoop emits liveness envelopes at a fixed interval so the
// UI transport stays warm through long silent thinking periods.
func (p *Process) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.emit(Envelope{
				Type:      EnvelopeHeartbeat,
				SessionID: p.sessionID,
			})
		}
	}
}

// waitForExit reaps the subprocess and emits the terminal status
// envelope with the exit code. Crash and exit are reported, never
// retried; restart policy belongs to the caller.
func (p *Process) waitForExit(cmd *exec.Cmd, gen int) {
	err := cmd.Wait()
	code := exitCode(err)

	p.mu.Lock()
	if p.gen == gen {
		if p.killTimer != nil {
			p.killTimer.Stop()
			p.killTimer = nil
		}
		if p.cmd == cmd {
			// Exited on its own rather than through Stop.
			if p.hbStop != nil {
				close(p.hbStop)
				p.hbStop = nil
			}
			if p.batcher != nil {
				p.batcher.Stop()
				p.batcher = nil
			}
			if p.stdin != nil {
				_ = p.stdin.Close()
				p.stdin = nil
			}
			p.cmd = nil
			p.status = ProcStopped
		}
	}
	p.mu.Unlock()

	slog.Info("Agent subprocess exited",
		"sessionId", p.sessionID, "exitCode", code, "error", err)
	p.emit(Envelope{
		Type:      EnvelopeStatus,
		SessionID: p.sessionID,
		Status:    StatusExited,
		ExitCode:  &code,
	})
}

func (p *Process) emitError(message string) {
	p.emit(Envelope{
		Type:      EnvelopeError,
		SessionID: p.sessionID,
		Error:     message,
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncateForLog(s string) string {
	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
