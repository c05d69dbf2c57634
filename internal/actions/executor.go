// Package actions owns the single in-flight work unit of an agent. It runs,
// resumes and stops work with cooperative interrupts, capped timeouts and a
// watchdog that tears the process down when stopping hangs.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/reflexcore/internal/store"
	"github.com/nextlevelbuilder/reflexcore/internal/tracing"
)

// Work is an opaque unit of work. ctx is the run's cancellation token: it is
// cancelled when the executor asks the work to stop.
type Work func(ctx context.Context) error

// Result reports how a run settled.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Interrupted bool   `json:"interrupted"`
	TimedOut    bool   `json:"timedout"`
}

// RunOptions controls a single Run call.
type RunOptions struct {
	TimeoutMinutes int  // <= 0 disables the timeout
	Resume         bool // register the work as the resume slot
}

// Host is the agent capability the executor drives.
type Host interface {
	// RequestInterrupt raises the cooperative interrupt flag seen by world primitives.
	RequestInterrupt()
	// Interrupted reports whether the interrupt flag is raised.
	Interrupted() bool
	// Output returns the accumulated action output.
	Output() string
	// ClearOutput drains the output buffer and lowers the interrupt flag.
	ClearOutput()
	IsIdle() bool
	EmitIdle()
	// Kill terminates the host process. It is only called by the watchdog.
	Kill(reason string)
	AddHistory(role, text string)
}

// SelfPrompter reports whether the autonomous loop is running.
type SelfPrompter interface {
	IsActive() bool
}

// Recorder journals settled runs.
type Recorder interface {
	RecordAction(ctx context.Context, rec store.ActionRecord) error
}

// Config tunes the executor.
type Config struct {
	TimeoutCapMinutes int
	// TimeoutUnit is the length of one timeout "minute" (time.Minute outside tests).
	TimeoutUnit  time.Duration
	StopRetries  int
	StopInterval time.Duration
	Watchdog     time.Duration
	MaxOutput    int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		TimeoutCapMinutes: 15,
		TimeoutUnit:       time.Minute,
		StopRetries:       5,
		StopInterval:      300 * time.Millisecond,
		Watchdog:          10 * time.Second,
		MaxOutput:         500,
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithSelfPrompter sets the self-prompt capability used by Resume.
func WithSelfPrompter(p SelfPrompter) Option {
	return func(e *Executor) { e.prompter = p }
}

// WithRecorder journals every settled run.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// Executor holds the single current-run slot.
type Executor struct {
	cfg      Config
	host     Host
	prompter SelfPrompter
	recorder Recorder

	startMu sync.Mutex // serializes stop-then-install in execute

	mu          sync.Mutex
	current     *run
	resumeWork  Work
	resumeLabel string
}

type run struct {
	id        uuid.UUID
	label     string
	startedAt time.Time
	cancel    context.CancelFunc

	done    chan struct{} // work returned
	settled chan struct{} // slot released, by settle or force-clear

	timer         *time.Timer // guarded by Executor.mu
	timedOut      atomic.Bool
	stopRequested atomic.Bool
	err           error // written before done is closed
	lastOutput    string // host output captured at force-clear, guarded by Executor.mu
}

// New creates an executor bound to host.
func New(cfg Config, host Host, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.TimeoutCapMinutes <= 0 {
		cfg.TimeoutCapMinutes = def.TimeoutCapMinutes
	}
	if cfg.TimeoutUnit <= 0 {
		cfg.TimeoutUnit = def.TimeoutUnit
	}
	if cfg.StopRetries <= 0 {
		cfg.StopRetries = def.StopRetries
	}
	if cfg.StopInterval <= 0 {
		cfg.StopInterval = def.StopInterval
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = def.Watchdog
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = def.MaxOutput
	}
	e := &Executor{cfg: cfg, host: host}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes work as the new current run, stopping any previous run
// first, and blocks until it settles. With opts.Resume the work becomes
// the resume slot (see Resume).
func (e *Executor) Run(ctx context.Context, label string, work Work, opts RunOptions) Result {
	if opts.Resume {
		return e.Resume(ctx, label, work, opts.TimeoutMinutes)
	}
	if work == nil {
		slog.Error("action.run_without_work", "label", label)
		return Result{}
	}
	return e.execute(ctx, label, work, opts.TimeoutMinutes)
}

// Resume registers work as the resume slot and runs it. With a nil work the
// stored slot is re-run, but only when the host is idle and no self-prompt
// loop is active; otherwise (or when no slot exists) the zero Result is
// returned without running anything. A new slot requires a label.
func (e *Executor) Resume(ctx context.Context, label string, work Work, timeoutMinutes int) Result {
	newResume := work != nil

	e.mu.Lock()
	if newResume {
		if label == "" {
			e.mu.Unlock()
			slog.Error("action.resume_without_label")
			return Result{}
		}
		e.resumeWork, e.resumeLabel = work, label
	}
	resumeWork, resumeLabel := e.resumeWork, e.resumeLabel
	e.mu.Unlock()

	if resumeWork == nil {
		return Result{}
	}
	if !newResume {
		if !e.host.IsIdle() || (e.prompter != nil && e.prompter.IsActive()) {
			return Result{}
		}
	}
	return e.execute(ctx, resumeLabel, resumeWork, timeoutMinutes)
}

// Stop asks the current run to yield and waits a bounded number of polls.
// Work that ignores the request is abandoned: the slot is force-cleared and
// the work keeps running detached. A no-op when nothing is executing.
func (e *Executor) Stop() {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil {
		return
	}
	e.stopRun(r)
}

// CancelCurrent drops the resume slot and stops the current run.
func (e *Executor) CancelCurrent(reason string) {
	if reason != "" {
		slog.Info("action.cancelled", "reason", reason)
	}
	e.CancelResume()
	e.Stop()
}

// CancelResume clears the resume slot.
func (e *Executor) CancelResume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeWork, e.resumeLabel = nil, ""
}

// HasResume reports whether a resume slot is registered.
func (e *Executor) HasResume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeWork != nil
}

// ResumeLabel returns the label of the resume slot, if any.
func (e *Executor) ResumeLabel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeLabel
}

// Executing reports whether a run holds the slot.
func (e *Executor) Executing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// CurrentLabel returns the label of the current run or "".
func (e *Executor) CurrentLabel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return ""
	}
	return e.current.label
}

func (e *Executor) capTimeout(minutes int) int {
	if minutes > e.cfg.TimeoutCapMinutes {
		slog.Warn("action.timeout_capped", "requested", minutes, "cap", e.cfg.TimeoutCapMinutes)
		return e.cfg.TimeoutCapMinutes
	}
	return minutes
}

func (e *Executor) execute(ctx context.Context, label string, work Work, timeoutMinutes int) Result {
	e.startMu.Lock()
	if cur := e.CurrentLabel(); cur != "" {
		slog.Info("action.preempting", "label", label, "current", cur)
	}
	e.Stop()
	e.host.ClearOutput()

	ctx, span := tracing.Start(ctx, tracing.SpanActionRun, tracing.AttrLabel.String(label))
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		id:        store.GenNewID(),
		label:     label,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		settled:   make(chan struct{}),
	}

	e.mu.Lock()
	e.current = r
	if timeoutMinutes > 0 {
		minutes := e.capTimeout(timeoutMinutes)
		r.timer = time.AfterFunc(time.Duration(minutes)*e.cfg.TimeoutUnit, func() {
			e.onTimeout(r, minutes)
		})
	}
	e.mu.Unlock()
	e.startMu.Unlock()

	slog.Debug("action.started", "label", label, "run_id", r.id, "timeout_minutes", timeoutMinutes)

	go func() {
		defer close(r.done)
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("panic: %v", p)
			}
		}()
		r.err = work(runCtx)
	}()

	var (
		res       Result
		abandoned bool
	)
	select {
	case <-r.done:
		res, abandoned = e.settle(r)
	case <-r.settled:
		res, abandoned = e.abandonedResult(r), true
	}
	cancel()

	e.finish(ctx, span, r, res, abandoned)
	return res
}

// settle releases the slot after the work returned. It reports abandoned
// when a force-clear won the race against completion.
func (e *Executor) settle(r *run) (Result, bool) {
	e.mu.Lock()
	if e.current != r {
		e.mu.Unlock()
		return e.abandonedResult(r), true
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	err := r.err
	timedOut := r.timedOut.Load()
	flagged := e.host.Interrupted() || r.stopRequested.Load()
	summary := Summarize(e.host.Output(), flagged, timedOut, e.cfg.MaxOutput)
	e.host.ClearOutput()
	if err != nil {
		e.resumeWork, e.resumeLabel = nil, ""
	}
	e.current = nil
	close(r.settled)
	e.mu.Unlock()

	switch {
	case err == nil:
		if !flagged {
			e.host.EmitIdle()
		}
		return Result{Success: true, Message: summary, Interrupted: flagged, TimedOut: timedOut}, false

	case IsCooperativeInterrupt(err):
		slog.Info("action.interrupted", "label", r.label, "reason", err)
		e.host.EmitIdle()
		return Result{Success: true, Message: summary, Interrupted: true, TimedOut: timedOut}, false

	default:
		slog.Error("action.failed", "label", r.label, "error", err)
		msg := summary + "!!Code threw exception!!\nError: " + err.Error() + "\n"
		if !flagged {
			e.host.EmitIdle()
		}
		return Result{Success: false, Message: msg, Interrupted: flagged}, false
	}
}

func (e *Executor) abandonedResult(r *run) Result {
	timedOut := r.timedOut.Load()
	e.mu.Lock()
	output := r.lastOutput
	e.mu.Unlock()
	summary := Summarize(output, true, timedOut, e.cfg.MaxOutput)
	return Result{
		Success:     false,
		Message:     summary + "Action was abandoned after refusing to stop.",
		Interrupted: true,
		TimedOut:    timedOut,
	}
}

func (e *Executor) onTimeout(r *run, minutes int) {
	e.mu.Lock()
	live := e.current == r
	e.mu.Unlock()
	if !live {
		return
	}
	r.timedOut.Store(true)
	note := fmt.Sprintf("Code execution timed out after %d minutes. Attempting force stop.", minutes)
	slog.Warn("action.timed_out", "label", r.label, "minutes", minutes)
	e.host.AddHistory("system", note)
	e.stopRun(r)
}

func (e *Executor) stopRun(r *run) {
	watchdog := time.AfterFunc(e.cfg.Watchdog, func() {
		slog.Error("action.watchdog_expired", "label", r.label, "after", e.cfg.Watchdog)
		e.host.Kill(fmt.Sprintf("Code execution refused stop after %s. Killing process.", e.cfg.Watchdog))
	})
	defer watchdog.Stop()

	for attempt := 1; attempt <= e.cfg.StopRetries; attempt++ {
		select {
		case <-r.settled:
			return
		default:
		}
		r.stopRequested.Store(true)
		r.cancel()
		e.host.RequestInterrupt()
		slog.Debug("action.waiting_for_stop", "label", r.label, "attempt", attempt, "max", e.cfg.StopRetries)

		select {
		case <-r.settled:
			return
		case <-time.After(e.cfg.StopInterval):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != r {
		return
	}
	slog.Warn("action.force_stopped", "label", r.label, "retries", e.cfg.StopRetries)
	if r.timer != nil {
		r.timer.Stop()
	}
	e.current = nil
	e.resumeWork, e.resumeLabel = nil, ""
	r.lastOutput = e.host.Output()
	e.host.ClearOutput()
	close(r.settled)
}

func (e *Executor) finish(ctx context.Context, span trace.Span, r *run, res Result, abandoned bool) {
	span.SetAttributes(
		tracing.AttrInterrupted.Bool(res.Interrupted),
		tracing.AttrTimedOut.Bool(res.TimedOut),
	)
	var spanErr error
	if !res.Success {
		spanErr = fmt.Errorf("%s", tracing.Preview(res.Message))
	}
	tracing.End(span, spanErr)

	if e.recorder == nil {
		return
	}
	rec := store.ActionRecord{
		ID:          r.id,
		Label:       r.label,
		Success:     res.Success,
		Interrupted: res.Interrupted,
		TimedOut:    res.TimedOut,
		Abandoned:   abandoned,
		Message:     res.Message,
		StartedAt:   r.startedAt,
		Duration:    time.Since(r.startedAt),
	}
	if err := e.recorder.RecordAction(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("action.record_failed", "label", r.label, "error", err)
	}
}
