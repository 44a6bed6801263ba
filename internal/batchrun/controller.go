// Package batchrun drives one session's batch run: a finite state machine
// that sequences task documents, tasks within a document, and loop
// iterations. All state transitions happen on a single dispatch loop per
// controller; external callers and bridge callbacks only send commands.
package batchrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/bridge"
	"github.com/fluxdesk/autorun-orchestrator/internal/docstore"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
)

// ErrNoDocuments is returned when a run is started with an empty plan
var ErrNoDocuments = errors.New("batch run has no documents")

// Deps are the collaborators a controller needs
type Deps struct {
	Store  docstore.Store
	Bridge bridge.Bridge
	Bus    *events.Bus
	Log    *slog.Logger

	// WorkDir is the agent's working directory; defaults to the run folder
	WorkDir string

	// OnTerminal is invoked exactly once, after the run reaches stopped or
	// finished and the dispatch loop has exited.
	OnTerminal func(domain.RunOutcome)
}

type commandKind int

const (
	cmdTaskComplete commandKind = iota
	cmdAgentError
	cmdStop
	cmdKill
	cmdPause
	cmdSkip
	cmdResume
	cmdAbort
)

type command struct {
	kind  commandKind
	usage domain.UsageStats
	err   domain.ErrorState
}

// Controller owns one session's BatchRunState. Mutations happen only on the
// dispatch loop goroutine; State() returns snapshots safe for any caller.
type Controller struct {
	sessionID string
	folder    string
	cfg       domain.RunConfig
	deps      Deps

	cmds chan command
	done chan struct{}

	snap snapshot

	// Loop-local state below; touched only by the dispatch loop.
	phase         domain.RunPhase
	isStopping    bool
	docIndex      int
	loopIteration int
	errorState    *domain.ErrorState
	abortErr      *domain.ErrorState
	startedAt     time.Time

	inFlight     bool
	inFlightTask string
	inFlightProc string

	completedAll int
	totalAll     int
	curCompleted int
	curTotal     int
	passTotals   map[string]int

	dispatchedThisPass bool
	resetThisPass      bool

	usage domain.UsageStats
}

// New creates a controller for one run. Call Start to begin dispatching.
func New(sessionID, folder string, cfg domain.RunConfig, deps Deps) (*Controller, error) {
	if len(cfg.Documents) == 0 {
		return nil, ErrNoDocuments
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.WorkDir == "" {
		deps.WorkDir = folder
	}

	c := &Controller{
		sessionID:     sessionID,
		folder:        folder,
		cfg:           cfg,
		deps:          deps,
		cmds:          make(chan command, 16),
		done:          make(chan struct{}),
		phase:         domain.PhaseRunning,
		loopIteration: 1,
		startedAt:     time.Now(),
		passTotals:    make(map[string]int),
	}
	return c, nil
}

// SessionID returns the session this controller belongs to
func (c *Controller) SessionID() string { return c.sessionID }

// Done is closed once the controller reaches a terminal state
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start launches the dispatch loop and dispatches the first task
func (c *Controller) Start(ctx context.Context) {
	c.publishState()
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewRunStartedEvent(c.sessionID, c.folder, len(c.cfg.Documents), c.cfg.LoopEnabled))
	}
	go c.loop(ctx)
}

// Stop requests a graceful stop: the in-flight task finishes first.
// Idempotent; stopping a terminal controller is a no-op.
func (c *Controller) Stop() { c.send(command{kind: cmdStop}) }

// Kill terminates the run immediately, discarding in-flight progress.
// Idempotent.
func (c *Controller) Kill() { c.send(command{kind: cmdKill}) }

// PauseOnError records an agent failure and pauses the run. Normally driven
// by the bridge error callback; exposed for callers that detect failures out
// of band. No-op when already paused.
func (c *Controller) PauseOnError(kind domain.AgentErrorKind, detail string) {
	c.send(command{kind: cmdPause, err: domain.ErrorState{Kind: kind, Detail: detail}})
}

// SkipCurrentDocument resolves a paused run by skipping the failed
// document's remaining tasks. No-op unless paused.
func (c *Controller) SkipCurrentDocument() { c.send(command{kind: cmdSkip}) }

// ResumeAfterError resolves a paused run by re-dispatching the exact task
// that failed. No-op unless paused.
func (c *Controller) ResumeAfterError() { c.send(command{kind: cmdResume}) }

// AbortOnError resolves a paused run by stopping it. No-op unless paused.
func (c *Controller) AbortOnError() { c.send(command{kind: cmdAbort}) }

// taskComplete and agentError are the bridge callback entry points
func (c *Controller) taskComplete(usage domain.UsageStats) {
	c.send(command{kind: cmdTaskComplete, usage: usage})
}

func (c *Controller) agentError(kind domain.AgentErrorKind, detail string) {
	c.send(command{kind: cmdAgentError, err: domain.ErrorState{Kind: kind, Detail: detail}})
}

// send delivers a command unless the controller is already terminal
func (c *Controller) send(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Controller) loop(ctx context.Context) {
	c.dispatchNext(ctx)

	for c.phase != domain.PhaseStopped && c.phase != domain.PhaseFinished {
		select {
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case <-ctx.Done():
			c.handleKill()
		}
	}

	outcome := c.outcome()
	c.publishState()
	close(c.done)

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewRunFinishedEvent(c.sessionID, outcome.CompletedTasks,
			outcome.TotalTasks, outcome.Elapsed, outcome.WasStopped, outcome.ErrorAborted))
	}
	if c.deps.OnTerminal != nil {
		c.deps.OnTerminal(outcome)
	}
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdTaskComplete:
		c.handleTaskComplete(ctx, cmd.usage)
	case cmdAgentError:
		c.handlePause(cmd.err)
	case cmdPause:
		c.handlePause(cmd.err)
	case cmdStop:
		c.handleStop()
	case cmdKill:
		c.handleKill()
	case cmdSkip:
		c.handleSkip(ctx)
	case cmdResume:
		c.handleResume(ctx)
	case cmdAbort:
		c.handleAbort()
	}
	c.publishState()
}

func (c *Controller) handleTaskComplete(ctx context.Context, usage domain.UsageStats) {
	if !c.inFlight {
		// Late completion after kill or duplicate signal
		c.deps.Log.Debug("ignoring stray task completion", "session", c.sessionID)
		return
	}
	c.inFlight = false
	task := c.inFlightTask
	c.inFlightTask = ""
	c.inFlightProc = ""

	c.completedAll++
	c.usage.TokensInput += usage.TokensInput
	c.usage.TokensOutput += usage.TokensOutput
	c.usage.CostUSD += usage.CostUSD

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewTaskCompletedEvent(c.sessionID, c.docIndex, task,
			c.completedAll, c.totalAll, usage))
	}

	if c.isStopping {
		c.finish(domain.PhaseStopped)
		return
	}
	c.dispatchNext(ctx)
}

// dispatchNext re-reads the current document and either spawns the next
// task or advances through documents, loop restarts, and completion. The
// document is always re-read first: the agent (or a human) may have
// rewritten it since the last decision.
func (c *Controller) dispatchNext(ctx context.Context) {
	for {
		if c.isStopping {
			c.finish(domain.PhaseStopped)
			return
		}

		ref := c.cfg.Documents[c.docIndex]
		doc, err := c.deps.Store.Read(c.folder, ref.Filename)
		if err != nil {
			c.handlePause(domain.ErrorState{
				Kind:   domain.ErrorDocumentAccess,
				Detail: err.Error(),
			})
			return
		}
		c.recordTotals(ref, doc)

		task, ok := docstore.NextIncompleteTask(doc.Content)
		if ok {
			c.spawn(ctx, ref, doc, task)
			return
		}

		// Document exhausted
		if ref.ResetOnCompletion {
			if err := c.deps.Store.Write(c.folder, ref.Filename, docstore.ResetCheckboxes(doc.Content)); err != nil {
				c.handlePause(domain.ErrorState{
					Kind:   domain.ErrorDocumentAccess,
					Detail: err.Error(),
				})
				return
			}
			c.resetThisPass = true
		}

		if c.docIndex+1 < len(c.cfg.Documents) {
			c.docIndex++
			c.curCompleted, c.curTotal = 0, 0
			continue
		}

		// Plan exhausted: restart if the loop budget allows. A pass that
		// dispatched nothing and reset nothing would spin forever, so it
		// ends the run instead.
		madeProgress := c.dispatchedThisPass || c.resetThisPass
		if c.cfg.LoopEnabled && madeProgress &&
			(c.cfg.MaxLoops == 0 || c.loopIteration < c.cfg.MaxLoops) {
			c.loopIteration++
			c.docIndex = 0
			c.curCompleted, c.curTotal = 0, 0
			c.dispatchedThisPass = false
			c.resetThisPass = false
			continue
		}

		c.finish(domain.PhaseFinished)
		return
	}
}

func (c *Controller) spawn(ctx context.Context, ref domain.DocumentRef, doc docstore.Document, task string) {
	prompt := buildPrompt(ref.Filename, doc.Content, task)

	procID, err := c.deps.Bridge.Spawn(ctx, c.sessionID, prompt, domain.SpawnConfig{
		WorkDir:        c.deps.WorkDir,
		OnTaskComplete: c.taskComplete,
		OnAgentError:   c.agentError,
	})
	if err != nil {
		c.handlePause(domain.ErrorState{
			Kind:   domain.ErrorCrash,
			Detail: fmt.Sprintf("spawning agent: %v", err),
		})
		return
	}

	c.inFlight = true
	c.inFlightTask = task
	c.inFlightProc = procID
	c.dispatchedThisPass = true
	c.publishState()

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewTaskDispatchedEvent(c.sessionID, c.docIndex, ref.Filename, task, c.loopIteration))
	}
}

func (c *Controller) handlePause(errState domain.ErrorState) {
	switch c.phase {
	case domain.PhaseStopping:
		// A stop was already requested; the failed task will not be
		// retried, so the run ends here.
		c.inFlight = false
		c.finish(domain.PhaseStopped)
		return
	case domain.PhaseRunning:
	default:
		c.deps.Log.Debug("ignoring pause, run not active",
			"session", c.sessionID, "phase", string(c.phase))
		return
	}

	errState.DocumentIndex = c.docIndex
	if errState.TaskDescription == "" {
		errState.TaskDescription = c.inFlightTask
	}
	c.inFlight = false
	c.errorState = &errState
	c.phase = domain.PhaseErrorPaused

	c.deps.Log.Warn("batch run paused on error",
		"session", c.sessionID, "kind", string(errState.Kind), "detail", errState.Detail)
	c.publishState()
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewRunPausedEvent(c.sessionID, errState))
	}
}

func (c *Controller) handleStop() {
	if c.phase.IsTerminal() {
		return
	}
	if c.phase == domain.PhaseErrorPaused {
		// Nothing in flight to wait for
		c.errorState = nil
		c.finish(domain.PhaseStopped)
		return
	}
	if c.isStopping {
		return
	}
	c.isStopping = true
	c.phase = domain.PhaseStopping
	if !c.inFlight {
		c.finish(domain.PhaseStopped)
	}
}

// handleKill transitions to stopped first, then signals the bridge
// asynchronously so termination time never depends on bridge
// responsiveness.
func (c *Controller) handleKill() {
	if c.phase.IsTerminal() {
		return
	}
	procID := c.inFlightProc
	c.inFlight = false
	c.inFlightProc = ""
	c.errorState = nil
	c.isStopping = true
	c.finish(domain.PhaseStopped)

	if procID != "" {
		go func() {
			if err := c.deps.Bridge.Kill(procID); err != nil {
				c.deps.Log.Warn("killing agent process",
					"session", c.sessionID, "process", procID, "error", err)
			}
		}()
	}
}

func (c *Controller) handleSkip(ctx context.Context) {
	if !c.requireErrorState("skip") {
		return
	}
	ref := c.cfg.Documents[c.docIndex]

	doc, err := c.deps.Store.Read(c.folder, ref.Filename)
	if err == nil {
		err = c.deps.Store.Write(c.folder, ref.Filename, docstore.SkipRemaining(doc.Content))
	}
	if err != nil {
		// Document unreachable; advance past it anyway
		c.deps.Log.Warn("skipping document without marking tasks",
			"session", c.sessionID, "file", ref.Filename, "error", err)
	}

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewDocumentSkippedEvent(c.sessionID, c.docIndex, ref.Filename))
	}

	c.errorState = nil
	c.phase = domain.PhaseRunning
	if c.docIndex+1 < len(c.cfg.Documents) {
		c.docIndex++
		c.curCompleted, c.curTotal = 0, 0
		c.dispatchNext(ctx)
		return
	}
	c.finish(domain.PhaseFinished)
}

func (c *Controller) handleResume(ctx context.Context) {
	if !c.requireErrorState("resume") {
		return
	}
	failed := *c.errorState
	c.errorState = nil
	c.phase = domain.PhaseRunning
	c.docIndex = failed.DocumentIndex

	if c.deps.Bus != nil {
		c.deps.Bus.Publish(events.NewRunResumedEvent(c.sessionID, failed.DocumentIndex, failed.TaskDescription))
	}

	// Document-access failures pause with no task in flight; resuming them
	// just re-enters the dispatch loop.
	if failed.TaskDescription == "" {
		c.dispatchNext(ctx)
		return
	}

	ref := c.cfg.Documents[c.docIndex]
	doc, err := c.deps.Store.Read(c.folder, ref.Filename)
	if err != nil {
		c.handlePause(domain.ErrorState{
			Kind:            domain.ErrorDocumentAccess,
			Detail:          err.Error(),
			TaskDescription: failed.TaskDescription,
		})
		return
	}
	c.recordTotals(ref, doc)

	// Re-dispatch the exact task that failed, against fresh content
	c.spawn(ctx, ref, doc, failed.TaskDescription)
}

func (c *Controller) handleAbort() {
	if !c.requireErrorState("abort") {
		return
	}
	c.abortErr = c.errorState
	c.errorState = nil
	c.finish(domain.PhaseStopped)
}

// requireErrorState guards the recovery operations: calling them without a
// recorded error is a logged no-op.
func (c *Controller) requireErrorState(op string) bool {
	if c.errorState == nil {
		c.deps.Log.Warn("recovery operation ignored, no error state",
			"session", c.sessionID, "op", op)
		return false
	}
	return true
}

func (c *Controller) finish(phase domain.RunPhase) {
	if c.phase.IsTerminal() {
		return
	}
	c.phase = phase
	c.inFlight = false
	c.publishState()
}

// recordTotals folds a fresh document read into the run counters. Totals
// accumulate per document per loop pass; within a pass a total only grows,
// keeping totalAll monotonic even when external edits remove tasks.
func (c *Controller) recordTotals(ref domain.DocumentRef, doc docstore.Document) {
	key := fmt.Sprintf("%d:%s", c.loopIteration, ref.ID)
	if doc.TotalCount > c.passTotals[key] {
		c.totalAll += doc.TotalCount - c.passTotals[key]
		c.passTotals[key] = doc.TotalCount
	}
	c.curCompleted = doc.CompletedCount
	c.curTotal = doc.TotalCount
}

func (c *Controller) outcome() domain.RunOutcome {
	out := domain.RunOutcome{
		SessionID:      c.sessionID,
		Folder:         c.folder,
		CompletedTasks: c.completedAll,
		TotalTasks:     c.totalAll,
		LoopIterations: c.loopIteration,
		Elapsed:        time.Since(c.startedAt),
		WasStopped:     c.phase == domain.PhaseStopped,
		Usage:          c.usage,
	}
	if c.abortErr != nil {
		out.ErrorAborted = true
		out.ErrorDetail = c.abortErr.Detail
	}
	return out
}
