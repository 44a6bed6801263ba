// Package registry tracks the sessions that currently have an active batch
// run. It creates one controller per session, forwards control operations,
// and answers side-effect-free state queries for any session. Controllers
// own their lifecycle; the registry only holds a lookup reference.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxdesk/autorun-orchestrator/internal/batchrun"
	"github.com/fluxdesk/autorun-orchestrator/internal/bridge"
	"github.com/fluxdesk/autorun-orchestrator/internal/docstore"
	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
	"github.com/fluxdesk/autorun-orchestrator/internal/queue"
)

// ErrAlreadyRunning is returned when a session already has an active run.
// It indicates a caller bug and is never swallowed.
var ErrAlreadyRunning = errors.New("batch run already active for session")

// Reporter consumes terminal run outcomes
type Reporter interface {
	Report(ctx context.Context, outcome domain.RunOutcome)
}

// Registry is the process-wide session -> controller lookup
type Registry struct {
	store    docstore.Store
	bridge   bridge.Bridge
	bus      *events.Bus
	log      *slog.Logger
	reporter Reporter

	mu          sync.Mutex
	controllers map[string]*batchrun.Controller
}

// New creates a registry
func New(store docstore.Store, br bridge.Bridge, bus *events.Bus, reporter Reporter, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:       store,
		bridge:      br,
		bus:         bus,
		log:         log,
		reporter:    reporter,
		controllers: make(map[string]*batchrun.Controller),
	}
}

// StartBatchRun creates and starts a controller for the session. Fails with
// ErrAlreadyRunning if the session already has one. An empty cfg.Documents
// plan is built from the folder's markdown files.
func (r *Registry) StartBatchRun(ctx context.Context, sessionID, folder string, cfg domain.RunConfig) error {
	if len(cfg.Documents) == 0 {
		docs, err := r.buildPlan(folder)
		if err != nil {
			return err
		}
		cfg.Documents = docs
	}

	r.mu.Lock()
	if _, exists := r.controllers[sessionID]; exists {
		r.mu.Unlock()
		r.log.Error("start rejected, run already active", "session", sessionID)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}

	ctrl, err := batchrun.New(sessionID, folder, cfg, batchrun.Deps{
		Store:  r.store,
		Bridge: r.bridge,
		Bus:    r.bus,
		Log:    r.log,
		OnTerminal: func(outcome domain.RunOutcome) {
			// Remove before reporting so queue draining never observes an
			// active run for this session.
			r.remove(sessionID)
			if r.reporter != nil {
				r.reporter.Report(context.Background(), outcome)
			}
		},
	})
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.controllers[sessionID] = ctrl
	r.mu.Unlock()

	ctrl.Start(ctx)
	r.log.Info("batch run started", "session", sessionID, "folder", folder,
		"documents", len(cfg.Documents), "loop", cfg.LoopEnabled)
	return nil
}

// buildPlan derives a document plan from the folder contents. Frontmatter
// may set reset_on_completion per document.
func (r *Registry) buildPlan(folder string) ([]domain.DocumentRef, error) {
	names, err := r.store.List(folder)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, batchrun.ErrNoDocuments
	}

	refs := make([]domain.DocumentRef, 0, len(names))
	for _, name := range names {
		ref := domain.DocumentRef{ID: name, Filename: name}
		if doc, err := r.store.Read(folder, name); err == nil {
			ref.ResetOnCompletion = doc.Frontmatter.ResetOnCompletion
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.controllers, sessionID)
	r.mu.Unlock()
}

func (r *Registry) lookup(sessionID string) *batchrun.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[sessionID]
}

// StopBatchRun requests a graceful stop. No-op for unknown sessions.
func (r *Registry) StopBatchRun(sessionID string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.Stop()
		return
	}
	r.log.Debug("stop ignored, no active run", "session", sessionID)
}

// KillBatchRun terminates a run immediately. No-op for unknown sessions.
func (r *Registry) KillBatchRun(sessionID string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.Kill()
		return
	}
	r.log.Debug("kill ignored, no active run", "session", sessionID)
}

// PauseBatchOnError pauses a run with an externally detected failure
func (r *Registry) PauseBatchOnError(sessionID string, kind domain.AgentErrorKind, detail string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.PauseOnError(kind, detail)
	}
}

// SkipCurrentDocument resolves a paused run by skipping the failed document
func (r *Registry) SkipCurrentDocument(sessionID string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.SkipCurrentDocument()
	}
}

// ResumeAfterError resolves a paused run by retrying the failed task
func (r *Registry) ResumeAfterError(sessionID string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.ResumeAfterError()
	}
}

// AbortBatchOnError resolves a paused run by stopping it
func (r *Registry) AbortBatchOnError(sessionID string) {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		ctrl.AbortOnError()
	}
}

// GetBatchState returns the session's run snapshot, or the idle sentinel
// when no run exists. Side-effect-free and safe to call every tick.
func (r *Registry) GetBatchState(sessionID string) domain.BatchRunState {
	if ctrl := r.lookup(sessionID); ctrl != nil {
		return ctrl.State()
	}
	return domain.IdleBatchState(sessionID)
}

// IsBatchRunning reports whether the session has an active controller.
// Satisfies the queue manager's RunChecker.
func (r *Registry) IsBatchRunning(sessionID string) bool {
	return r.lookup(sessionID) != nil
}

// ActiveBatchSessionIDs returns the sessions whose runs are currently
// running, sorted.
func (r *Registry) ActiveBatchSessionIDs() []string {
	r.mu.Lock()
	ctrls := make([]*batchrun.Controller, 0, len(r.controllers))
	for _, ctrl := range r.controllers {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	var ids []string
	for _, ctrl := range ctrls {
		if ctrl.State().IsRunning {
			ids = append(ids, ctrl.SessionID())
		}
	}
	sort.Strings(ids)
	return ids
}

// AggregateElapsed sums the elapsed running time of all active sessions.
// Used for elapsed-time achievement progress across concurrent runs.
func (r *Registry) AggregateElapsed() time.Duration {
	r.mu.Lock()
	ctrls := make([]*batchrun.Controller, 0, len(r.controllers))
	for _, ctrl := range r.controllers {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	var total time.Duration
	for _, ctrl := range ctrls {
		state := ctrl.State()
		if state.IsRunning && !state.StartedAt.IsZero() {
			total += time.Since(state.StartedAt)
		}
	}
	return total
}

// StopAll gracefully stops every active run and waits for each to reach a
// terminal state, bounded by ctx.
func (r *Registry) StopAll(ctx context.Context) error {
	return r.fanOut(ctx, func(ctrl *batchrun.Controller) { ctrl.Stop() })
}

// KillAll terminates every active run and waits, bounded by ctx
func (r *Registry) KillAll(ctx context.Context) error {
	return r.fanOut(ctx, func(ctrl *batchrun.Controller) { ctrl.Kill() })
}

func (r *Registry) fanOut(ctx context.Context, op func(*batchrun.Controller)) error {
	r.mu.Lock()
	ctrls := make([]*batchrun.Controller, 0, len(r.controllers))
	for _, ctrl := range r.controllers {
		ctrls = append(ctrls, ctrl)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, ctrl := range ctrls {
		g.Go(func() error {
			op(ctrl)
			select {
			case <-ctrl.Done():
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for session %s: %w", ctrl.SessionID(), ctx.Err())
			}
		})
	}
	return g.Wait()
}

// RecoverQueues drains any persisted queue whose session has no running
// controller. Called once at startup, after collaborators are initialized.
func (r *Registry) RecoverQueues(ctx context.Context, mgr *queue.Manager, processor queue.InputProcessor) {
	for _, sessionID := range mgr.Sessions() {
		if r.IsBatchRunning(sessionID) {
			continue
		}
		r.log.Info("recovering persisted queue", "session", sessionID, "items", mgr.Len(sessionID))
		if err := mgr.ProcessAfterCompletion(ctx, sessionID, r, processor); err != nil {
			r.log.Warn("queue recovery incomplete", "session", sessionID, "error", err)
		}
	}
}
