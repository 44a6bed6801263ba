// Package report converts terminal run outcomes into durable history rows,
// achievement deltas, notifications, and an optional pull request, then
// signals the session's queue to drain.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
	"github.com/fluxdesk/autorun-orchestrator/internal/events"
	"github.com/fluxdesk/autorun-orchestrator/internal/notify"
	"github.com/fluxdesk/autorun-orchestrator/internal/queue"
)

// HistoryStore is the persistence surface the reporter needs
type HistoryStore interface {
	SaveRun(outcome domain.RunOutcome) error
	TotalCompletedTasks() (int, error)
	TotalFocusTime() (time.Duration, error)
	UnlockAchievement(badge string) (bool, error)
}

// PRMaker opens a pull request for a finished run
type PRMaker interface {
	Create(ctx context.Context, outcome domain.RunOutcome) (string, error)
}

// Deps are the reporter's collaborators. Queue draining needs the checker
// (normally the registry) and the processor that handles drained items.
type Deps struct {
	Store    HistoryStore
	Notifier notify.Notifier
	Bus      *events.Bus
	Log      *slog.Logger

	Queue     *queue.Manager
	Checker   queue.RunChecker
	Processor queue.InputProcessor

	PRCreator PRMaker // nil disables PR creation
}

// Reporter handles everything that happens after a run reaches stopped or
// finished.
type Reporter struct {
	store     HistoryStore
	notifier  notify.Notifier
	bus       *events.Bus
	log       *slog.Logger
	queue     *queue.Manager
	checker   queue.RunChecker
	processor queue.InputProcessor
	prCreator PRMaker
}

// New creates a reporter
func New(deps Deps) *Reporter {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	return &Reporter{
		store:     deps.Store,
		notifier:  deps.Notifier,
		bus:       deps.Bus,
		log:       deps.Log,
		queue:     deps.Queue,
		checker:   deps.Checker,
		processor: deps.Processor,
		prCreator: deps.PRCreator,
	}
}

// Report processes one terminal outcome. Persistence, achievements,
// notification and PR failures are logged, never propagated: the queue
// drain at the end must always run.
func (r *Reporter) Report(ctx context.Context, outcome domain.RunOutcome) {
	if r.store != nil {
		if err := r.store.SaveRun(outcome); err != nil {
			r.log.Error("saving run history", "session", outcome.SessionID, "error", err)
		} else if badges, err := r.unlockAchievements(); err != nil {
			r.log.Warn("checking achievements", "error", err)
		} else {
			for _, badge := range badges {
				r.log.Info("achievement unlocked", "badge", badge)
				if r.bus != nil {
					r.bus.Publish(events.NewAchievementUnlockedEvent(outcome.SessionID, badge))
				}
			}
		}
	}

	if err := r.notifier.Send(r.buildNotification(outcome)); err != nil {
		r.log.Warn("sending notification", "session", outcome.SessionID, "error", err)
	}

	if r.prCreator != nil && !outcome.WasStopped && outcome.CompletedTasks > 0 {
		r.createPR(ctx, outcome)
	}

	if r.queue != nil && r.processor != nil {
		if err := r.queue.ProcessAfterCompletion(ctx, outcome.SessionID, r.checker, r.processor); err != nil {
			r.log.Warn("draining queue", "session", outcome.SessionID, "error", err)
		}
	}
}

func (r *Reporter) createPR(ctx context.Context, outcome domain.RunOutcome) {
	url, err := r.prCreator.Create(ctx, outcome)
	if err != nil {
		r.log.Warn("creating pull request", "session", outcome.SessionID, "error", err)
		if r.bus != nil {
			r.bus.Publish(events.NewPRResultEvent(outcome.SessionID, false, "", err.Error()))
		}
		return
	}

	r.log.Info("pull request created", "session", outcome.SessionID, "url", url)
	if r.bus != nil {
		r.bus.Publish(events.NewPRResultEvent(outcome.SessionID, true, url, ""))
	}
	r.notifier.Send(notify.Notification{
		Title:     "Pull request created",
		Message:   url,
		Type:      notify.NotifySuccess,
		SessionID: outcome.SessionID,
		PRURL:     url,
	})
}

func (r *Reporter) buildNotification(outcome domain.RunOutcome) notify.Notification {
	progress := fmt.Sprintf("%d/%d tasks in %s",
		outcome.CompletedTasks, outcome.TotalTasks, outcome.Elapsed.Round(time.Second))

	switch {
	case outcome.ErrorAborted:
		return notify.Notification{
			Title:     "Batch run aborted",
			Message:   fmt.Sprintf("%s: %s", progress, outcome.ErrorDetail),
			Type:      notify.NotifyError,
			SessionID: outcome.SessionID,
		}
	case outcome.WasStopped:
		return notify.Notification{
			Title:     "Batch run stopped",
			Message:   progress,
			Type:      notify.NotifyWarning,
			SessionID: outcome.SessionID,
		}
	default:
		return notify.Notification{
			Title:     "Batch run finished",
			Message:   progress,
			Type:      notify.NotifySuccess,
			SessionID: outcome.SessionID,
		}
	}
}
