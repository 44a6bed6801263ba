// Package events defines the event stream that decouples the orchestrator
// core from presentation. Consumers subscribe via the Bus; the core never
// imports presentation state.
package events

import (
	"time"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// Event is implemented by all published events
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "run.started"
	EventType() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// RunStartedEvent is emitted when a batch run begins
type RunStartedEvent struct {
	baseEvent
	SessionID     string
	Folder        string
	DocumentCount int
	LoopEnabled   bool
}

// NewRunStartedEvent creates a RunStartedEvent
func NewRunStartedEvent(sessionID, folder string, documentCount int, loopEnabled bool) RunStartedEvent {
	return RunStartedEvent{
		baseEvent:     newBaseEvent("run.started"),
		SessionID:     sessionID,
		Folder:        folder,
		DocumentCount: documentCount,
		LoopEnabled:   loopEnabled,
	}
}

// TaskDispatchedEvent is emitted when a task is handed to the agent bridge
type TaskDispatchedEvent struct {
	baseEvent
	SessionID       string
	DocumentIndex   int
	Filename        string
	TaskDescription string
	LoopIteration   int
}

// NewTaskDispatchedEvent creates a TaskDispatchedEvent
func NewTaskDispatchedEvent(sessionID string, documentIndex int, filename, taskDescription string, loopIteration int) TaskDispatchedEvent {
	return TaskDispatchedEvent{
		baseEvent:       newBaseEvent("task.dispatched"),
		SessionID:       sessionID,
		DocumentIndex:   documentIndex,
		Filename:        filename,
		TaskDescription: taskDescription,
		LoopIteration:   loopIteration,
	}
}

// TaskCompletedEvent is emitted when the bridge reports a task done
type TaskCompletedEvent struct {
	baseEvent
	SessionID       string
	DocumentIndex   int
	TaskDescription string
	CompletedTasks  int
	TotalTasks      int
	Usage           domain.UsageStats
}

// NewTaskCompletedEvent creates a TaskCompletedEvent
func NewTaskCompletedEvent(sessionID string, documentIndex int, taskDescription string, completed, total int, usage domain.UsageStats) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent:       newBaseEvent("task.completed"),
		SessionID:       sessionID,
		DocumentIndex:   documentIndex,
		TaskDescription: taskDescription,
		CompletedTasks:  completed,
		TotalTasks:      total,
		Usage:           usage,
	}
}

// RunPausedEvent is emitted when an agent failure pauses a run
type RunPausedEvent struct {
	baseEvent
	SessionID string
	Error     domain.ErrorState
}

// NewRunPausedEvent creates a RunPausedEvent
func NewRunPausedEvent(sessionID string, errState domain.ErrorState) RunPausedEvent {
	return RunPausedEvent{
		baseEvent: newBaseEvent("run.paused"),
		SessionID: sessionID,
		Error:     errState,
	}
}

// RunResumedEvent is emitted when a paused run resumes after an error
type RunResumedEvent struct {
	baseEvent
	SessionID       string
	DocumentIndex   int
	TaskDescription string
}

// NewRunResumedEvent creates a RunResumedEvent
func NewRunResumedEvent(sessionID string, documentIndex int, taskDescription string) RunResumedEvent {
	return RunResumedEvent{
		baseEvent:       newBaseEvent("run.resumed"),
		SessionID:       sessionID,
		DocumentIndex:   documentIndex,
		TaskDescription: taskDescription,
	}
}

// DocumentSkippedEvent is emitted when a paused run skips its current document
type DocumentSkippedEvent struct {
	baseEvent
	SessionID     string
	DocumentIndex int
	Filename      string
}

// NewDocumentSkippedEvent creates a DocumentSkippedEvent
func NewDocumentSkippedEvent(sessionID string, documentIndex int, filename string) DocumentSkippedEvent {
	return DocumentSkippedEvent{
		baseEvent:     newBaseEvent("document.skipped"),
		SessionID:     sessionID,
		DocumentIndex: documentIndex,
		Filename:      filename,
	}
}

// RunFinishedEvent is emitted when a run reaches a terminal state
type RunFinishedEvent struct {
	baseEvent
	SessionID      string
	CompletedTasks int
	TotalTasks     int
	ElapsedMs      int64
	WasStopped     bool
	ErrorAborted   bool
}

// NewRunFinishedEvent creates a RunFinishedEvent
func NewRunFinishedEvent(sessionID string, completed, total int, elapsed time.Duration, wasStopped, errorAborted bool) RunFinishedEvent {
	return RunFinishedEvent{
		baseEvent:      newBaseEvent("run.finished"),
		SessionID:      sessionID,
		CompletedTasks: completed,
		TotalTasks:     total,
		ElapsedMs:      elapsed.Milliseconds(),
		WasStopped:     wasStopped,
		ErrorAborted:   errorAborted,
	}
}

// QueueItemEnqueuedEvent is emitted when a user message is queued
type QueueItemEnqueuedEvent struct {
	baseEvent
	SessionID string
	ItemID    string
	QueueLen  int
}

// NewQueueItemEnqueuedEvent creates a QueueItemEnqueuedEvent
func NewQueueItemEnqueuedEvent(sessionID, itemID string, queueLen int) QueueItemEnqueuedEvent {
	return QueueItemEnqueuedEvent{
		baseEvent: newBaseEvent("queue.enqueued"),
		SessionID: sessionID,
		ItemID:    itemID,
		QueueLen:  queueLen,
	}
}

// QueueItemProcessedEvent is emitted when a queued item is handed to the
// input processor after a run frees the session.
type QueueItemProcessedEvent struct {
	baseEvent
	SessionID string
	ItemID    string
	Remaining int
}

// NewQueueItemProcessedEvent creates a QueueItemProcessedEvent
func NewQueueItemProcessedEvent(sessionID, itemID string, remaining int) QueueItemProcessedEvent {
	return QueueItemProcessedEvent{
		baseEvent: newBaseEvent("queue.processed"),
		SessionID: sessionID,
		ItemID:    itemID,
		Remaining: remaining,
	}
}

// AchievementUnlockedEvent is emitted when a cumulative threshold is crossed
type AchievementUnlockedEvent struct {
	baseEvent
	SessionID string
	Badge     string
}

// NewAchievementUnlockedEvent creates an AchievementUnlockedEvent
func NewAchievementUnlockedEvent(sessionID, badge string) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		baseEvent: newBaseEvent("achievement.unlocked"),
		SessionID: sessionID,
		Badge:     badge,
	}
}

// PRResultEvent is emitted when post-run pull request creation settles
type PRResultEvent struct {
	baseEvent
	SessionID string
	Success   bool
	PRURL     string
	Error     string
}

// NewPRResultEvent creates a PRResultEvent
func NewPRResultEvent(sessionID string, success bool, prURL, errMsg string) PRResultEvent {
	return PRResultEvent{
		baseEvent: newBaseEvent("pr.result"),
		SessionID: sessionID,
		Success:   success,
		PRURL:     prURL,
		Error:     errMsg,
	}
}

// DocumentChangedEvent is emitted by the folder watcher when a task
// document is edited outside the orchestrator.
type DocumentChangedEvent struct {
	baseEvent
	Folder string
	Files  []string
}

// NewDocumentChangedEvent creates a DocumentChangedEvent
func NewDocumentChangedEvent(folder string, files []string) DocumentChangedEvent {
	return DocumentChangedEvent{
		baseEvent: newBaseEvent("document.changed"),
		Folder:    folder,
		Files:     files,
	}
}
