package domain

import "time"

// DocumentRef identifies one task document in a run plan. The same filename
// may appear twice in a plan (two passes); IsDuplicate marks the later
// occurrence so each ref keeps an independent identity.
type DocumentRef struct {
	ID                string `json:"id"`
	Filename          string `json:"filename"`
	ResetOnCompletion bool   `json:"reset_on_completion"`
	IsDuplicate       bool   `json:"is_duplicate"`
}

// RunConfig is the immutable plan for one batch run
type RunConfig struct {
	Documents   []DocumentRef
	LoopEnabled bool
	MaxLoops    int // 0 means unlimited
}

// ErrorState records the failure that paused a run. It stays set until one
// of the recovery operations (skip, resume, abort) clears it.
type ErrorState struct {
	Kind            AgentErrorKind `json:"kind"`
	Detail          string         `json:"detail"`
	DocumentIndex   int            `json:"document_index"`
	TaskDescription string         `json:"task_description"`
}

// BatchRunState is a point-in-time snapshot of one session's run. Snapshots
// are safe to read from any goroutine; the controller owns the live state.
type BatchRunState struct {
	SessionID string   `json:"session_id"`
	Phase     RunPhase `json:"phase"`

	IsRunning  bool `json:"is_running"`
	IsStopping bool `json:"is_stopping"`

	Documents            []DocumentRef `json:"documents"`
	CurrentDocumentIndex int           `json:"current_document_index"`

	CurrentDocTasksCompleted int `json:"current_doc_tasks_completed"`
	CurrentDocTasksTotal     int `json:"current_doc_tasks_total"`
	CompletedTasksAllDocs    int `json:"completed_tasks_all_docs"`
	TotalTasksAllDocs        int `json:"total_tasks_all_docs"`

	LoopEnabled   bool `json:"loop_enabled"`
	LoopIteration int  `json:"loop_iteration"`
	MaxLoops      int  `json:"max_loops"`

	ErrorState *ErrorState `json:"error_state,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
}

// IdleBatchState returns the sentinel snapshot for a session with no run
func IdleBatchState(sessionID string) BatchRunState {
	return BatchRunState{SessionID: sessionID, Phase: PhaseIdle}
}

// RunOutcome describes a terminal run for the completion reporter
type RunOutcome struct {
	SessionID      string
	Folder         string
	CompletedTasks int
	TotalTasks     int
	LoopIterations int
	Elapsed        time.Duration
	WasStopped     bool
	ErrorAborted   bool
	ErrorDetail    string
	Usage          UsageStats
}

// Document is a task document as read from the store. Counts reflect the
// file content at read time; callers must re-read before branching on them.
type Document struct {
	Content        string
	CompletedCount int
	TotalCount     int
}

// SpawnConfig carries per-spawn settings into the agent process bridge
type SpawnConfig struct {
	WorkDir      string
	ReadOnlyMode bool

	// Async result callbacks, invoked exactly once per spawned process
	OnTaskComplete func(usage UsageStats)
	OnAgentError   func(kind AgentErrorKind, detail string)
}
