package batchrun

import (
	"sync"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// snapshot holds the last published BatchRunState. It exists so State() can
// be called from any goroutine without touching the dispatch loop's state.
type snapshot struct {
	mu    sync.Mutex
	state domain.BatchRunState
}

// publishState copies the loop-local state into the shared snapshot.
// Called only from the dispatch loop (and once from Start before it runs).
func (c *Controller) publishState() {
	state := domain.BatchRunState{
		SessionID:  c.sessionID,
		Phase:      c.phase,
		IsRunning:  c.phase == domain.PhaseRunning || c.phase == domain.PhaseStopping,
		IsStopping: c.phase == domain.PhaseStopping,

		Documents:            c.cfg.Documents,
		CurrentDocumentIndex: c.docIndex,

		CurrentDocTasksCompleted: c.curCompleted,
		CurrentDocTasksTotal:     c.curTotal,
		CompletedTasksAllDocs:    c.completedAll,
		TotalTasksAllDocs:        c.totalAll,

		LoopEnabled:   c.cfg.LoopEnabled,
		LoopIteration: c.loopIteration,
		MaxLoops:      c.cfg.MaxLoops,

		StartedAt: c.startedAt,
	}
	if c.errorState != nil {
		errCopy := *c.errorState
		state.ErrorState = &errCopy
	}

	c.snap.mu.Lock()
	c.snap.state = state
	c.snap.mu.Unlock()
}

// State returns a point-in-time snapshot of the run
func (c *Controller) State() domain.BatchRunState {
	c.snap.mu.Lock()
	defer c.snap.mu.Unlock()

	state := c.snap.state
	if state.ErrorState != nil {
		errCopy := *state.ErrorState
		state.ErrorState = &errCopy
	}
	return state
}
