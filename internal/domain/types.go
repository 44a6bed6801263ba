package domain

// RunPhase represents the lifecycle state of a batch run
type RunPhase string

const (
	PhaseIdle        RunPhase = "idle"
	PhaseRunning     RunPhase = "running"
	PhaseErrorPaused RunPhase = "error_paused"
	PhaseStopping    RunPhase = "stopping"
	PhaseStopped     RunPhase = "stopped"
	PhaseFinished    RunPhase = "finished"
)

// IsTerminal returns true if no further task can be dispatched in this phase
func (p RunPhase) IsTerminal() bool {
	return p == PhaseStopped || p == PhaseFinished
}

// AgentErrorKind classifies failures reported by the agent process bridge
type AgentErrorKind string

const (
	ErrorAuth            AgentErrorKind = "auth"
	ErrorRateLimit       AgentErrorKind = "rate_limit"
	ErrorCrash           AgentErrorKind = "crash"
	ErrorMalformedOutput AgentErrorKind = "malformed_output"
	ErrorDocumentAccess  AgentErrorKind = "document_access"
	ErrorUnknown         AgentErrorKind = "unknown"
)

// QueuedItemType distinguishes plain messages from slash commands
type QueuedItemType string

const (
	ItemMessage QueuedItemType = "message"
	ItemCommand QueuedItemType = "command"
)

// UsageStats holds token usage reported by the agent for one task
type UsageStats struct {
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}
