package bridge

import (
	"encoding/json"
	"strings"

	"github.com/fluxdesk/autorun-orchestrator/internal/domain"
)

// agentErrorMessage is the error shape the agent CLI emits in stream-json
type agentErrorMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   struct {
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`
}

// classifyAgentError maps a process failure to an error kind the controller
// can act on. It scans the tail of the output for structured error messages
// before falling back to the exec error itself.
func classifyAgentError(execErr error, output []string) (domain.AgentErrorKind, string) {
	detail := extractErrorDetail(output)
	if detail == "" && execErr != nil {
		detail = execErr.Error()
	}

	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "authentication"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "not logged in"):
		return domain.ErrorAuth, detail
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "overloaded"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "usage limit"):
		return domain.ErrorRateLimit, detail
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "no such file"):
		return domain.ErrorDocumentAccess, detail
	case strings.Contains(lower, "unexpected end of json"),
		strings.Contains(lower, "invalid character"):
		return domain.ErrorMalformedOutput, detail
	case execErr != nil:
		return domain.ErrorCrash, detail
	}
	return domain.ErrorUnknown, detail
}

// extractErrorDetail scans the last lines of output for an error message
func extractErrorDetail(output []string) string {
	start := len(output) - 20
	if start < 0 {
		start = 0
	}

	// Walk backwards so the most recent error wins
	for i := len(output) - 1; i >= start; i-- {
		line := strings.TrimSpace(output[i])
		if line == "" {
			continue
		}

		var msg agentErrorMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Plain-text stderr lines are detail too
			if !strings.HasPrefix(line, "{") {
				return line
			}
			continue
		}
		if msg.Error.Message != "" {
			return msg.Error.Message
		}
		if msg.IsError && msg.Result != "" {
			return msg.Result
		}
	}
	return ""
}
