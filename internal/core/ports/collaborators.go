package ports

import (
	"context"
	"time"
)

// QueryRequest is one user question submitted to the compliance agent.
type QueryRequest struct {
	UserID    string            `json:"user_id"`
	Question  string            `json:"question"`
	SessionID string            `json:"session_id"`
	Channel   string            `json:"channel"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// ModelOutput is the raw answer produced before compliance filtering.
type ModelOutput struct {
	Model            string `json:"model"`
	Prompt           string `json:"prompt"`
	Text             string `json:"text"`
	RetrievalContext string `json:"retrieval_context,omitempty"`
}

// ComplianceIssue is one finding raised by the agent's own compliance screen.
type ComplianceIssue struct {
	Severity   string   `json:"severity"`
	Message    string   `json:"message"`
	RuleID     string   `json:"rule_id"`
	References []string `json:"references"`
}

// AgentResponse is what the agent returns after it has appended its audit record.
type AgentResponse struct {
	FinalText string            `json:"final_text"`
	Action    string            `json:"action"`
	Issues    []ComplianceIssue `json:"issues"`
	RawOutput ModelOutput       `json:"raw_output"`
}

// Agent answers a question for a scenario and appends the interaction to the audit log
// before returning.
type Agent interface {
	HandleRequest(ctx context.Context, scenarioID string, req QueryRequest) (*AgentResponse, error)
}

// JudgeRequest carries everything an external judge sees about one exchange.
type JudgeRequest struct {
	Question         string
	FinalText        string
	RawText          string
	RetrievalContext string
	Digest           string
}

// JudgeResult is a structured judge assessment. Scores range 0-5.
type JudgeResult struct {
	JudgeID     string
	Model       string
	Helpfulness *float64
	Compliance  *float64
	Reasoning   string
	RawText     string
	Latency     time.Duration
}

// Judge evaluates an exchange. A nil result with nil error means the judge abstained.
type Judge interface {
	ID() string
	Evaluate(ctx context.Context, req JudgeRequest) (*JudgeResult, error)
}
