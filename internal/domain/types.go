package domain

import (
	"maps"
	"strings"
	"time"
)

// UnknownRunID is assigned to records that carry no identifying fields at all.
const UnknownRunID = "unknown-run"

// RunMetadata describes one run as first observed in the audit log.
// Values are treated as immutable; use WithTags to derive an augmented copy.
type RunMetadata struct {
	RunID      string            `json:"run_id"`
	ScenarioID string            `json:"scenario_id,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	Tags       map[string]string `json:"tags"`
}

// WithTags returns a new RunMetadata layering extra onto the existing tags.
// The receiver's tag map is never modified.
func (m RunMetadata) WithTags(extra map[string]string) RunMetadata {
	tags := make(map[string]string, len(m.Tags)+len(extra))
	maps.Copy(tags, m.Tags)
	maps.Copy(tags, extra)
	m.Tags = tags
	return m
}

// EventSource identifies who produced an event payload: the base model, a judge, or the user.
type EventSource struct {
	ModelID  string         `json:"model_id"`
	Provider string         `json:"provider"`
	Mode     string         `json:"mode,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Well-known source providers.
const (
	ProviderPipeline      = "pipeline"
	ProviderAgent         = "cam-agent"
	ProviderExternalJudge = "external-judge"
	ProviderUser          = "user"
)

// Verdict is the outcome of a judgment.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictBlock Verdict = "block"
)

// Severity classifies a violation.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityBlock Severity = "block"
)

// NormalizeSeverity maps producer severities onto the closed Severity set.
// "error" becomes block; anything unrecognized becomes warn.
func NormalizeSeverity(raw string) Severity {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeverityInfo, SeverityWarn, SeverityBlock:
		return s
	case "error":
		return SeverityBlock
	default:
		return SeverityWarn
	}
}

// ViolationDetail captures the classification of a compliance finding.
type ViolationDetail struct {
	Category        string   `json:"category"`
	Severity        Severity `json:"severity"`
	ViolationType   string   `json:"violation_type,omitempty"`
	ClauseReference string   `json:"clause_reference,omitempty"`
	Description     string   `json:"description,omitempty"`
}
