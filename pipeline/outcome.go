// ABOUTME: Outcome record returned by stage handlers, plus the status.json round-trip.
// ABOUTME: Status files carry canonical snake_case keys and legacy camelCase keys side by side.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StageStatus is the result classification of one stage execution.
type StageStatus string

const (
	StatusSuccess StageStatus = "success"
	StatusFail    StageStatus = "fail"
	StatusRetry   StageStatus = "retry"
	StatusSkip    StageStatus = "skip"
)

// ParseStageStatus normalizes a status string, accepting common synonyms.
func ParseStageStatus(s string) (StageStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		return StatusSuccess, nil
	case "fail", "failure", "error":
		return StatusFail, nil
	case "retry":
		return StatusRetry, nil
	case "skip", "skipped":
		return StatusSkip, nil
	case "":
		return "", fmt.Errorf("invalid stage status: empty string")
	default:
		return "", fmt.Errorf("invalid stage status %q", s)
	}
}

// Outcome is the record a handler returns to summarize a stage execution.
// FailureReason is required on fail and retry.
type Outcome struct {
	Status           StageStatus
	PreferredLabel   string
	SuggestedNextIDs []string
	ContextUpdates   map[string]Value
	Notes            string
	FailureReason    string
}

// Validate checks the outcome contract: a known status, and a non-empty
// failure reason on fail/retry.
func (o *Outcome) Validate() error {
	if _, err := ParseStageStatus(string(o.Status)); err != nil {
		return err
	}
	if (o.Status == StatusFail || o.Status == StatusRetry) && strings.TrimSpace(o.FailureReason) == "" {
		return fmt.Errorf("failure_reason must be non-empty when status=%q", o.Status)
	}
	return nil
}

// Equal compares outcomes field by field, treating nil and empty
// collections as equal.
func (o *Outcome) Equal(other *Outcome) bool {
	if o.Status != other.Status || o.PreferredLabel != other.PreferredLabel ||
		o.Notes != other.Notes || o.FailureReason != other.FailureReason {
		return false
	}
	if len(o.SuggestedNextIDs) != len(other.SuggestedNextIDs) {
		return false
	}
	for i := range o.SuggestedNextIDs {
		if o.SuggestedNextIDs[i] != other.SuggestedNextIDs[i] {
			return false
		}
	}
	if len(o.ContextUpdates) != len(other.ContextUpdates) {
		return false
	}
	for k, v := range o.ContextUpdates {
		ov, ok := other.ContextUpdates[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalStatusFile renders the status.json payload. Canonical snake_case
// keys are the public contract; legacy camelCase keys are emitted alongside
// for older readers. Empty optional fields are omitted from both families.
func (o *Outcome) MarshalStatusFile() ([]byte, error) {
	suggested := o.SuggestedNextIDs
	if suggested == nil {
		suggested = []string{}
	}
	updates := o.ContextUpdates
	if updates == nil {
		updates = map[string]Value{}
	}

	payload := map[string]any{
		"outcome":            string(o.Status),
		"suggested_next_ids": suggested,
		"context_updates":    updates,
		"notes":              o.Notes,
		"status":             string(o.Status),
		"suggestedNextIds":   suggested,
		"contextUpdates":     updates,
	}
	if o.PreferredLabel != "" {
		payload["preferred_next_label"] = o.PreferredLabel
		payload["preferredLabel"] = o.PreferredLabel
	}
	if o.FailureReason != "" {
		payload["failure_reason"] = o.FailureReason
		payload["failureReason"] = o.FailureReason
	}

	return json.MarshalIndent(payload, "", "  ")
}

// statusFileFields is the superset of canonical and legacy key spellings.
// Canonical keys win when both are present; unknown keys are ignored.
type statusFileFields struct {
	Outcome            *string          `json:"outcome"`
	PreferredNextLabel *string          `json:"preferred_next_label"`
	SuggestedNextIDs   []string         `json:"suggested_next_ids"`
	ContextUpdates     map[string]Value `json:"context_updates"`
	Notes              *string          `json:"notes"`
	FailureReason      *string          `json:"failure_reason"`

	LegacyStatus           *string          `json:"status"`
	LegacyPreferredLabel   *string          `json:"preferredLabel"`
	LegacySuggestedNextIDs []string         `json:"suggestedNextIds"`
	LegacyContextUpdates   map[string]Value `json:"contextUpdates"`
	LegacyFailureReason    *string          `json:"failureReason"`
}

// ParseStatusFile decodes a status.json payload. Invalid JSON, a missing
// status, or an unparseable status yields the caller-supplied fallback.
func ParseStatusFile(data []byte, fallback *Outcome) *Outcome {
	var fields statusFileFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fallback
	}

	statusStr := ""
	switch {
	case fields.Outcome != nil:
		statusStr = *fields.Outcome
	case fields.LegacyStatus != nil:
		statusStr = *fields.LegacyStatus
	}
	status, err := ParseStageStatus(statusStr)
	if err != nil {
		return fallback
	}

	o := &Outcome{Status: status}

	switch {
	case fields.PreferredNextLabel != nil:
		o.PreferredLabel = *fields.PreferredNextLabel
	case fields.LegacyPreferredLabel != nil:
		o.PreferredLabel = *fields.LegacyPreferredLabel
	}
	switch {
	case fields.SuggestedNextIDs != nil:
		o.SuggestedNextIDs = fields.SuggestedNextIDs
	case fields.LegacySuggestedNextIDs != nil:
		o.SuggestedNextIDs = fields.LegacySuggestedNextIDs
	}
	switch {
	case fields.ContextUpdates != nil:
		o.ContextUpdates = fields.ContextUpdates
	case fields.LegacyContextUpdates != nil:
		o.ContextUpdates = fields.LegacyContextUpdates
	}
	if fields.Notes != nil {
		o.Notes = *fields.Notes
	}
	switch {
	case fields.FailureReason != nil:
		o.FailureReason = *fields.FailureReason
	case fields.LegacyFailureReason != nil:
		o.FailureReason = *fields.LegacyFailureReason
	}

	return o
}

// WriteStatusFile persists the outcome to <logsRoot>/<nodeID>/status.json,
// creating the stage directory as needed. The write overwrites and is
// idempotent; there is one writer per stage directory.
func WriteStatusFile(logsRoot, nodeID string, o *Outcome) error {
	dir := filepath.Join(logsRoot, sanitizeNodeID(nodeID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stage log dir: %w", err)
	}
	data, err := o.MarshalStatusFile()
	if err != nil {
		return fmt.Errorf("marshal status file: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "status.json"), data, 0o644)
}

// ReadStatusFile loads a stage's status.json, returning fallback when the
// file is missing or unreadable.
func ReadStatusFile(logsRoot, nodeID string, fallback *Outcome) *Outcome {
	data, err := os.ReadFile(filepath.Join(logsRoot, sanitizeNodeID(nodeID), "status.json"))
	if err != nil {
		return fallback
	}
	return ParseStatusFile(data, fallback)
}

// sanitizeNodeID replaces path separators and traversal sequences so node
// IDs are safe as directory names.
func sanitizeNodeID(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return r.Replace(id)
}
