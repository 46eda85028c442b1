// Package model defines the data exchanged between the engine, its callers and its stores.
package model

import (
	"encoding/json"
	"time"

	"flowrunner/internal/engine/sandbox/result"
)

// FlowVersion is an immutable snapshot of a flow definition.
type FlowVersion struct {
	ID            string          `json:"id"`
	FlowID        string          `json:"flow_id"`
	DisplayName   string          `json:"display_name"`
	Snapshot      json.RawMessage `json:"snapshot"`
	CodeArtifacts []CodeArtifact  `json:"code_artifacts"`
}

// CollectionVersion is an immutable snapshot of a collection and its variable configs.
type CollectionVersion struct {
	ID           string                 `json:"id"`
	CollectionID string                 `json:"collection_id"`
	ProjectID    string                 `json:"project_id"`
	Snapshot     json.RawMessage        `json:"snapshot"`
	Configs      map[string]interface{} `json:"configs"`
}

// FlowExecutionRequest asks for one full flow run.
type FlowExecutionRequest struct {
	RunID               string                 `json:"run_id,omitempty"`
	FlowVersionID       string                 `json:"flow_version_id"`
	CollectionVersionID string                 `json:"collection_version_id"`
	Configs             map[string]interface{} `json:"configs,omitempty"`
	TriggerPayload      interface{}            `json:"trigger_payload,omitempty"`
}

// CodeTestRequest asks for one ad-hoc snippet run.
type CodeTestRequest struct {
	Artifact CodeArtifact `json:"artifact"`
	Input    interface{}  `json:"input"`
}

// RunRecord is the persisted state of one flow run.
type RunRecord struct {
	ID                  string                 `json:"id"`
	ProjectID           string                 `json:"project_id"`
	CollectionID        string                 `json:"collection_id"`
	FlowVersionID       string                 `json:"flow_version_id"`
	CollectionVersionID string                 `json:"collection_version_id"`
	Status              result.ExecutionStatus `json:"status"`
	Verdict             result.Verdict         `json:"verdict,omitempty"`
	Output              interface{}            `json:"output,omitempty"`
	ErrorMessage        string                 `json:"error_message,omitempty"`
	DurationMs          int64                  `json:"duration_ms"`
	StartTime           time.Time              `json:"start_time"`
	FinishTime          *time.Time             `json:"finish_time,omitempty"`
}

// ExecutionOutput is the engine's output.json after a full flow run.
type ExecutionOutput struct {
	Status         result.ExecutionStatus `json:"status"`
	Duration       int64                  `json:"duration"`
	Output         interface{}            `json:"output"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	ExecutionState json.RawMessage        `json:"executionState"`
}

// ExecutionContext is staged as context.json for the engine.
type ExecutionContext struct {
	RunID               string `json:"runId"`
	ProjectID           string `json:"projectId"`
	CollectionID        string `json:"collectionId"`
	FlowVersionID       string `json:"flowVersionId"`
	CollectionVersionID string `json:"collectionVersionId"`
	APIURL              string `json:"apiUrl"`
}

// RunFinishedEvent is published once a run reaches a terminal state.
type RunFinishedEvent struct {
	RunID      string                 `json:"run_id"`
	ProjectID  string                 `json:"project_id"`
	Status     result.ExecutionStatus `json:"status"`
	Verdict    result.Verdict         `json:"verdict"`
	DurationMs int64                  `json:"duration_ms"`
	FinishedAt int64                  `json:"finished_at"`
}

// MergeConfigs overlays overrides on base without mutating either.
func MergeConfigs(base, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
