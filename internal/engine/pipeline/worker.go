// Package pipeline runs flow executions and code tests on pooled sandbox workers.
package pipeline

import (
	"context"
	"encoding/json"
	"io"

	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/process"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/internal/engine/sandbox/result"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// Sandbox is the part of sandbox.Box the pipeline drives.
type Sandbox interface {
	ID() int
	Reset(ctx context.Context) error
	WriteCode(bundleName string, r io.Reader) error
	WriteFlow(flowVersionID string, snapshot interface{}) error
	WriteCollection(collectionVersionID string, snapshot interface{}) error
	WriteConfigs(configs interface{}) error
	WriteContext(execCtx interface{}) error
	WriteTriggerPayload(payload interface{}) error
	WriteEntryPoint(entry sandbox.EntryPoint) error
	WriteInput(input interface{}) error
	WriteEngine() (string, error)
	Run(ctx context.Context, entry []string) (process.Output, error)
	Meta() (map[string]string, error)
	ReadFile(rel string) ([]byte, error)
	Exists(rel string) bool
}

// ArtifactSource opens the bundle for an artifact, building it if needed.
type ArtifactSource interface {
	Open(ctx context.Context, a model.CodeArtifact) (io.ReadCloser, error)
}

// RunLog persists run records.
type RunLog interface {
	CreateOrUpdate(ctx context.Context, run *model.RunRecord, state json.RawMessage) (*model.RunRecord, error)
}

// Job carries one flow execution through the steps of a worker.
type Job struct {
	Run            *model.RunRecord
	Flow           *model.FlowVersion
	Collection     *model.CollectionVersion
	Configs        map[string]interface{}
	TriggerPayload interface{}

	// Set by StageStep.
	Engine  string
	Bundles []string

	// Set by ExecuteStep.
	Result result.ExecutionResult
	Output *model.ExecutionOutput
}

// Step is one stage of the flow pipeline. A step error aborts the steps after it.
type Step interface {
	Name() string
	Run(ctx context.Context, box Sandbox, job *Job) error
}

// Worker pairs one sandbox with the ordered steps run against it.
type Worker struct {
	Box   Sandbox
	Steps []Step
}

// NewWorker creates a worker running steps in order on box.
func NewWorker(box Sandbox, steps ...Step) *Worker {
	return &Worker{Box: box, Steps: steps}
}

// Execute runs every step in order and stops at the first failure.
func (w *Worker) Execute(ctx context.Context, job *Job) error {
	for _, step := range w.Steps {
		if err := step.Run(ctx, w.Box, job); err != nil {
			logger.Warn(ctx, "pipeline step failed",
				zap.String("step", step.Name()),
				zap.Int("box_id", w.Box.ID()),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}
