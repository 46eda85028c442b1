// Package service is the engine facade used by the HTTP and Kafka entry points.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"flowrunner/internal/common/mq"
	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/pipeline"
	"flowrunner/internal/engine/repository"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/contextkey"
	"flowrunner/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlowExecutor runs a flow job on a pooled worker.
type FlowExecutor interface {
	Execute(ctx context.Context, job *pipeline.Job) error
}

// CodeTester runs one snippet synchronously.
type CodeTester interface {
	Test(ctx context.Context, req model.CodeTestRequest) (result.ExecutionResult, error)
}

// Config holds service dependencies.
type Config struct {
	Versions      repository.VersionStore
	Runs          repository.RunLogRepository
	Files         repository.FileStore
	Executions    FlowExecutor
	Tests         CodeTester
	Publisher     mq.Producer
	FinishedTopic string
	// PersistTimeout bounds the failure write issued after a pipeline error.
	PersistTimeout time.Duration
}

// Service runs flows and code tests.
type Service struct {
	versions       repository.VersionStore
	runs           repository.RunLogRepository
	files          repository.FileStore
	executions     FlowExecutor
	tests          CodeTester
	publisher      mq.Producer
	finishedTopic  string
	persistTimeout time.Duration
}

// NewService creates the engine service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Versions == nil {
		return nil, fmt.Errorf("version store is required")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run log repository is required")
	}
	if cfg.Executions == nil {
		return nil, fmt.Errorf("execution pool is required")
	}
	if cfg.Tests == nil {
		return nil, fmt.Errorf("code test pool is required")
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Service{
		versions:       cfg.Versions,
		runs:           cfg.Runs,
		files:          cfg.Files,
		executions:     cfg.Executions,
		tests:          cfg.Tests,
		publisher:      cfg.Publisher,
		finishedTopic:  cfg.FinishedTopic,
		persistTimeout: cfg.PersistTimeout,
	}, nil
}

// ExecuteFlow loads the versions, records a RUNNING run and executes it on the
// calling goroutine. The returned record is the persisted terminal state.
func (s *Service) ExecuteFlow(ctx context.Context, req model.FlowExecutionRequest) (*model.RunRecord, error) {
	if req.FlowVersionID == "" {
		return nil, appErr.ValidationError("flow_version_id", "required")
	}
	if req.CollectionVersionID == "" {
		return nil, appErr.ValidationError("collection_version_id", "required")
	}

	flow, err := s.versions.GetFlowVersion(ctx, req.FlowVersionID)
	if err != nil {
		return nil, err
	}
	collection, err := s.versions.GetCollectionVersion(ctx, req.CollectionVersionID)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.RunID, runID)

	run, err := s.runs.CreateOrUpdate(ctx, &model.RunRecord{
		ID:                  runID,
		ProjectID:           collection.ProjectID,
		CollectionID:        collection.CollectionID,
		FlowVersionID:       flow.ID,
		CollectionVersionID: collection.ID,
		Status:              result.StatusRunning,
		StartTime:           time.Now(),
	}, nil)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "flow run started",
		zap.String("flow_version_id", flow.ID),
		zap.String("collection_version_id", collection.ID),
		zap.Int("code_artifacts", len(flow.CodeArtifacts)),
	)

	job := &pipeline.Job{
		Run:            run,
		Flow:           flow,
		Collection:     collection,
		Configs:        model.MergeConfigs(collection.Configs, req.Configs),
		TriggerPayload: req.TriggerPayload,
	}
	if err := s.executions.Execute(ctx, job); err != nil {
		s.recordFailure(ctx, job.Run, err)
		return nil, err
	}
	s.publishFinished(ctx, job.Run)
	return job.Run, nil
}

// recordFailure marks the run FAILED after a pipeline error so it does not stay RUNNING.
func (s *Service) recordFailure(ctx context.Context, run *model.RunRecord, cause error) {
	verdict := result.VerdictInternalError
	if appErr.Is(cause, appErr.InvalidArtifact) {
		verdict = result.VerdictInvalidArtifact
	}
	finished := time.Now()
	run.Status = result.StatusFailed
	run.Verdict = verdict
	run.ErrorMessage = cause.Error()
	run.DurationMs = finished.Sub(run.StartTime).Milliseconds()
	run.FinishTime = &finished

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if _, err := s.runs.CreateOrUpdate(persistCtx, run, nil); err != nil {
		logger.Error(ctx, "record failed run failed", zap.Error(err), zap.NamedError("cause", cause))
	}
	s.publishFinished(ctx, run)
}

func (s *Service) publishFinished(ctx context.Context, run *model.RunRecord) {
	if s.publisher == nil || s.finishedTopic == "" || run == nil {
		return
	}
	event := model.RunFinishedEvent{
		RunID:      run.ID,
		ProjectID:  run.ProjectID,
		Status:     run.Status,
		Verdict:    run.Verdict,
		DurationMs: run.DurationMs,
		FinishedAt: time.Now().Unix(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "encode run finished event failed", zap.Error(err))
		return
	}
	msg := mq.NewMessage(run.ID, body)
	msg.SetHeader("project_id", run.ProjectID)
	if err := s.publisher.Publish(ctx, s.finishedTopic, msg); err != nil {
		logger.Warn(ctx, "publish run finished event failed", zap.String("topic", s.finishedTopic), zap.Error(err))
	}
}

// GetRun returns a persisted run record.
func (s *Service) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	if id == "" {
		return nil, appErr.ValidationError("run_id", "required")
	}
	return s.runs.GetByID(ctx, id)
}

// TestCode runs one already-stored artifact against input. The bundle name is
// always the source digest; a request naming a different bundle is rejected.
func (s *Service) TestCode(ctx context.Context, req model.CodeTestRequest) (result.ExecutionResult, error) {
	a := &req.Artifact
	var digest string
	switch {
	case a.SourceFileID != "":
		if s.files == nil {
			return result.ExecutionResult{}, appErr.New(appErr.ServiceUnavailable).WithMessage("file store is not configured")
		}
		file, err := s.files.GetFileByID(ctx, a.SourceFileID)
		if err != nil {
			return result.ExecutionResult{}, err
		}
		digest = file.Digest
	case a.SourceDigest != "":
		digest = a.SourceDigest
	default:
		return result.ExecutionResult{}, appErr.ValidationError("source", "source_file_id or source_digest is required")
	}
	if a.BundleName != "" && a.BundleName != digest {
		return result.ExecutionResult{}, appErr.ValidationError("bundle_name", "does not match source")
	}
	a.BundleName = digest
	return s.tests.Test(ctx, req)
}

// Upload is a source archive submitted for an interactive test.
type Upload struct {
	// PreviousFileID is replaced by the new upload when set.
	PreviousFileID string
	Name           string
	Body           io.Reader
	Input          interface{}
}

// UploadResult pairs the stored file with the test outcome.
type UploadResult struct {
	File   *model.File            `json:"file"`
	Result result.ExecutionResult `json:"result"`
}

// TestUpload stores the archive and tests it. The bundle name is the archive
// digest, so re-uploading identical source reuses the cached bundle.
func (s *Service) TestUpload(ctx context.Context, u Upload) (*UploadResult, error) {
	if s.files == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("file store is not configured")
	}
	file, err := s.files.Save(ctx, u.PreviousFileID, u.Name, u.Body)
	if err != nil {
		return nil, err
	}
	res, err := s.tests.Test(ctx, model.CodeTestRequest{
		Artifact: model.CodeArtifact{
			StepName:     "test",
			BundleName:   file.Digest,
			SourceFileID: file.ID,
		},
		Input: u.Input,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{File: file, Result: res}, nil
}
