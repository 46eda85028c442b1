package pipeline

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"flowrunner/internal/common/metrics"
	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

const executionPipeline = "execution"

// PrepareStep cleans and re-initializes the box so nothing from the previous run survives.
type PrepareStep struct{}

func (PrepareStep) Name() string { return "prepare" }

func (PrepareStep) Run(ctx context.Context, box Sandbox, job *Job) error {
	return box.Reset(ctx)
}

// StageStep materializes every input the engine reads.
type StageStep struct {
	Artifacts   ArtifactSource
	Credentials *Credentials
	CallbackURL string
	APIURL      string
}

func (s *StageStep) Name() string { return "stage" }

func (s *StageStep) Run(ctx context.Context, box Sandbox, job *Job) error {
	if job.Flow == nil || job.Collection == nil || job.Run == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("job is missing flow, collection or run")
	}

	seen := make(map[string]struct{}, len(job.Flow.CodeArtifacts))
	for _, a := range job.Flow.CodeArtifacts {
		if _, ok := seen[a.BundleName]; ok {
			continue
		}
		seen[a.BundleName] = struct{}{}
		if err := s.stageCode(ctx, box, a); err != nil {
			return err
		}
		job.Bundles = append(job.Bundles, a.BundleName)
	}

	if err := box.WriteFlow(job.Flow.ID, job.Flow.Snapshot); err != nil {
		return err
	}
	if err := box.WriteCollection(job.Collection.ID, job.Collection.Snapshot); err != nil {
		return err
	}
	if err := box.WriteContext(model.ExecutionContext{
		RunID:               job.Run.ID,
		ProjectID:           job.Collection.ProjectID,
		CollectionID:        job.Collection.CollectionID,
		FlowVersionID:       job.Flow.ID,
		CollectionVersionID: job.Collection.ID,
		APIURL:              s.APIURL,
	}); err != nil {
		return err
	}
	if err := box.WriteConfigs(job.Configs); err != nil {
		return err
	}
	if err := box.WriteTriggerPayload(job.TriggerPayload); err != nil {
		return err
	}

	token, err := s.Credentials.Mint(job.Collection.ProjectID, job.Collection.CollectionID)
	if err != nil {
		return err
	}
	if err := box.WriteEntryPoint(sandbox.EntryPoint{
		FlowVersionID:       job.Flow.ID,
		CollectionVersionID: job.Collection.ID,
		CallbackURL:         s.CallbackURL,
		WorkerToken:         token,
	}); err != nil {
		return err
	}

	engine, err := box.WriteEngine()
	if err != nil {
		return err
	}
	job.Engine = engine
	return nil
}

func (s *StageStep) stageCode(ctx context.Context, box Sandbox, a model.CodeArtifact) error {
	rc, err := s.Artifacts.Open(ctx, a)
	if err != nil {
		return err
	}
	defer rc.Close()
	return box.WriteCode(a.BundleName, rc)
}

// ExecuteStep runs the engine on the staged entry point and reads back the result.
type ExecuteStep struct {
	Runtime string
}

func (s *ExecuteStep) Name() string { return "execute" }

func (s *ExecuteStep) Run(ctx context.Context, box Sandbox, job *Job) error {
	for _, bundle := range job.Bundles {
		rel := filepath.Join(sandbox.CodesDir, bundle+".js")
		if !box.Exists(rel) {
			return appErr.Newf(appErr.InvalidArtifact, "bundle %s was not staged", bundle).
				WithDetail("bundle", bundle)
		}
	}
	if job.Engine == "" || !box.Exists(job.Engine) {
		return appErr.New(appErr.InvalidArtifact).WithMessage("engine entry file was not staged")
	}

	out, err := box.Run(ctx, []string{s.Runtime, job.Engine})
	if err != nil {
		return err
	}
	meta, err := box.Meta()
	if err != nil {
		return err
	}

	stdout, err := readOptional(box, sandbox.StdoutFile)
	if err != nil {
		return err
	}
	stderr, err := readOptional(box, sandbox.StderrFile)
	if err != nil {
		return err
	}
	res := result.FromMeta(meta, string(stdout), string(stderr), nil)

	raw, err := readOptional(box, sandbox.OutputFile)
	if err != nil {
		return err
	}
	status := res.Status()
	durationMs := out.Duration.Milliseconds()
	switch {
	case raw == nil:
		if status == result.StatusSucceeded {
			status = result.StatusFailed
			res.ErrorMessage = "engine exited without writing " + sandbox.OutputFile
		}
	default:
		var output model.ExecutionOutput
		if err := json.Unmarshal(raw, &output); err != nil {
			status = result.StatusFailed
			res.ErrorMessage = "malformed " + sandbox.OutputFile + ": " + err.Error()
			res.Output = string(raw)
			break
		}
		job.Output = &output
		res.Output = output.Output
		if res.ErrorMessage == "" {
			res.ErrorMessage = output.ErrorMessage
		}
		if status == result.StatusSucceeded && output.Status == result.StatusFailed {
			status = result.StatusFailed
		}
		if output.Duration > 0 {
			durationMs = output.Duration
		}
	}
	job.Result = res

	finished := time.Now()
	job.Run.Status = status
	job.Run.Verdict = res.Verdict
	job.Run.Output = res.Output
	job.Run.ErrorMessage = res.ErrorMessage
	job.Run.DurationMs = durationMs
	job.Run.FinishTime = &finished

	metrics.ExecutionVerdicts.WithLabelValues(executionPipeline, string(res.Verdict)).Inc()
	metrics.ExecutionDuration.WithLabelValues(executionPipeline).Observe(out.Duration.Seconds())
	logger.Info(ctx, "flow run finished",
		zap.Int("box_id", box.ID()),
		zap.String("verdict", string(res.Verdict)),
		zap.String("status", string(status)),
		zap.Int64("duration_ms", durationMs),
	)
	return nil
}

// PersistStep writes the finished run record through the run log.
type PersistStep struct {
	RunLog RunLog
}

func (s *PersistStep) Name() string { return "persist" }

func (s *PersistStep) Run(ctx context.Context, box Sandbox, job *Job) error {
	var state json.RawMessage
	if job.Output != nil {
		state = job.Output.ExecutionState
	}
	saved, err := s.RunLog.CreateOrUpdate(ctx, job.Run, state)
	if err != nil {
		return err
	}
	job.Run = saved
	return nil
}

// readOptional returns nil content when the file does not exist.
func readOptional(box Sandbox, rel string) ([]byte, error) {
	data, err := box.ReadFile(rel)
	if err != nil {
		if appErr.Is(err, appErr.FileNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
