package pipeline

import (
	"context"
	"path/filepath"

	"flowrunner/internal/common/metrics"
	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

const testPipeline = "test"

// CodeTester runs one code snippet at a time on its box.
type CodeTester struct {
	box       Sandbox
	artifacts ArtifactSource
	runtime   string
}

// NewCodeTester creates a tester on box.
func NewCodeTester(box Sandbox, artifacts ArtifactSource, runtime string) *CodeTester {
	return &CodeTester{box: box, artifacts: artifacts, runtime: runtime}
}

// Test checks out a tester and runs the snippet synchronously.
func (p *CodeTestPool) Test(ctx context.Context, req model.CodeTestRequest) (result.ExecutionResult, error) {
	var res result.ExecutionResult
	err := p.pool.Do(ctx, func(ctx context.Context, t *CodeTester) error {
		var err error
		res, err = t.Test(ctx, req)
		return err
	})
	return res, err
}

// Test stages the bundle and input, runs the code runner and collects its files.
func (t *CodeTester) Test(ctx context.Context, req model.CodeTestRequest) (result.ExecutionResult, error) {
	a := req.Artifact
	if a.BundleName == "" {
		return result.ExecutionResult{}, appErr.ValidationError("bundle_name", "required")
	}
	if err := t.box.Reset(ctx); err != nil {
		return result.ExecutionResult{}, err
	}

	rc, err := t.artifacts.Open(ctx, a)
	if err != nil {
		return result.ExecutionResult{}, err
	}
	err = t.box.WriteCode(a.BundleName, rc)
	_ = rc.Close()
	if err != nil {
		return result.ExecutionResult{}, err
	}
	if err := t.box.WriteInput(req.Input); err != nil {
		return result.ExecutionResult{}, err
	}
	runnerName, err := t.box.WriteEngine()
	if err != nil {
		return result.ExecutionResult{}, err
	}

	codePath := filepath.Join(sandbox.CodesDir, a.BundleName+".js")
	if !t.box.Exists(codePath) {
		res := result.InvalidArtifact("bundle " + a.BundleName + " is missing from the sandbox")
		metrics.ExecutionVerdicts.WithLabelValues(testPipeline, string(res.Verdict)).Inc()
		return res, nil
	}

	out, err := t.box.Run(ctx, []string{t.runtime, runnerName, codePath})
	if err != nil {
		return result.ExecutionResult{}, err
	}
	meta, err := t.box.Meta()
	if err != nil {
		return result.ExecutionResult{}, err
	}
	fnOut, err := readOptional(t.box, sandbox.FunctionOutputFile)
	if err != nil {
		return result.ExecutionResult{}, err
	}
	stdout, err := readOptional(t.box, sandbox.StdoutFile)
	if err != nil {
		return result.ExecutionResult{}, err
	}
	stderr, err := readOptional(t.box, sandbox.StderrFile)
	if err != nil {
		return result.ExecutionResult{}, err
	}

	res := result.FromMeta(meta, string(stdout), string(stderr), fnOut)
	metrics.ExecutionVerdicts.WithLabelValues(testPipeline, string(res.Verdict)).Inc()
	metrics.ExecutionDuration.WithLabelValues(testPipeline).Observe(out.Duration.Seconds())
	logger.Info(ctx, "code test finished",
		zap.Int("box_id", t.box.ID()),
		zap.String("bundle", a.BundleName),
		zap.String("verdict", string(res.Verdict)),
	)
	return res, nil
}
