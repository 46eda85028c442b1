package pipeline

import (
	"context"
	"fmt"
	"time"

	"flowrunner/internal/engine/pool"
	"flowrunner/internal/engine/process"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config sizes the execution and test pools and describes what they run.
type Config struct {
	Workers             int           `yaml:"workers"`
	TestWorkers         int           `yaml:"testWorkers"`
	CheckoutTimeout     time.Duration `yaml:"checkoutTimeout"`
	TestCheckoutTimeout time.Duration `yaml:"testCheckoutTimeout"`

	// Runtime is the interpreter used inside the box.
	Runtime        string `yaml:"runtime"`
	CodeRunnerPath string `yaml:"codeRunnerPath"`
	CallbackURL    string `yaml:"callbackUrl"`
	APIURL         string `yaml:"apiUrl"`

	TokenSecret string        `yaml:"tokenSecret"`
	TokenIssuer string        `yaml:"tokenIssuer"`
	TokenTTL    time.Duration `yaml:"tokenTTL"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TestWorkers <= 0 {
		c.TestWorkers = 2
	}
	if c.TestCheckoutTimeout <= 0 {
		c.TestCheckoutTimeout = 30 * time.Second
	}
	if c.Runtime == "" {
		c.Runtime = "/usr/bin/node"
	}
	if c.TokenIssuer == "" {
		c.TokenIssuer = "flowrunner"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 15 * time.Minute
	}
}

// Deps are the collaborators shared by every worker.
type Deps struct {
	Artifacts   ArtifactSource
	RunLog      RunLog
	Credentials *Credentials
}

// ExecutionPool bounds concurrent flow executions.
type ExecutionPool struct {
	pool *pool.Pool[*Worker]
}

// NewExecutionPool creates cfg.Workers workers on boxes 0..Workers-1, each with
// the prepare, stage, execute and persist steps.
func NewExecutionPool(cfg Config, boxCfg sandbox.Config, runner process.Runner, deps Deps) (*ExecutionPool, error) {
	cfg.ApplyDefaults()
	if deps.Artifacts == nil || deps.RunLog == nil || deps.Credentials == nil {
		return nil, fmt.Errorf("artifacts, run log and credentials are required")
	}
	workers := make([]*Worker, cfg.Workers)
	for i := range workers {
		workers[i] = NewWorker(sandbox.New(i, boxCfg, runner),
			PrepareStep{},
			&StageStep{
				Artifacts:   deps.Artifacts,
				Credentials: deps.Credentials,
				CallbackURL: cfg.CallbackURL,
				APIURL:      cfg.APIURL,
			},
			&ExecuteStep{Runtime: cfg.Runtime},
			&PersistStep{RunLog: deps.RunLog},
		)
	}
	return NewExecutionPoolWithWorkers(workers, cfg.CheckoutTimeout)
}

// NewExecutionPoolWithWorkers wraps prebuilt workers.
func NewExecutionPoolWithWorkers(workers []*Worker, checkoutTimeout time.Duration) (*ExecutionPool, error) {
	p, err := pool.New(executionPipeline, workers, pool.WithCheckoutTimeout(checkoutTimeout))
	if err != nil {
		return nil, err
	}
	return &ExecutionPool{pool: p}, nil
}

// Execute checks out a worker, runs the job on it and returns the worker.
// It blocks on the calling goroutine until a worker is free.
func (p *ExecutionPool) Execute(ctx context.Context, job *Job) error {
	return p.pool.Do(ctx, func(ctx context.Context, w *Worker) error {
		return w.Execute(ctx, job)
	})
}

// Size returns the pool capacity.
func (p *ExecutionPool) Size() int { return p.pool.Size() }

// InUse returns the number of busy workers.
func (p *ExecutionPool) InUse() int { return p.pool.InUse() }

// Shutdown cleans every box. Call only once no executions are in flight.
func (p *ExecutionPool) Shutdown(ctx context.Context) {
	for _, w := range p.pool.Slots() {
		cleanBox(ctx, w.Box)
	}
}

// CodeTestPool bounds concurrent snippet tests.
type CodeTestPool struct {
	pool *pool.Pool[*CodeTester]
}

// NewCodeTestPool creates cfg.TestWorkers testers on the boxes following the
// execution boxes, so the two pools never share an isolate box id.
func NewCodeTestPool(cfg Config, boxCfg sandbox.Config, runner process.Runner, artifacts ArtifactSource) (*CodeTestPool, error) {
	cfg.ApplyDefaults()
	if artifacts == nil {
		return nil, fmt.Errorf("artifacts are required")
	}
	if cfg.CodeRunnerPath != "" {
		boxCfg.EnginePath = cfg.CodeRunnerPath
	}
	testers := make([]*CodeTester, cfg.TestWorkers)
	for i := range testers {
		box := sandbox.New(cfg.Workers+i, boxCfg, runner)
		testers[i] = NewCodeTester(box, artifacts, cfg.Runtime)
	}
	return NewCodeTestPoolWithTesters(testers, cfg.TestCheckoutTimeout)
}

// NewCodeTestPoolWithTesters wraps prebuilt testers.
func NewCodeTestPoolWithTesters(testers []*CodeTester, checkoutTimeout time.Duration) (*CodeTestPool, error) {
	p, err := pool.New(testPipeline, testers, pool.WithCheckoutTimeout(checkoutTimeout))
	if err != nil {
		return nil, err
	}
	return &CodeTestPool{pool: p}, nil
}

// Size returns the pool capacity.
func (p *CodeTestPool) Size() int { return p.pool.Size() }

// InUse returns the number of busy testers.
func (p *CodeTestPool) InUse() int { return p.pool.InUse() }

// Shutdown cleans every box. Call only once no tests are in flight.
func (p *CodeTestPool) Shutdown(ctx context.Context) {
	for _, t := range p.pool.Slots() {
		cleanBox(ctx, t.box)
	}
}

type cleaner interface {
	Clean(ctx context.Context) error
}

func cleanBox(ctx context.Context, box Sandbox) {
	c, ok := box.(cleaner)
	if !ok {
		return
	}
	if err := c.Clean(ctx); err != nil {
		logger.Warn(ctx, "sandbox cleanup failed", zap.Int("box_id", box.ID()), zap.Error(err))
	}
}
