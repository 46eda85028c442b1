// Package builder turns uploaded source archives into single-file JavaScript bundles.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flowrunner/internal/engine/pool"
	"flowrunner/internal/engine/process"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config controls build slots and the toolchain they run.
type Config struct {
	Root            string        `yaml:"root"`
	Slots           int           `yaml:"slots"`
	InstallCommand  string        `yaml:"installCommand"`
	BundleCommand   string        `yaml:"bundleCommand"`
	Env             []string      `yaml:"env"`
	StepTimeout     time.Duration `yaml:"stepTimeout"`
	CheckoutTimeout time.Duration `yaml:"checkoutTimeout"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		c.Root = filepath.Join(os.TempDir(), "flowrunner", "builds")
	}
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.InstallCommand == "" {
		c.InstallCommand = "npm install --no-audit --no-fund"
	}
	if c.BundleCommand == "" {
		c.BundleCommand = "npm run " + buildScript
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Minute
	}
}

// Builder owns one numbered build directory. Not safe for concurrent use.
type Builder struct {
	id      int
	dir     string
	spool   string
	runner  process.Runner
	install []string
	bundle  []string
	env     []string
	timeout time.Duration
}

// NewBuilder creates the builder for slot id.
func NewBuilder(id int, cfg Config, runner process.Runner) (*Builder, error) {
	cfg.ApplyDefaults()
	install, err := process.ParseCommand(cfg.InstallCommand)
	if err != nil {
		return nil, err
	}
	bundle, err := process.ParseCommand(cfg.BundleCommand)
	if err != nil {
		return nil, err
	}
	env := cfg.Env
	if len(env) > 0 {
		env = append(os.Environ(), env...)
	}
	return &Builder{
		id:      id,
		dir:     filepath.Join(cfg.Root, strconv.Itoa(id)),
		spool:   filepath.Join(cfg.Root, strconv.Itoa(id)+".archive"),
		runner:  runner,
		install: install,
		bundle:  bundle,
		env:     env,
		timeout: cfg.StepTimeout,
	}, nil
}

// NewPool creates the build pool with cfg.Slots builders.
func NewPool(cfg Config, runner process.Runner) (*pool.Pool[*Builder], error) {
	cfg.ApplyDefaults()
	builders := make([]*Builder, 0, cfg.Slots)
	for i := 0; i < cfg.Slots; i++ {
		b, err := NewBuilder(i, cfg, runner)
		if err != nil {
			return nil, err
		}
		builders = append(builders, b)
	}
	return pool.New("build", builders, pool.WithCheckoutTimeout(cfg.CheckoutTimeout))
}

// Dir returns the working directory of this builder.
func (b *Builder) Dir() string { return b.dir }

// Build unpacks archive, bundles it and returns the bundle. A toolchain that
// runs but yields no bundle is not an error: the result is a module that
// throws the captured tool output when invoked. The returned reader is only
// valid until the next Build on this builder.
func (b *Builder) Build(ctx context.Context, archive io.Reader) (io.ReadCloser, error) {
	start := time.Now()
	if err := os.RemoveAll(b.dir); err != nil {
		return nil, appErr.Wrapf(err, appErr.BuildFailed, "wipe build dir failed")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.BuildFailed, "create build dir failed")
	}
	if err := extractArchive(archive, b.spool, b.dir); err != nil {
		return nil, err
	}
	if err := collapseSingleRoot(b.dir); err != nil {
		return nil, err
	}
	entry, err := patchManifest(b.dir)
	if err != nil {
		return nil, err
	}
	if err := writeBundlerConfig(b.dir, entry); err != nil {
		return nil, err
	}

	var toolLog bytes.Buffer
	if ok, err := b.runStep(ctx, "install", b.install, &toolLog); err != nil {
		return nil, err
	} else if ok {
		if _, err := b.runStep(ctx, "bundle", b.bundle, &toolLog); err != nil {
			return nil, err
		}
	}

	bundlePath := filepath.Join(b.dir, filepath.FromSlash(BundlePath))
	f, err := os.Open(bundlePath)
	if err == nil {
		logger.Info(ctx, "bundle built",
			zap.Int("builder_id", b.id),
			zap.String("entry", entry),
			zap.Duration("duration", time.Since(start)),
		)
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, appErr.Wrapf(err, appErr.BuildFailed, "open bundle failed")
	}

	logger.Warn(ctx, "bundle missing, returning failing module",
		zap.Int("builder_id", b.id),
		zap.String("entry", entry),
	)
	return io.NopCloser(strings.NewReader(FailingModule(toolLog.String()))), nil
}

// runStep runs one toolchain command. It reports false when the command exited non-zero.
func (b *Builder) runStep(ctx context.Context, name string, args []string, log *bytes.Buffer) (bool, error) {
	stepCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.runner.Run(stepCtx, process.Command{Args: args, Dir: b.dir, Env: b.env})
	if err != nil {
		return false, appErr.Wrapf(err, appErr.BuildFailed, "%s step could not start", name).
			WithDetail("builder_id", b.id)
	}
	fmt.Fprintf(log, "$ %s\n", strings.Join(args, " "))
	if combined := out.Combined(); combined != "" {
		log.WriteString(combined)
		if !strings.HasSuffix(combined, "\n") {
			log.WriteByte('\n')
		}
	}
	if out.ExitCode != 0 {
		fmt.Fprintf(log, "%s exited with code %d\n", name, out.ExitCode)
		logger.Warn(ctx, "build step failed",
			zap.Int("builder_id", b.id),
			zap.String("step", name),
			zap.Int("exit_code", out.ExitCode),
		)
		return false, nil
	}
	return true, nil
}

// FailingModule returns a commonjs module whose code export throws message.
func FailingModule(message string) string {
	escaped, _ := json.Marshal(message)
	return fmt.Sprintf("module.exports = { code: async (params) => { throw new Error(%s); } };\n", escaped)
}

// Service runs builds on the build pool.
type Service struct {
	pool *pool.Pool[*Builder]
}

// NewService wraps a build pool.
func NewService(p *pool.Pool[*Builder]) *Service {
	return &Service{pool: p}
}

// Build checks out a builder, builds archive and hands the bundle to consume
// while the builder is still held, since the next build wipes its directory.
func (s *Service) Build(ctx context.Context, archive io.Reader, consume func(bundle io.Reader) error) error {
	return s.pool.Do(ctx, func(ctx context.Context, b *Builder) error {
		rc, err := b.Build(ctx, archive)
		if err != nil {
			return err
		}
		defer rc.Close()
		return consume(rc)
	})
}
