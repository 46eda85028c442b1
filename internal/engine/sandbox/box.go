// Package sandbox drives one numbered isolate box: lifecycle, file staging and runs.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flowrunner/internal/engine/process"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

// Fixed paths inside a box root.
const (
	CodesDir           = "codes"
	FlowsDir           = "flows"
	CollectionsDir     = "collections"
	ConfigsFile        = "configs.json"
	ContextFile        = "context.json"
	TriggerPayloadFile = "triggerPayload.json"
	InputFile          = "input.json"
	OutputFile         = "output.json"
	MetaFile           = "meta.txt"
	StdoutFile         = "_standardOutput.txt"
	StderrFile         = "_standardError.txt"
	FunctionOutputFile = "_functionOutput.txt"
)

// Isolate exposes the host box directory as /box inside the sandbox.
const insideRoot = "/box"

// runGrace is added on top of the wall-time limit before the host gives up on isolate itself.
const runGrace = 30 * time.Second

// TriggerPayload is the staged form of the trigger output.
type TriggerPayload struct {
	Duration int64                  `json:"duration"`
	Output   interface{}            `json:"output"`
	Status   result.ExecutionStatus `json:"status"`
}

// EntryPoint tells the engine script what to run and how to call back.
type EntryPoint struct {
	FlowVersionID       string `json:"flowVersionId"`
	CollectionVersionID string `json:"collectionVersionId"`
	CallbackURL         string `json:"callbackUrl"`
	WorkerToken         string `json:"workerToken"`
}

// Box owns one isolate box. It is not safe for concurrent use; callers
// serialize through the pool that hands it out.
type Box struct {
	id     int
	cfg    Config
	runner process.Runner
	root   string
}

// New creates a Box for the given isolate box id.
func New(id int, cfg Config, runner process.Runner) *Box {
	cfg.ApplyDefaults()
	return &Box{
		id:     id,
		cfg:    cfg,
		runner: runner,
		root:   defaultRoot(cfg.BoxRoot, id),
	}
}

func defaultRoot(boxRoot string, id int) string {
	return filepath.Join(boxRoot, strconv.Itoa(id), "box")
}

// ID returns the isolate box id.
func (b *Box) ID() int { return b.id }

// Root returns the host path of the box filesystem.
func (b *Box) Root() string { return b.root }

// Init runs isolate --init. Isolate prints the box directory; files live in its box/ child.
func (b *Box) Init(ctx context.Context) error {
	out, err := b.isolate(ctx, "--init")
	if err != nil {
		return err
	}
	if dir := strings.TrimSpace(out.Stdout); dir != "" {
		b.root = filepath.Join(dir, "box")
	} else {
		b.root = defaultRoot(b.cfg.BoxRoot, b.id)
	}
	logger.Debug(ctx, "sandbox initialized", zap.Int("box_id", b.id), zap.String("root", b.root))
	return nil
}

// Clean runs isolate --cleanup. Cleaning a box that was never initialized is fine.
func (b *Box) Clean(ctx context.Context) error {
	if _, err := b.isolate(ctx, "--cleanup"); err != nil {
		return err
	}
	logger.Debug(ctx, "sandbox cleaned", zap.Int("box_id", b.id))
	return nil
}

// Reset cleans then initializes the box, discarding every file from the previous run.
func (b *Box) Reset(ctx context.Context) error {
	if err := b.Clean(ctx); err != nil {
		return err
	}
	return b.Init(ctx)
}

func (b *Box) isolate(ctx context.Context, action string) (process.Output, error) {
	args := []string{b.cfg.IsolatePath, "--box-id=" + strconv.Itoa(b.id), action}
	out, err := b.runner.Run(ctx, process.Command{Args: args})
	if err != nil {
		return out, appErr.Wrapf(err, appErr.SandboxError, "isolate %s failed", action).
			WithDetail("box_id", b.id)
	}
	if out.ExitCode != 0 {
		return out, appErr.Newf(appErr.SandboxError, "isolate %s exited with %d: %s", action, out.ExitCode, strings.TrimSpace(out.Stderr)).
			WithDetail("box_id", b.id)
	}
	return out, nil
}

// RunArgs builds the isolate command line for an entry command.
func (b *Box) RunArgs(entry []string) []string {
	args := []string{
		b.cfg.IsolatePath,
		"--box-id=" + strconv.Itoa(b.id),
		"--share-net",
		"--wall-time=" + strconv.FormatFloat(b.cfg.WallTime.Seconds(), 'f', -1, 64),
		"--meta=" + filepath.Join(b.root, MetaFile),
		"--stdout=" + StdoutFile,
		"--stderr=" + StderrFile,
		"--chdir=" + insideRoot,
	}
	if b.cfg.Processes > 0 {
		args = append(args, "--processes="+strconv.Itoa(b.cfg.Processes))
	} else {
		args = append(args, "--processes")
	}
	for _, dir := range b.cfg.Dirs {
		args = append(args, "--dir="+dir)
	}
	for _, env := range b.cfg.Env {
		args = append(args, "--env="+env)
	}
	args = append(args, "--run", "--")
	return append(args, entry...)
}

// Run executes entry inside the box and waits for it to finish. The run is not
// cancelled with ctx; isolate's wall-time limit is what bounds it. A non-zero
// isolate exit is a verdict recorded in meta.txt, not an error.
func (b *Box) Run(ctx context.Context, entry []string) (process.Output, error) {
	if len(entry) == 0 {
		return process.Output{}, appErr.ValidationError("entry", "required")
	}
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.WallTime+runGrace)
	defer cancel()

	out, err := b.runner.Run(runCtx, process.Command{Args: b.RunArgs(entry)})
	if err != nil {
		return out, appErr.Wrapf(err, appErr.SandboxError, "isolate run failed").WithDetail("box_id", b.id)
	}
	logger.Debug(ctx, "sandbox run finished",
		zap.Int("box_id", b.id),
		zap.Int("exit_code", out.ExitCode),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// Meta parses meta.txt written by the last run.
func (b *Box) Meta() (map[string]string, error) {
	data, err := b.ReadFile(MetaFile)
	if err != nil {
		return nil, err
	}
	return result.ParseMeta(string(data)), nil
}

// WriteCode stages a bundle at codes/<bundleName>.js.
func (b *Box) WriteCode(bundleName string, r io.Reader) error {
	if err := checkName(bundleName); err != nil {
		return err
	}
	rel := filepath.Join(CodesDir, bundleName+".js")
	path, err := b.prepare(rel)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return b.stageErr(err, rel)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return b.stageErr(err, rel)
	}
	if err := f.Close(); err != nil {
		return b.stageErr(err, rel)
	}
	return nil
}

// WriteFlow stages a flow version snapshot at flows/<id>.json.
func (b *Box) WriteFlow(flowVersionID string, snapshot interface{}) error {
	if err := checkName(flowVersionID); err != nil {
		return err
	}
	return b.writeJSON(filepath.Join(FlowsDir, flowVersionID+".json"), snapshot)
}

// WriteCollection stages a collection version snapshot at collections/<id>.json.
func (b *Box) WriteCollection(collectionVersionID string, snapshot interface{}) error {
	if err := checkName(collectionVersionID); err != nil {
		return err
	}
	return b.writeJSON(filepath.Join(CollectionsDir, collectionVersionID+".json"), snapshot)
}

// WriteConfigs stages the merged variable configs.
func (b *Box) WriteConfigs(configs interface{}) error {
	return b.writeJSON(ConfigsFile, configs)
}

// WriteContext stages the execution context.
func (b *Box) WriteContext(execCtx interface{}) error {
	return b.writeJSON(ContextFile, execCtx)
}

// WriteTriggerPayload stages the trigger output wrapped as a finished step.
func (b *Box) WriteTriggerPayload(payload interface{}) error {
	return b.writeJSON(TriggerPayloadFile, TriggerPayload{
		Duration: 0,
		Output:   payload,
		Status:   result.StatusSucceeded,
	})
}

// WriteEntryPoint stages the flow entry descriptor.
func (b *Box) WriteEntryPoint(entry EntryPoint) error {
	return b.writeJSON(InputFile, entry)
}

// WriteInput stages the input of a single snippet run.
func (b *Box) WriteInput(input interface{}) error {
	return b.writeJSON(InputFile, input)
}

// WriteEngine copies the configured engine script into the box root and
// returns its name inside the box.
func (b *Box) WriteEngine() (string, error) {
	if b.cfg.EnginePath == "" {
		return "", appErr.New(appErr.SandboxError).WithMessage("engine path is not configured")
	}
	name := filepath.Base(b.cfg.EnginePath)
	src, err := os.Open(b.cfg.EnginePath)
	if err != nil {
		return "", b.stageErr(err, name)
	}
	defer src.Close()

	path, err := b.prepare(name)
	if err != nil {
		return "", err
	}
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", b.stageErr(err, name)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", b.stageErr(err, name)
	}
	if err := dst.Close(); err != nil {
		return "", b.stageErr(err, name)
	}
	return name, nil
}

// ReadFile reads a file relative to the box root.
func (b *Box) ReadFile(rel string) ([]byte, error) {
	path, err := b.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErr.Wrapf(err, appErr.FileNotFound, "%s not found in box %d", rel, b.id)
		}
		return nil, b.stageErr(err, rel)
	}
	return data, nil
}

// Exists reports whether a regular file exists relative to the box root.
func (b *Box) Exists(rel string) bool {
	path, err := b.resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (b *Box) writeJSON(rel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return b.stageErr(err, rel)
	}
	path, err := b.prepare(rel)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return b.stageErr(err, rel)
	}
	return nil
}

func (b *Box) prepare(rel string) (string, error) {
	path, err := b.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", b.stageErr(err, rel)
	}
	return path, nil
}

func (b *Box) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.Newf(appErr.SandboxError, "invalid box path %q", rel).WithDetail("box_id", b.id)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *Box) stageErr(err error, rel string) error {
	return appErr.Wrapf(err, appErr.SandboxError, "stage %s failed", rel).
		WithDetail("box_id", b.id).
		WithDetail("path", rel)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return appErr.ValidationError("name", fmt.Sprintf("invalid file name %q", name))
	}
	return nil
}
