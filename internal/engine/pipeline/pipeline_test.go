package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/process"
	"flowrunner/internal/engine/sandbox"
	"flowrunner/internal/engine/sandbox/result"
	appErr "flowrunner/pkg/errors"
)

// recordingBox keeps staged files in memory and records every call in order.
type recordingBox struct {
	mu      sync.Mutex
	id      int
	calls   []string
	files   map[string][]byte
	meta    map[string]string
	onRun   func(b *recordingBox)
	runErr  error
	entries [][]string
}

func newRecordingBox(id int) *recordingBox {
	return &recordingBox{id: id, files: make(map[string][]byte), meta: map[string]string{}}
}

func (b *recordingBox) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *recordingBox) put(rel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[rel] = data
	return nil
}

func (b *recordingBox) count(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (b *recordingBox) indexOf(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (b *recordingBox) ID() int { return b.id }

func (b *recordingBox) Reset(ctx context.Context) error {
	b.record("Reset")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files = make(map[string][]byte)
	return nil
}

func (b *recordingBox) WriteCode(bundleName string, r io.Reader) error {
	b.record("WriteCode")
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[filepath.Join(sandbox.CodesDir, bundleName+".js")] = data
	return nil
}

func (b *recordingBox) WriteFlow(id string, snapshot interface{}) error {
	b.record("WriteFlow")
	return b.put(filepath.Join(sandbox.FlowsDir, id+".json"), snapshot)
}

func (b *recordingBox) WriteCollection(id string, snapshot interface{}) error {
	b.record("WriteCollection")
	return b.put(filepath.Join(sandbox.CollectionsDir, id+".json"), snapshot)
}

func (b *recordingBox) WriteConfigs(v interface{}) error {
	b.record("WriteConfigs")
	return b.put(sandbox.ConfigsFile, v)
}

func (b *recordingBox) WriteContext(v interface{}) error {
	b.record("WriteContext")
	return b.put(sandbox.ContextFile, v)
}

func (b *recordingBox) WriteTriggerPayload(v interface{}) error {
	b.record("WriteTriggerPayload")
	return b.put(sandbox.TriggerPayloadFile, v)
}

func (b *recordingBox) WriteEntryPoint(e sandbox.EntryPoint) error {
	b.record("WriteEntryPoint")
	return b.put(sandbox.InputFile, e)
}

func (b *recordingBox) WriteInput(v interface{}) error {
	b.record("WriteInput")
	return b.put(sandbox.InputFile, v)
}

func (b *recordingBox) WriteEngine() (string, error) {
	b.record("WriteEngine")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files["engine.js"] = []byte("engine")
	return "engine.js", nil
}

func (b *recordingBox) Run(ctx context.Context, entry []string) (process.Output, error) {
	b.record("Run")
	b.mu.Lock()
	b.entries = append(b.entries, entry)
	b.mu.Unlock()
	if b.runErr != nil {
		return process.Output{}, b.runErr
	}
	if b.onRun != nil {
		b.onRun(b)
	}
	return process.Output{Duration: 40 * time.Millisecond}, nil
}

func (b *recordingBox) Meta() (map[string]string, error) {
	b.record("Meta")
	return b.meta, nil
}

func (b *recordingBox) ReadFile(rel string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[rel]
	if !ok {
		return nil, appErr.Newf(appErr.FileNotFound, "%s not found", rel)
	}
	return data, nil
}

func (b *recordingBox) Exists(rel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.files[rel]
	return ok
}

type fakeArtifacts struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (f *fakeArtifacts) Open(ctx context.Context, a model.CodeArtifact) (io.ReadCloser, error) {
	f.mu.Lock()
	f.opened = append(f.opened, a.BundleName)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader("module.exports = () => 1")), nil
}

type fakeRunLog struct {
	mu     sync.Mutex
	saved  []model.RunRecord
	states []json.RawMessage
}

func (f *fakeRunLog) CreateOrUpdate(ctx context.Context, run *model.RunRecord, state json.RawMessage) (*model.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *run)
	f.states = append(f.states, state)
	copied := *run
	return &copied, nil
}

func testCredentials(t *testing.T) *Credentials {
	t.Helper()
	c, err := NewCredentials("test-secret", "flowrunner", time.Minute)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	return c
}

func newTestJob() *Job {
	return &Job{
		Run: &model.RunRecord{ID: "run-1", Status: result.StatusRunning, StartTime: time.Now()},
		Flow: &model.FlowVersion{
			ID:            "fv-1",
			Snapshot:      json.RawMessage(`{"trigger":{}}`),
			CodeArtifacts: []model.CodeArtifact{{StepName: "step_1", BundleName: "b1", SourceFileID: "f1"}},
		},
		Collection: &model.CollectionVersion{
			ID:           "cv-1",
			CollectionID: "col-1",
			ProjectID:    "proj-1",
			Snapshot:     json.RawMessage(`{}`),
		},
		Configs:        map[string]interface{}{"k": "v"},
		TriggerPayload: map[string]interface{}{"body": "hi"},
	}
}

func newTestWorker(t *testing.T, box Sandbox, artifacts ArtifactSource, runLog RunLog) *Worker {
	return NewWorker(box,
		PrepareStep{},
		&StageStep{Artifacts: artifacts, Credentials: testCredentials(t), CallbackURL: "http://cb"},
		&ExecuteStep{Runtime: "/usr/bin/node"},
		&PersistStep{RunLog: runLog},
	)
}

func writeOutput(b *recordingBox, out model.ExecutionOutput) {
	data, _ := json.Marshal(out)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[sandbox.OutputFile] = data
}

func TestExecuteStagesOnceAndPersistsOnce(t *testing.T) {
	box := newRecordingBox(0)
	box.onRun = func(b *recordingBox) {
		writeOutput(b, model.ExecutionOutput{
			Status:         result.StatusSucceeded,
			Duration:       12,
			Output:         map[string]interface{}{"answer": 42.0},
			ExecutionState: json.RawMessage(`{"steps":{}}`),
		})
	}
	artifacts := &fakeArtifacts{}
	runLog := &fakeRunLog{}
	p, err := NewExecutionPoolWithWorkers([]*Worker{newTestWorker(t, box, artifacts, runLog)}, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	job := newTestJob()
	if err := p.Execute(context.Background(), job); err != nil {
		t.Fatalf("execute: %v", err)
	}

	runAt := box.indexOf("Run")
	if runAt < 0 {
		t.Fatalf("sandbox never ran")
	}
	for _, call := range []string{"WriteContext", "WriteConfigs", "WriteEntryPoint", "WriteTriggerPayload", "WriteCode"} {
		if n := box.count(call); n != 1 {
			t.Fatalf("expected %s once, got %d", call, n)
		}
		if box.indexOf(call) > runAt {
			t.Fatalf("%s happened after the run", call)
		}
	}
	if box.indexOf("Reset") != 0 {
		t.Fatalf("expected reset first, calls=%v", box.calls)
	}
	if len(runLog.saved) != 1 {
		t.Fatalf("expected one persistence call, got %d", len(runLog.saved))
	}
	saved := runLog.saved[0]
	if saved.Status != result.StatusSucceeded || saved.Verdict != result.VerdictOK {
		t.Fatalf("unexpected saved run: %+v", saved)
	}
	if saved.DurationMs != 12 || saved.FinishTime == nil {
		t.Fatalf("expected duration and finish time, got %+v", saved)
	}
	if string(runLog.states[0]) != `{"steps":{}}` {
		t.Fatalf("unexpected execution state %s", runLog.states[0])
	}
	if entry := box.entries[0]; len(entry) != 2 || entry[1] != "engine.js" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if p.InUse() != 0 {
		t.Fatalf("worker not returned to pool")
	}
}

func TestEntryPointCarriesWorkerToken(t *testing.T) {
	box := newRecordingBox(0)
	box.onRun = func(b *recordingBox) { writeOutput(b, model.ExecutionOutput{Status: result.StatusSucceeded}) }
	creds := testCredentials(t)
	w := NewWorker(box,
		PrepareStep{},
		&StageStep{Artifacts: &fakeArtifacts{}, Credentials: creds, CallbackURL: "http://cb"},
		&ExecuteStep{Runtime: "node"},
		&PersistStep{RunLog: &fakeRunLog{}},
	)
	if err := w.Execute(context.Background(), newTestJob()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	var entry sandbox.EntryPoint
	if err := json.Unmarshal(box.files[sandbox.InputFile], &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry.FlowVersionID != "fv-1" || entry.CollectionVersionID != "cv-1" || entry.CallbackURL != "http://cb" {
		t.Fatalf("unexpected entry point %+v", entry)
	}
	claims, err := creds.Verify(entry.WorkerToken)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if claims.Subject != "proj-1" || claims.CollectionID != "col-1" || claims.Type != WorkerTokenType {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTimeoutVerdictFailsRun(t *testing.T) {
	box := newRecordingBox(0)
	box.meta = map[string]string{"status": "TO", "message": "Time limit exceeded (wall clock)"}
	runLog := &fakeRunLog{}
	w := newTestWorker(t, box, &fakeArtifacts{}, runLog)

	job := newTestJob()
	if err := w.Execute(context.Background(), job); err != nil {
		t.Fatalf("verdicts must not surface as errors: %v", err)
	}
	saved := runLog.saved[0]
	if saved.Verdict != result.VerdictTimeout || saved.Status != result.StatusFailed {
		t.Fatalf("unexpected run %+v", saved)
	}
	if saved.ErrorMessage != "Time limit exceeded (wall clock)" {
		t.Fatalf("unexpected error message %q", saved.ErrorMessage)
	}
}

func TestMissingOutputFailsRun(t *testing.T) {
	box := newRecordingBox(0)
	runLog := &fakeRunLog{}
	w := newTestWorker(t, box, &fakeArtifacts{}, runLog)

	if err := w.Execute(context.Background(), newTestJob()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := runLog.saved[0]; got.Status != result.StatusFailed || got.Verdict != result.VerdictOK {
		t.Fatalf("expected failed run with OK verdict, got %+v", got)
	}
}

func TestBuildFailureAbortsPipeline(t *testing.T) {
	box := newRecordingBox(0)
	runLog := &fakeRunLog{}
	artifacts := &fakeArtifacts{err: appErr.New(appErr.BuildFailed).WithDetail("source", "file:f1")}
	p, err := NewExecutionPoolWithWorkers([]*Worker{newTestWorker(t, box, artifacts, runLog)}, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	err = p.Execute(context.Background(), newTestJob())
	if !appErr.Is(err, appErr.BuildFailed) {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
	if box.count("Run") != 0 || len(runLog.saved) != 0 {
		t.Fatalf("steps after the failure still ran: %v", box.calls)
	}
	if p.InUse() != 0 {
		t.Fatalf("worker not released after failure")
	}
}

// droppingBox loses every staged bundle, as a corrupted box would.
type droppingBox struct {
	*recordingBox
}

func (b droppingBox) WriteCode(bundleName string, r io.Reader) error {
	b.record("WriteCode")
	_, err := io.Copy(io.Discard, r)
	return err
}

func TestMissingBundleIsInvalidArtifact(t *testing.T) {
	box := droppingBox{newRecordingBox(0)}
	runLog := &fakeRunLog{}
	w := newTestWorker(t, box, &fakeArtifacts{}, runLog)

	err := w.Execute(context.Background(), newTestJob())
	if appErr.GetCode(err) != appErr.InvalidArtifact {
		t.Fatalf("expected InvalidArtifact, got %v", err)
	}
	if box.count("Run") != 0 {
		t.Fatalf("run attempted with a missing bundle")
	}
}

func TestSandboxSpawnFailureSurfaces(t *testing.T) {
	box := newRecordingBox(0)
	box.runErr = appErr.New(appErr.SandboxError)
	runLog := &fakeRunLog{}
	w := newTestWorker(t, box, &fakeArtifacts{}, runLog)

	if err := w.Execute(context.Background(), newTestJob()); !appErr.Is(err, appErr.SandboxError) {
		t.Fatalf("expected SandboxError, got %v", err)
	}
	if len(runLog.saved) != 0 {
		t.Fatalf("run persisted after a failed step")
	}
}

// unreadableBox fails to read one captured file back.
type unreadableBox struct {
	*recordingBox
	rel string
}

func (b unreadableBox) ReadFile(rel string) ([]byte, error) {
	if rel == b.rel {
		return nil, appErr.Newf(appErr.SandboxError, "read %s failed", rel)
	}
	return b.recordingBox.ReadFile(rel)
}

func TestCapturedOutputReadErrorSurfaces(t *testing.T) {
	for _, rel := range []string{sandbox.StdoutFile, sandbox.StderrFile} {
		runLog := &fakeRunLog{}
		w := newTestWorker(t, unreadableBox{recordingBox: newRecordingBox(0), rel: rel}, &fakeArtifacts{}, runLog)

		err := w.Execute(context.Background(), newTestJob())
		if !appErr.Is(err, appErr.SandboxError) {
			t.Fatalf("%s: expected SandboxError, got %v", rel, err)
		}
		if len(runLog.saved) != 0 {
			t.Fatalf("%s: run persisted despite unreadable output", rel)
		}

		tester := NewCodeTester(unreadableBox{recordingBox: newRecordingBox(5), rel: rel}, &fakeArtifacts{}, "node")
		_, err = tester.Test(context.Background(), model.CodeTestRequest{
			Artifact: model.CodeArtifact{BundleName: "abc", SourceFileID: "f1"},
		})
		if !appErr.Is(err, appErr.SandboxError) {
			t.Fatalf("%s: code tester expected SandboxError, got %v", rel, err)
		}
	}
}

func TestExecutionPoolBound(t *testing.T) {
	release := make(chan struct{})
	started := make(chan int, 3)
	var workers []*Worker
	for i := 0; i < 2; i++ {
		box := newRecordingBox(i)
		workers = append(workers, NewWorker(box, blockingStep{started: started, release: release}))
	}
	p, err := NewExecutionPoolWithWorkers(workers, 0)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Execute(context.Background(), newTestJob())
		}()
	}

	<-started
	<-started
	select {
	case <-started:
		t.Fatalf("third execution started while both workers were busy")
	case <-time.After(50 * time.Millisecond):
	}
	if p.InUse() != 2 {
		t.Fatalf("expected 2 workers in use, got %d", p.InUse())
	}
	close(release)
	wg.Wait()
	if len(started) != 1 {
		t.Fatalf("third execution never ran")
	}
}

type blockingStep struct {
	started chan int
	release chan struct{}
}

func (blockingStep) Name() string { return "block" }

func (s blockingStep) Run(ctx context.Context, box Sandbox, job *Job) error {
	s.started <- box.ID()
	<-s.release
	return nil
}

func TestExecutionPoolCheckoutTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan int, 1)
	p, err := NewExecutionPoolWithWorkers(
		[]*Worker{NewWorker(newRecordingBox(0), blockingStep{started: started, release: release})},
		20*time.Millisecond,
	)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	go func() { _ = p.Execute(context.Background(), newTestJob()) }()
	<-started

	err = p.Execute(context.Background(), newTestJob())
	close(release)
	if appErr.GetCode(err) != appErr.EngineBusy {
		t.Fatalf("expected EngineBusy, got %v", err)
	}
}

// fakeIsolate emulates isolate on a temp dir so real boxes can be driven end to end.
type fakeIsolate struct {
	base  string
	onRun func(root string)
}

func (f *fakeIsolate) Run(ctx context.Context, cmd process.Command) (process.Output, error) {
	var boxID string
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "--box-id=") {
			boxID = strings.TrimPrefix(arg, "--box-id=")
		}
	}
	dir := filepath.Join(f.base, boxID)
	switch cmd.Args[len(cmd.Args)-1] {
	case "--init":
		return process.Output{Stdout: dir}, os.MkdirAll(filepath.Join(dir, "box"), 0o755)
	case "--cleanup":
		return process.Output{}, os.RemoveAll(dir)
	}
	if f.onRun != nil {
		f.onRun(filepath.Join(dir, "box"))
	}
	return process.Output{Duration: time.Millisecond}, nil
}

func TestRealBoxDoesNotLeakFilesAcrossRuns(t *testing.T) {
	base := t.TempDir()
	engine := filepath.Join(t.TempDir(), "engine.js")
	if err := os.WriteFile(engine, []byte("// engine"), 0o644); err != nil {
		t.Fatalf("write engine: %v", err)
	}

	var sawStale []bool
	fake := &fakeIsolate{base: base}
	fake.onRun = func(root string) {
		_, err := os.Stat(filepath.Join(root, sandbox.CodesDir, "stale.js"))
		sawStale = append(sawStale, err == nil)
		_ = os.WriteFile(filepath.Join(root, sandbox.MetaFile), []byte("time:0.1\n"), 0o644)
		_ = os.WriteFile(filepath.Join(root, sandbox.OutputFile), []byte(`{"status":"SUCCEEDED","output":1}`), 0o644)
	}
	box := sandbox.New(0, sandbox.Config{BoxRoot: base, EnginePath: engine}, fake)
	runLog := &fakeRunLog{}
	w := newTestWorker(t, box, &fakeArtifacts{}, runLog)

	jobA := newTestJob()
	jobA.Flow.CodeArtifacts = []model.CodeArtifact{{BundleName: "stale", SourceFileID: "f1"}}
	if err := w.Execute(context.Background(), jobA); err != nil {
		t.Fatalf("run A: %v", err)
	}
	jobB := newTestJob()
	if err := w.Execute(context.Background(), jobB); err != nil {
		t.Fatalf("run B: %v", err)
	}

	if len(sawStale) != 2 || !sawStale[0] || sawStale[1] {
		t.Fatalf("expected stale bundle only in run A, got %v", sawStale)
	}
	if len(runLog.saved) != 2 || runLog.saved[1].Status != result.StatusSucceeded {
		t.Fatalf("unexpected runs %+v", runLog.saved)
	}
}

func TestCodeTesterCollectsFiles(t *testing.T) {
	box := newRecordingBox(5)
	box.meta = map[string]string{"time": "0.25"}
	box.onRun = func(b *recordingBox) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.files[sandbox.FunctionOutputFile] = []byte(`{"sum":3}`)
		b.files[sandbox.StdoutFile] = []byte("log line\n")
		b.files[sandbox.StderrFile] = []byte("")
	}
	p, err := NewCodeTestPoolWithTesters([]*CodeTester{NewCodeTester(box, &fakeArtifacts{}, "node")}, time.Second)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}

	res, err := p.Test(context.Background(), model.CodeTestRequest{
		Artifact: model.CodeArtifact{BundleName: "abc", SourceFileID: "f1"},
		Input:    map[string]interface{}{"a": 1, "b": 2},
	})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if res.Verdict != result.VerdictOK || res.TimeInSeconds != 0.25 {
		t.Fatalf("unexpected result %+v", res)
	}
	out, ok := res.Output.(map[string]interface{})
	if !ok || out["sum"] != 3.0 {
		t.Fatalf("unexpected output %#v", res.Output)
	}
	if res.StandardOutput != "log line\n" {
		t.Fatalf("unexpected stdout %q", res.StandardOutput)
	}
	if box.count("WriteInput") != 1 || box.count("Reset") != 1 {
		t.Fatalf("unexpected calls %v", box.calls)
	}
	entry := box.entries[0]
	if entry[len(entry)-1] != filepath.Join(sandbox.CodesDir, "abc.js") {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestCodeTesterMissingBundle(t *testing.T) {
	box := droppingBox{newRecordingBox(5)}
	tester := NewCodeTester(box, &fakeArtifacts{}, "node")

	res, err := tester.Test(context.Background(), model.CodeTestRequest{
		Artifact: model.CodeArtifact{BundleName: "abc", SourceFileID: "f1"},
	})
	if err != nil {
		t.Fatalf("missing bundle must be a verdict, got %v", err)
	}
	if res.Verdict != result.VerdictInvalidArtifact || res.Status() != result.StatusFailed {
		t.Fatalf("unexpected result %+v", res)
	}
	if box.count("Run") != 0 {
		t.Fatalf("runner started without a bundle")
	}
}

func TestCodeTesterCrashVerdict(t *testing.T) {
	box := newRecordingBox(5)
	box.meta = map[string]string{"status": "SG", "exitsig": "11"}
	tester := NewCodeTester(box, &fakeArtifacts{}, "node")

	res, err := tester.Test(context.Background(), model.CodeTestRequest{
		Artifact: model.CodeArtifact{BundleName: "abc", SourceFileID: "f1"},
	})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if res.Verdict != result.VerdictCrashed {
		t.Fatalf("expected CRASHED, got %s", res.Verdict)
	}
}

func TestCredentialsRejectTampering(t *testing.T) {
	creds := testCredentials(t)
	token, err := creds.Mint("proj-1", "col-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	other, _ := NewCredentials("other-secret", "flowrunner", time.Minute)
	if _, err := other.Verify(token); appErr.GetCode(err) != appErr.Unauthorized {
		t.Fatalf("expected Unauthorized for foreign secret, got %v", err)
	}

	expired, _ := NewCredentials("test-secret", "flowrunner", time.Nanosecond)
	old, err := expired.Mint("proj-1", "col-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := creds.Verify(old); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestNewCredentialsRequiresSecret(t *testing.T) {
	if _, err := NewCredentials("", "", time.Minute); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
