package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowrunner/internal/common/lock"
	"flowrunner/internal/engine/model"
	appErr "flowrunner/pkg/errors"
)

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads atomic.Int64
	exists  atomic.Int64
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) Exists(ctx context.Context, key string) (bool, error) {
	m.exists.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memoryObjects) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.uploads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryObjects) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type countingBuilds struct {
	builds atomic.Int64
	delay  time.Duration
	err    error
}

func (b *countingBuilds) Build(ctx context.Context, archive io.Reader, consume func(io.Reader) error) error {
	b.builds.Add(1)
	if b.err != nil {
		return b.err
	}
	src, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	time.Sleep(b.delay)
	return consume(bytes.NewReader(append([]byte("bundle:"), src...)))
}

type staticFiles struct {
	data []byte
}

func (f staticFiles) GetFileByID(ctx context.Context, id string) (*model.File, error) {
	if id != "src-1" {
		return nil, appErr.Newf(appErr.FileNotFound, "file %s not found", id)
	}
	return &model.File{ID: id, Data: f.data}, nil
}

func (f staticFiles) Save(ctx context.Context, previousID, name string, r io.Reader) (*model.File, error) {
	return nil, errors.New("not used")
}

func newTestCache(t *testing.T, remote *memoryObjects, builds BuildService, store lock.Store) *Cache {
	t.Helper()
	return newTestCacheWithTTL(t, remote, builds, store, time.Minute)
}

func newTestCacheWithTTL(t *testing.T, remote *memoryObjects, builds BuildService, store lock.Store, ttl time.Duration) *Cache {
	t.Helper()
	locker := lock.NewLocker(store, lock.WithPollInterval(5*time.Millisecond))
	c, err := NewCache(Config{Root: t.TempDir(), LockTTL: ttl, LockWait: 5 * time.Second},
		remote, staticFiles{data: []byte("source-archive")}, builds, locker)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func digestOf(s string) string {
	d, _ := model.BundleNameFor(strings.NewReader(s))
	return d
}

var testArtifact = model.CodeArtifact{StepName: "code_1", BundleName: digestOf("source-archive"), SourceFileID: "src-1"}

func fetch(c *Cache, a model.CodeArtifact) (string, error) {
	rc, err := c.Open(context.Background(), a)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return string(data), err
}

func readAll(t *testing.T, c *Cache, a model.CodeArtifact) string {
	t.Helper()
	content, err := fetch(c, a)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	return content
}

func TestConcurrentMissBuildsOnce(t *testing.T) {
	remote := newMemoryObjects()
	builds := &countingBuilds{delay: 30 * time.Millisecond}
	c := newTestCache(t, remote, builds, lock.NewMemoryStore())

	const callers = 8
	contents := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			contents[i], errs[i] = fetch(c, testArtifact)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	if builds.builds.Load() != 1 {
		t.Fatalf("expected exactly one build, got %d", builds.builds.Load())
	}
	if remote.uploads.Load() != 1 {
		t.Fatalf("expected exactly one upload, got %d", remote.uploads.Load())
	}
	for i, content := range contents {
		if content != "bundle:source-archive" {
			t.Fatalf("caller %d got %q", i, content)
		}
	}
}

func TestConcurrentMissAcrossNodesBuildsOnce(t *testing.T) {
	remote := newMemoryObjects()
	builds := &countingBuilds{delay: 30 * time.Millisecond}
	shared := lock.NewMemoryStore()
	nodes := []*Cache{
		newTestCache(t, remote, builds, shared),
		newTestCache(t, remote, builds, shared),
		newTestCache(t, remote, builds, shared),
	}

	var wg sync.WaitGroup
	results := make([]string, len(nodes)*2)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fetch(nodes[i%len(nodes)], testArtifact)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}

	if builds.builds.Load() != 1 {
		t.Fatalf("expected one cluster-wide build, got %d", builds.builds.Load())
	}
	for i, content := range results {
		if content != "bundle:source-archive" || content != results[0] {
			t.Fatalf("caller %d content differs: %q vs %q", i, content, results[0])
		}
	}
}

func TestRemoteHitSkipsBuild(t *testing.T) {
	remote := newMemoryObjects()
	remote.objects[testArtifact.RemoteBundlePath()] = []byte("prebuilt")
	builds := &countingBuilds{}
	c := newTestCache(t, remote, builds, lock.NewMemoryStore())

	if got := readAll(t, c, testArtifact); got != "prebuilt" {
		t.Fatalf("expected downloaded bundle, got %q", got)
	}
	if builds.builds.Load() != 0 {
		t.Fatalf("remote hit must not build")
	}
}

func TestLocalHitSkipsRemote(t *testing.T) {
	remote := newMemoryObjects()
	c := newTestCache(t, remote, &countingBuilds{}, lock.NewMemoryStore())
	_ = readAll(t, c, testArtifact)
	before := remote.exists.Load()

	path, err := c.Resolve(context.Background(), testArtifact)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if remote.exists.Load() != before {
		t.Fatalf("local hit consulted the remote store")
	}
	if filepath.Base(path) != testArtifact.BundleName+".js" {
		t.Fatalf("unexpected cache path %s", path)
	}
}

func TestBuildFailureReleasesLock(t *testing.T) {
	remote := newMemoryObjects()
	store := lock.NewMemoryStore()
	c := newTestCache(t, remote, &countingBuilds{err: errors.New("disk full")}, store)

	_, err := c.Resolve(context.Background(), testArtifact)
	if !appErr.Is(err, appErr.BuildFailed) {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
	if src := appErr.GetError(err).Details["source"]; src != "file:src-1" {
		t.Fatalf("expected source detail, got %v", src)
	}

	locker := lock.NewLocker(store)
	if _, ok, _ := locker.Acquire(context.Background(), testArtifact.RemoteBundlePath(), time.Minute); !ok {
		t.Fatalf("lock was not released after failed build")
	}
	entries, _ := os.ReadDir(c.cfg.Root)
	if len(entries) != 0 {
		t.Fatalf("failed build left files in cache: %v", entries)
	}
}

func TestLockTimeoutSurfacesTyped(t *testing.T) {
	remote := newMemoryObjects()
	store := lock.NewMemoryStore()
	holder := lock.NewLocker(store)
	if _, ok, _ := holder.Acquire(context.Background(), testArtifact.RemoteBundlePath(), time.Minute); !ok {
		t.Fatalf("setup acquire failed")
	}

	locker := lock.NewLocker(store, lock.WithPollInterval(5*time.Millisecond))
	c, err := NewCache(Config{Root: t.TempDir(), LockTTL: time.Minute, LockWait: 30 * time.Millisecond},
		remote, staticFiles{}, &countingBuilds{}, locker)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	_, err = c.Resolve(context.Background(), testArtifact)
	if appErr.GetCode(err) != appErr.LockAcquireTimeout {
		t.Fatalf("expected LockAcquireTimeout, got %v", err)
	}
}

func TestSourceFromRemoteDigest(t *testing.T) {
	remote := newMemoryObjects()
	d := digestOf("remote-src")
	remote.objects["sources/"+d] = []byte("remote-src")
	c := newTestCache(t, remote, &countingBuilds{}, lock.NewMemoryStore())
	a := model.CodeArtifact{BundleName: d, SourceDigest: d}
	if got := readAll(t, c, a); got != "bundle:remote-src" {
		t.Fatalf("unexpected bundle %q", got)
	}
}

func TestResolveRejectsBadBundleName(t *testing.T) {
	c := newTestCache(t, newMemoryObjects(), &countingBuilds{}, lock.NewMemoryStore())
	if _, err := c.Resolve(context.Background(), model.CodeArtifact{BundleName: "../x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestMismatchedSourceNeverFillsBundle(t *testing.T) {
	remote := newMemoryObjects()
	store := lock.NewMemoryStore()
	builds := &countingBuilds{}
	c := newTestCache(t, remote, builds, store)

	victim := model.CodeArtifact{BundleName: digestOf("victim-source"), SourceFileID: "src-1"}
	_, err := c.Resolve(context.Background(), victim)
	if appErr.GetCode(err) != appErr.InvalidArtifact {
		t.Fatalf("expected InvalidArtifact, got %v", err)
	}
	if builds.builds.Load() != 0 || remote.uploads.Load() != 0 {
		t.Fatalf("mismatched source was built or uploaded")
	}
	if _, ok := remote.objects[victim.RemoteBundlePath()]; ok {
		t.Fatalf("victim bundle was written")
	}
	entries, _ := os.ReadDir(c.cfg.Root)
	if len(entries) != 0 {
		t.Fatalf("rejected source left files in cache: %v", entries)
	}
	if _, ok, _ := lock.NewLocker(store).Acquire(context.Background(), victim.RemoteBundlePath(), time.Minute); !ok {
		t.Fatalf("lock was not released after rejection")
	}
}

func TestSourceDigestMustNameBundle(t *testing.T) {
	remote := newMemoryObjects()
	d := digestOf("remote-src")
	remote.objects["sources/"+d] = []byte("remote-src")
	builds := &countingBuilds{}
	c := newTestCache(t, remote, builds, lock.NewMemoryStore())

	_, err := c.Resolve(context.Background(), model.CodeArtifact{BundleName: digestOf("other"), SourceDigest: d})
	if appErr.GetCode(err) != appErr.InvalidArtifact {
		t.Fatalf("expected InvalidArtifact, got %v", err)
	}
	if builds.builds.Load() != 0 {
		t.Fatalf("mismatched digest must not build")
	}
}

func TestSlowBuildKeepsLockAcrossNodes(t *testing.T) {
	remote := newMemoryObjects()
	builds := &countingBuilds{delay: 200 * time.Millisecond}
	shared := lock.NewMemoryStore()
	nodes := []*Cache{
		newTestCacheWithTTL(t, remote, builds, shared, 30*time.Millisecond),
		newTestCacheWithTTL(t, remote, builds, shared, 30*time.Millisecond),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node *Cache) {
			defer wg.Done()
			if i > 0 {
				time.Sleep(10 * time.Millisecond)
			}
			_, errs[i] = fetch(node, testArtifact)
		}(i, node)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	if builds.builds.Load() != 1 {
		t.Fatalf("lock expired mid-build: %d builds", builds.builds.Load())
	}
}
