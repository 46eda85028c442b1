// Package artifact resolves code artifacts to locally cached bundles, building
// each bundle at most once across the cluster.
package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flowrunner/internal/common/lock"
	"flowrunner/internal/common/metrics"
	"flowrunner/internal/common/storage"
	"flowrunner/internal/engine/model"
	"flowrunner/internal/engine/repository"
	appErr "flowrunner/pkg/errors"
	"flowrunner/pkg/utils/logger"

	"go.uber.org/zap"
)

const bundleContentType = "application/javascript"

// BuildService builds a source archive and passes the bundle to consume.
type BuildService interface {
	Build(ctx context.Context, archive io.Reader, consume func(bundle io.Reader) error) error
}

// Config controls the cache directory and distributed lock timing.
type Config struct {
	Root     string        `yaml:"root"`
	LockTTL  time.Duration `yaml:"lockTTL"`
	LockWait time.Duration `yaml:"lockWait"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Root == "" {
		c.Root = filepath.Join(os.TempDir(), "flowrunner", "bundles")
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 20 * time.Minute
	}
}

// Cache maps bundle names to files under Root. Entries are content-keyed and
// never invalidated.
type Cache struct {
	cfg    Config
	remote storage.ObjectStorage
	files  repository.FileStore
	builds BuildService
	locker *lock.Locker

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewCache creates a cache and its root directory.
func NewCache(cfg Config, remote storage.ObjectStorage, files repository.FileStore, builds BuildService, locker *lock.Locker) (*Cache, error) {
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "create cache dir failed")
	}
	return &Cache{
		cfg:    cfg,
		remote: remote,
		files:  files,
		builds: builds,
		locker: locker,
		keys:   make(map[string]*sync.Mutex),
	}, nil
}

// Open resolves the artifact and opens the cached bundle.
func (c *Cache) Open(ctx context.Context, a model.CodeArtifact) (io.ReadCloser, error) {
	path, err := c.Resolve(ctx, a)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "open cached bundle failed")
	}
	return f, nil
}

// Resolve returns the local path of the artifact's bundle, downloading or
// building it when this node has not seen it yet.
func (c *Cache) Resolve(ctx context.Context, a model.CodeArtifact) (string, error) {
	if err := validateBundleName(a.BundleName); err != nil {
		return "", err
	}
	local := c.localPath(a.BundleName)
	if fileExists(local) {
		metrics.ArtifactCacheLookups.WithLabelValues("local_hit").Inc()
		return local, nil
	}

	km := c.keyMutex(a.BundleName)
	km.Lock()
	defer km.Unlock()

	// Another local caller may have filled the entry while we waited.
	if fileExists(local) {
		metrics.ArtifactCacheLookups.WithLabelValues("local_hit").Inc()
		return local, nil
	}

	remotePath := a.RemoteBundlePath()
	found, err := c.remote.Exists(ctx, remotePath)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "check remote bundle failed").WithDetail("path", remotePath)
	}
	if found {
		metrics.ArtifactCacheLookups.WithLabelValues("remote_hit").Inc()
		err = c.download(ctx, remotePath, local)
	} else {
		err = c.buildUnderLock(ctx, a, remotePath, local)
	}
	if err != nil {
		return "", err
	}
	return local, nil
}

func (c *Cache) buildUnderLock(ctx context.Context, a model.CodeArtifact, remotePath, local string) error {
	token, err := c.locker.WaitUntilAcquire(ctx, remotePath, c.cfg.LockTTL, c.cfg.LockWait)
	if err != nil {
		return err
	}
	stopKeepAlive := c.locker.KeepAlive(ctx, remotePath, token, c.cfg.LockTTL)
	defer func() {
		stopKeepAlive()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ok, err := c.locker.Release(releaseCtx, remotePath, token); err != nil || !ok {
			logger.Warn(ctx, "artifact lock release failed",
				zap.String("key", remotePath),
				zap.Bool("released", ok),
				zap.Error(err),
			)
		}
	}()

	// Another node may have built it while we waited for the lock.
	found, err := c.remote.Exists(ctx, remotePath)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "check remote bundle failed").WithDetail("path", remotePath)
	}
	if found {
		metrics.ArtifactCacheLookups.WithLabelValues("remote_hit").Inc()
		return c.download(ctx, remotePath, local)
	}

	metrics.ArtifactCacheLookups.WithLabelValues("built").Inc()
	start := time.Now()
	if err := c.build(ctx, a, remotePath, local); err != nil {
		if appErr.Is(err, appErr.InvalidArtifact) {
			return err
		}
		return appErr.Wrapf(err, appErr.BuildFailed, "build %s failed", a.BundleName).
			WithDetail("source", a.SourceRef())
	}
	metrics.Since(metrics.ArtifactBuildDuration, start)
	logger.Info(ctx, "artifact built",
		zap.String("bundle", a.BundleName),
		zap.String("source", a.SourceRef()),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (c *Cache) build(ctx context.Context, a model.CodeArtifact, remotePath, local string) error {
	source, err := c.verifiedSource(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close()
		_ = os.Remove(source.Name())
	}()

	tmp, err := os.CreateTemp(c.cfg.Root, ".build-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	err = c.builds.Build(ctx, source, func(bundle io.Reader) error {
		_, err := io.Copy(tmp, bundle)
		return err
	})
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	// Upload before the lock is released so waiters find the bundle remotely.
	if err := c.uploadFile(ctx, tmpPath, remotePath); err != nil {
		return err
	}
	return os.Rename(tmpPath, local)
}

// verifiedSource spools the source archive to disk and checks that its
// digest is the bundle name, so a bundle key only ever holds its own source.
func (c *Cache) verifiedSource(ctx context.Context, a model.CodeArtifact) (*os.File, error) {
	if a.SourceFileID == "" && a.SourceDigest != "" && a.SourceDigest != a.BundleName {
		return nil, mismatchError(a, a.SourceDigest)
	}
	source, err := c.openSource(ctx, a)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	spool, err := os.CreateTemp(c.cfg.Root, ".source-*")
	if err != nil {
		return nil, err
	}
	discard := func(err error) (*os.File, error) {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
		return nil, err
	}
	digest, err := model.BundleNameFor(io.TeeReader(source, spool))
	if err != nil {
		return discard(err)
	}
	if digest != a.BundleName {
		return discard(mismatchError(a, digest))
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return discard(err)
	}
	return spool, nil
}

func mismatchError(a model.CodeArtifact, digest string) error {
	return appErr.Newf(appErr.InvalidArtifact, "bundle %s does not match its source", a.BundleName).
		WithDetail("source", a.SourceRef()).
		WithDetail("digest", digest)
}

func (c *Cache) openSource(ctx context.Context, a model.CodeArtifact) (io.ReadCloser, error) {
	if a.SourceFileID != "" {
		if c.files == nil {
			return nil, appErr.New(appErr.CacheError).WithMessage("file store is not configured")
		}
		f, err := c.files.GetFileByID(ctx, a.SourceFileID)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(f.Data)), nil
	}
	if a.SourceDigest == "" {
		return nil, appErr.ValidationError("source", "artifact has neither source file id nor digest")
	}
	return c.remote.Open(ctx, a.RemoteSourcePath())
}

func (c *Cache) uploadFile(ctx context.Context, path, remotePath string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := c.remote.Upload(ctx, remotePath, f, info.Size(), bundleContentType); err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "upload bundle failed").WithDetail("path", remotePath)
	}
	return nil
}

func (c *Cache) download(ctx context.Context, remotePath, local string) error {
	rc, err := c.remote.Open(ctx, remotePath)
	if err != nil {
		return appErr.Wrapf(err, appErr.StorageError, "download bundle failed").WithDetail("path", remotePath)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.cfg.Root, ".download-*")
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create temp bundle failed")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		return appErr.Wrapf(err, appErr.StorageError, "download bundle failed").WithDetail("path", remotePath)
	}
	if err := tmp.Close(); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "write cached bundle failed")
	}
	if err := os.Rename(tmpPath, local); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "install cached bundle failed")
	}
	return nil
}

func (c *Cache) keyMutex(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keys[key]
	if !ok {
		m = &sync.Mutex{}
		c.keys[key] = m
	}
	return m
}

func (c *Cache) localPath(bundleName string) string {
	return filepath.Join(c.cfg.Root, bundleName+".js")
}

func validateBundleName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return appErr.ValidationError("bundle_name", "invalid bundle name")
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
