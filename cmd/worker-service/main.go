package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowrunner/internal/common/cache"
	"flowrunner/internal/common/db"
	commonmw "flowrunner/internal/common/http/middleware"
	"flowrunner/internal/common/lock"
	"flowrunner/internal/common/metrics"
	"flowrunner/internal/common/mq"
	"flowrunner/internal/common/storage"
	"flowrunner/internal/engine/artifact"
	"flowrunner/internal/engine/builder"
	"flowrunner/internal/engine/controller"
	"flowrunner/internal/engine/pipeline"
	"flowrunner/internal/engine/process"
	"flowrunner/internal/engine/repository"
	"flowrunner/internal/engine/service"
	"flowrunner/pkg/utils/logger"
	"flowrunner/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/worker_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := context.Background()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(ctx, "init minio failed", zap.Error(err))
		return
	}
	if err := objStorage.EnsureBucket(ctx); err != nil {
		logger.Error(ctx, "ensure minio bucket failed", zap.Error(err))
		return
	}

	var redisClient *redis.Client
	lockStore := lock.Store(lock.NewMemoryStore())
	if appCfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(&appCfg.Redis)
		if err != nil {
			logger.Error(ctx, "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisClient.Close()
		}()
		lockStore = lock.NewRedisStore(redisClient, appCfg.Lock.Prefix)
	} else {
		logger.Warn(ctx, "redis not configured, artifact locks are local to this node")
	}
	locker := lock.NewLocker(lockStore, lock.WithPollInterval(appCfg.Lock.PollInterval))

	versions := repository.NewVersionStore(mysqlDB)
	runs := repository.NewRunLogRepository(mysqlDB)
	files := repository.NewFileStore(mysqlDB, appCfg.Files.MaxSize)

	runner := process.NewExecRunner()
	buildPool, err := builder.NewPool(appCfg.Builder, runner)
	if err != nil {
		logger.Error(ctx, "init build pool failed", zap.Error(err))
		return
	}
	artifacts, err := artifact.NewCache(appCfg.Artifact, objStorage, files, builder.NewService(buildPool), locker)
	if err != nil {
		logger.Error(ctx, "init artifact cache failed", zap.Error(err))
		return
	}

	creds, err := pipeline.NewCredentials(appCfg.Pipeline.TokenSecret, appCfg.Pipeline.TokenIssuer, appCfg.Pipeline.TokenTTL)
	if err != nil {
		logger.Error(ctx, "init worker credentials failed", zap.Error(err))
		return
	}
	executions, err := pipeline.NewExecutionPool(appCfg.Pipeline, appCfg.Sandbox, runner, pipeline.Deps{
		Artifacts:   artifacts,
		RunLog:      runs,
		Credentials: creds,
	})
	if err != nil {
		logger.Error(ctx, "init execution pool failed", zap.Error(err))
		return
	}
	tests, err := pipeline.NewCodeTestPool(appCfg.Pipeline, appCfg.Sandbox, runner, artifacts)
	if err != nil {
		logger.Error(ctx, "init code test pool failed", zap.Error(err))
		return
	}

	var mqClient *mq.KafkaQueue
	var publisher mq.Producer
	if appCfg.Kafka.Enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
		if err != nil {
			logger.Error(ctx, "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
		publisher = mqClient
	}

	engineSvc, err := service.NewService(service.Config{
		Versions:      versions,
		Runs:          runs,
		Files:         files,
		Executions:    executions,
		Tests:         tests,
		Publisher:     publisher,
		FinishedTopic: appCfg.Kafka.FinishedTopic,
	})
	if err != nil {
		logger.Error(ctx, "init engine service failed", zap.Error(err))
		return
	}

	if mqClient != nil {
		err = mqClient.Subscribe(ctx, appCfg.Kafka.RequestTopic, engineSvc.HandleMessage, &mq.SubscribeOptions{
			ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
			Concurrency:     appCfg.Kafka.Concurrency,
			MaxRetries:      appCfg.Kafka.MaxRetries,
			RetryDelay:      appCfg.Kafka.RetryDelay,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			Limiter:         mq.NewTokenLimiter(executions.Size()),
		})
		if err != nil {
			logger.Error(ctx, "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(ctx, "start kafka consumer failed", zap.Error(err))
			return
		}
	}

	health := func(ctx context.Context) error {
		if err := mysqlDB.Ping(ctx); err != nil {
			return err
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		if mqClient != nil {
			return mqClient.Ping(ctx)
		}
		return nil
	}
	var limiter commonmw.Limiter
	if redisClient != nil {
		limiter = cache.NewFixedWindowLimiter(redisClient, appCfg.RateLimit.Window, appCfg.RateLimit.Timeout)
	}
	httpServer := buildHTTPServer(appCfg.Server, appCfg.RateLimit, limiter, controller.NewEngineController(engineSvc), health)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "worker http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int("execution_workers", executions.Size()),
			zap.Int("test_workers", tests.Size()),
			zap.Int("build_slots", buildPool.Size()),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if mqClient != nil {
		_ = mqClient.Stop()
	}
	executions.Shutdown(timeoutCtx)
	tests.Shutdown(timeoutCtx)
}

func buildHTTPServer(cfg ServerConfig, limits RateLimitConfig, limiter commonmw.Limiter, engineController *controller.EngineController, health func(context.Context) error) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		if err := health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		response.Success(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api/v1/engine")
	api.POST("/flows/execute",
		commonmw.RateLimitMiddleware(limiter, rateLimitPrefix, "execute", limits.Execute),
		engineController.ExecuteFlow,
	)
	api.POST("/codes/test",
		commonmw.RateLimitMiddleware(limiter, rateLimitPrefix, "test", limits.Test),
		engineController.TestCode,
	)
	api.GET("/runs/:id", engineController.GetRun)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
