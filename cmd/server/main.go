package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"coursedrop/internal/api"
	"coursedrop/internal/cache"
	"coursedrop/internal/config"
	"coursedrop/internal/database"
	"coursedrop/internal/hub"
	"coursedrop/internal/logging"
	"coursedrop/internal/middleware"
	"coursedrop/internal/migrations"
	"coursedrop/internal/queue"
	"coursedrop/internal/repository"
	"coursedrop/internal/repository/postgres"
	"coursedrop/internal/service"
	"coursedrop/internal/storage"
	"coursedrop/internal/storage/local"
	"coursedrop/internal/storage/s3"
	"coursedrop/internal/validation"
	"coursedrop/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New()
	logger.Println("配置加载完成，开始启动服务")

	ctx := context.Background()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		logger.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		logger.Fatalf("执行迁移失败: %v", err)
	}

	var store storage.Storage
	switch cfg.StorageDriver {
	case "s3":
		store, err = s3.New(ctx, s3.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			logger.Fatalf("初始化 S3 存储失败: %v", err)
		}
	default:
		store = local.New(cfg.StorageDir, "")
	}

	// Redis 可选：未配置时缓存层全部走慢路径
	var statusCache *cache.Cache
	if cfg.RedisAddr != "" {
		statusCache, err = cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.Printf("连接 Redis 失败，继续以无缓存模式运行: %v", err)
			statusCache = nil
		} else {
			defer statusCache.Close()
		}
	}

	fileRepo := postgres.NewFileRepository(db)
	jobRepo := postgres.NewJobRepository(db)

	broker, err := queue.NewBroker(cfg.AMQPURL, cfg.QueuePrefix, jobRepo, statusCache, logger)
	if err != nil {
		logger.Fatalf("连接 RabbitMQ 失败: %v", err)
	}
	defer broker.Close()

	var jwtVerifier *middleware.JWTVerifier
	var tokenVerifier hub.TokenVerifier
	if cfg.AuthEnabled {
		if cfg.AuthMode == "jwt" {
			jwtVerifier, err = middleware.NewJWTVerifier(cfg.JWTSecret, cfg.JWKSURL, logger)
			if err != nil {
				logger.Fatalf("初始化 JWT 验证器失败: %v", err)
			}
			defer jwtVerifier.Close()
			tokenVerifier = jwtVerifier.Verify
		} else {
			// apikey 模式下 websocket 鉴权与 HTTP 一致：key 即 owner id
			keys := make(map[string]struct{}, len(cfg.APIKeys))
			for _, key := range cfg.APIKeys {
				keys[key] = struct{}{}
			}
			tokenVerifier = func(token string) (string, error) {
				if _, ok := keys[token]; !ok {
					return "", fmt.Errorf("invalid api key")
				}
				return token, nil
			}
		}
	}

	eventHub := hub.New(tokenVerifier, cfg.HubSweepInterval, cfg.HubLivenessTimeout, logger)
	eventHub.StartSweeper()
	defer eventHub.Shutdown()

	limits := validation.Limits{
		MaxFileSizeBytes:    cfg.MaxFileSizeBytes,
		MaxBatchSizeBytes:   cfg.MaxBatchSizeBytes,
		MaxBatchFiles:       cfg.MaxBatchFiles,
		AllowedContentTypes: cfg.AllowedContentTypes,
	}
	dedup := service.NewDedupChecker(fileRepo, statusCache)
	ingest := service.NewIngestService(fileRepo, store, broker, dedup, eventHub, limits, cfg.BatchWindowSize, logger)

	deletion := worker.NewDeletionWorker(fileRepo, store, eventHub, logger)
	consumer := queue.NewConsumer(broker, logger)
	if err := consumer.Register(repository.JobTypeFileDeletion, deletion.Handle, 2); err != nil {
		logger.Fatalf("注册删除任务处理器失败: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatalf("启动任务消费者失败: %v", err)
	}
	defer consumer.Close()

	fileHandler := api.NewFileHandler(ingest, cfg.MaxFileSizeBytes)
	router := api.NewRouter(cfg, fileHandler, eventHub, jwtVerifier)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      router,
	}

	logger.Printf("服务监听端口 :%s\n", cfg.HTTPPort)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("监听失败: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("优雅关闭失败: %v", err)
	}

	logger.Println("服务已停止")
}
