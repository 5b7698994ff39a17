package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/leafcheck/internal/auth"
	"github.com/example/leafcheck/internal/bootstrap"
	"github.com/example/leafcheck/internal/config"
	"github.com/example/leafcheck/internal/embedding"
	"github.com/example/leafcheck/internal/grpchealth"
	"github.com/example/leafcheck/internal/handlers"
	"github.com/example/leafcheck/internal/logging"
	"github.com/example/leafcheck/internal/repository"
	"github.com/example/leafcheck/internal/samples"
	"github.com/example/leafcheck/internal/usecase"
)

const startupTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(getEnv("LEAFCHECK_CONFIG", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	db := initDatabase(ctx, cfg.Server.DatabaseDSN, logger)
	repo := repository.NewAdmissionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.Server.RedisAddr, logger)

	comps, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to load models", zap.Error(err))
	}
	defer comps.Close()

	opts := []usecase.Option{
		usecase.WithTimeout(cfg.Server.AdmissionTimeout),
		usecase.WithImageSize(comps.ImageSize),
	}
	if cfg.Samples.Enabled {
		opts = append(opts, usecase.WithSamples(samples.NewArchive(cfg.Samples.Dir, logger, samples.WithAccepted(cfg.Samples.KeepAccepted))))
	}
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewAdmissionUseCase(repo, cache, comps.Pipeline, logger, opts...)

	healthServer := grpchealth.NewServer(logger)
	healthServer.Publish(grpchealth.Readiness{
		ModelLoaded:      true,
		EmbeddingEnabled: comps.Pipeline.EmbeddingMode() != embedding.ModeOff,
	})
	grpcListener, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.Server.GRPCAddr))
	}
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Error("gRPC health server failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: newRouter(uc, auth.JWTMiddleware(cfg.Server.JWTSecret, cfg.Server.JWTAudience)),
	}

	logger.Info("leaf admission API listening", zap.String("addr", cfg.Server.HTTPAddr))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger, healthServer.Stop); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(svc handlers.AdmissionService, authMiddleware gin.HandlerFunc) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, svc, authMiddleware)
	return r
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, onShutdown func(context.Context)) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil, onShutdown)
}

// serveHTTPServerWithOptions serves until the listener fails or a signal
// arrives. On a signal, onShutdown (if set) runs alongside the HTTP drain and
// shares its deadline.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal, onShutdown func(context.Context)) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			if onShutdown != nil {
				onShutdown(ctx)
			}
		}()
		err := server.Shutdown(ctx)
		<-drained
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
