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

	"github.com/example/store-classifier/internal/auth"
	"github.com/example/store-classifier/internal/config"
	"github.com/example/store-classifier/internal/handlers"
	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/inferencerpc"
	"github.com/example/store-classifier/internal/logging"
	"github.com/example/store-classifier/internal/model"
	"github.com/example/store-classifier/internal/usecase"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	loader := model.NewLoader(newOpener(cfg.Model, logger), cfg.Model.Classes, logger)
	defer func() {
		if err := loader.Close(); err != nil {
			logger.Warn("failed to release model", zap.Error(err))
		}
	}()
	if h := loader.Load(); !h.Available() {
		logger.Warn("model unavailable, classification disabled", zap.Error(h.Err()), zap.String("path", cfg.Model.Path))
	}

	cache := initCache(cfg, logger)
	preprocessor := imageprocessor.NewPreprocessor(cfg.Model.ImageSize)
	uc := usecase.NewClassificationUseCase(loader, preprocessor, cache, logger, usecase.Options{
		TempDir:  cfg.Upload.TempDir,
		CacheTTL: cfg.Cache.TTL,
	})

	if cfg.GRPC.Addr != "" {
		stop, err := startGRPC(cfg.GRPC.Addr, loader, preprocessor.Shape(), logger)
		if err != nil {
			logger.Fatal("failed to start gRPC server", zap.Error(err))
		}
		defer stop()
	}

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(cfg, uc),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("store classifier listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("classes", cfg.Model.Classes))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg *config.Config, uc *usecase.ClassificationUseCase) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, handlers.Options{
		Title:             cfg.Server.Title,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	}, auth.Optional(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	return r
}

// newOpener selects the remote gRPC backend when configured, ONNX otherwise.
func newOpener(cfg config.ModelConfig, logger *zap.Logger) model.Opener {
	if cfg.RemoteAddr != "" {
		return inferencerpc.Dial(cfg.RemoteAddr, logger)
	}
	return model.OpenONNX(model.ONNXConfig{
		Path:          cfg.Path,
		SharedLibrary: cfg.SharedLibrary,
		InputName:     cfg.InputName,
		OutputName:    cfg.OutputName,
		ImageSize:     cfg.ImageSize,
	})
}

func initCache(cfg *config.Config, logger *zap.Logger) usecase.Cache {
	if cfg.Cache.RedisAddr == "" {
		return usecase.NopCache{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, prediction cache disabled", zap.Error(err), zap.String("addr", cfg.Cache.RedisAddr))
		client.Close()
		return usecase.NopCache{}
	}
	return usecase.NewRedisCache(client)
}

func startGRPC(addr string, loader *model.Loader, shape []int64, logger *zap.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := inferencerpc.NewServer(loader, shape, logger)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return srv.Stop, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
