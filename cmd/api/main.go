package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/api"
	"github.com/Ichablog-AI/ichablog-api/internal/config"
	"github.com/Ichablog-AI/ichablog-api/internal/jobs"
	"github.com/Ichablog-AI/ichablog-api/internal/logger"
	"github.com/Ichablog-AI/ichablog-api/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	base, err := logger.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	logs := logger.NewRegistry(base)
	defer logs.Sync()
	lg := logs.Get("API")

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}

	opts, err := cfg.Redis.Options()
	if err != nil {
		lg.Fatal("invalid redis config", zap.Error(err))
	}
	client := queue.NewClient(opts, queue.WithNamespace(cfg.Queue.Namespace), queue.WithLogger(logs.Get("Queue")))
	if err := client.Init(context.Background()); err != nil {
		lg.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer client.Close()

	// The API only enqueues, so the mail job needs no sender here.
	set := jobs.NewSet(client, nil, logs)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewServer(client, set, lg).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		lg.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("api server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Error("api shutdown failed", zap.Error(err))
	}
	lg.Info("api stopped")
}
