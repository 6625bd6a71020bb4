package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/config"
	"github.com/Ichablog-AI/ichablog-api/internal/jobs"
	"github.com/Ichablog-AI/ichablog-api/internal/logger"
	"github.com/Ichablog-AI/ichablog-api/internal/mail"
	"github.com/Ichablog-AI/ichablog-api/internal/queue"
)

const (
	exitStartup  = 1
	exitShutdown = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Printf("load config: %v", err)
		return exitStartup
	}
	base, err := logger.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		log.Printf("init logger: %v", err)
		return exitStartup
	}
	logs := logger.NewRegistry(base)
	defer logs.Sync()
	lg := logs.Get("Worker")

	opts, err := cfg.Redis.Options()
	if err != nil {
		lg.Error("invalid redis config", zap.Error(err))
		return exitStartup
	}
	client := queue.NewClient(opts, queue.WithNamespace(cfg.Queue.Namespace), queue.WithLogger(logs.Get("Queue")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.Init(ctx); err != nil {
		lg.Error("failed to connect to redis", zap.Error(err))
		_ = client.Close()
		return exitStartup
	}

	sender, err := newMailSender(cfg.Mail, logs)
	if err != nil {
		lg.Error("failed to set up mail", zap.Error(err))
		_ = client.Close()
		return exitStartup
	}
	set := jobs.NewSet(client, sender, logs)

	rt, err := queue.StartAll(ctx, client, set.Specs(), logs.Get("Workers"), queue.BootOptions{
		SchedulerOptions: []queue.SchedulerOption{queue.WithSchedulerInterval(cfg.Queue.SchedulerInterval)},
		WorkerOptions:    []queue.WorkerOption{queue.WithPollTimeout(cfg.Queue.PollTimeout)},
		ShutdownTimeout:  cfg.Queue.ShutdownTimeout,
	})
	if err != nil {
		lg.Error("failed to start workers", zap.Error(err))
		_ = client.Close()
		return exitStartup
	}

	lg.Info("worker running, press Ctrl+C to exit")
	if err := rt.Run(ctx); err != nil {
		lg.Error("shutdown failed", zap.Error(err))
		return exitShutdown
	}
	return 0
}

// newMailSender delivers through Mailgun when it is configured and only
// logs outgoing mail otherwise.
func newMailSender(cfg config.MailConfig, logs *logger.Registry) (*mail.Service, error) {
	templates, err := mail.NewTemplateManager()
	if err != nil {
		return nil, err
	}
	var transport mail.Transport
	if cfg.Configured() {
		transport = mail.NewMailgunTransport(cfg.MailgunDomain, cfg.MailgunAPIKey, logs.Get("Mailgun"))
	} else {
		logs.Get("Mail").Warn("mailgun is not configured, emails will only be logged")
		transport = mail.NewLogTransport(logs.Get("Mail"))
	}
	return mail.NewService(templates, transport, cfg.From, logs.Get("MailService")), nil
}
