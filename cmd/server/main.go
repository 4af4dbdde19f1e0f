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

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/alert-scheduler/internal/alert"
	"github.com/t77yq/alert-scheduler/internal/config"
	"github.com/t77yq/alert-scheduler/internal/executor"
	"github.com/t77yq/alert-scheduler/internal/handler"
	"github.com/t77yq/alert-scheduler/internal/lock"
	"github.com/t77yq/alert-scheduler/internal/model"
	"github.com/t77yq/alert-scheduler/internal/monitor"
	"github.com/t77yq/alert-scheduler/internal/scheduler"
	"github.com/t77yq/alert-scheduler/internal/service"
	"github.com/t77yq/alert-scheduler/internal/storage"
)

func newLogger(production bool) (*zap.Logger, error) {
	if production {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	var err error
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(cfg.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func newLocker(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, logger *zap.Logger) (lock.Locker, func(), error) {
	switch cfg.Lock.Type {
	case config.LockRedis:
		r, err := lock.NewRedis(ctx, lock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case config.LockSQLite:
		return storage.NewSQLiteLocker(store), func() {}, nil
	default:
		return lock.NewLocal(), func() {}, nil
	}
}

// registerHandlers wires a handler for every task kind the orchestrator creates
func registerHandlers(exec *executor.Executor, cfg config.NotifyConfig, orch *alert.Orchestrator, logger *zap.Logger) {
	var mailer handler.Mailer = handler.NewLogMailer(logger)
	if cfg.Email.Host != "" {
		mailer = handler.NewSMTPMailer(handler.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		})
	}
	var sms handler.SMSSender = handler.NewLogSMSSender(logger)
	if cfg.SMSGatewayURL != "" {
		sms = handler.NewHTTPSMSGateway(cfg.SMSGatewayURL, cfg.WebhookTimeout)
	}

	exec.RegisterHandler(model.TaskKindLog, handler.NewLogHandler(logger))
	exec.RegisterHandler(model.TaskKindEmail, handler.NewEmailHandler(logger, mailer, cfg.Email.From))
	exec.RegisterHandler(model.TaskKindSMS, handler.NewSMSHandler(logger, sms, cfg.SMSRatePerSecond))
	exec.RegisterHandler(model.TaskKindWebhook, handler.NewWebhookHandler(logger, cfg.WebhookTimeout))
	exec.RegisterHandler(model.TaskKindPlan, handler.NewPlanHandler(logger))
	exec.RegisterHandler(model.TaskKindAlert, orch)
}

// ignoreInvalid acknowledges messages that can never succeed
func ignoreInvalid(logger *zap.Logger, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, alert.ErrInvalidReport),
		errors.Is(err, alert.ErrAnomalyNotFound),
		errors.Is(err, alert.ErrExceptionTypeNotFound),
		errors.Is(err, alert.ErrExceptionTypeDisabled):
		logger.Warn("Rejected command", zap.Error(err))
		return nil
	}
	return err
}

func main() {
	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log.Production)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := connectNATS(cfg.NATS, cfg.App.Name, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()
	logger.Info("Connected to NATS successfully", zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}
	bus := service.NewEventBus(js, logger)
	if err := bus.EnsureStream(); err != nil {
		logger.Fatal("Failed to set up event stream", zap.Error(err))
	}
	defer bus.Close()

	store, err := storage.NewSQLiteStore(logger, cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	locker, closeLocker, err := newLocker(ctx, cfg, store, logger)
	if err != nil {
		logger.Fatal("Failed to create locker", zap.Error(err))
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(reg)
	host := monitor.NewHostCollector(cfg.Metrics.SampleInterval, logger)

	exec := executor.NewExecutor(store, store, locker, metrics, executor.Config{
		LockTTL:       cfg.Lock.TTL,
		RetryInterval: cfg.Scheduler.RetryInterval(),
	}, logger)

	sched, err := scheduler.New(scheduler.Config{
		Type:         cfg.Scheduler.Type,
		CorePoolSize: cfg.Scheduler.CorePoolSize,
		PollInterval: cfg.Scheduler.PollInterval,
		LockTTL:      cfg.Lock.TTL,
	}, scheduler.Dependencies{
		Store:    store,
		Executor: exec,
		Host:     host,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Failed to create scheduler", zap.Error(err))
	}
	tasks := service.NewTaskService(store, sched, exec, service.Config{MaxRetryCount: cfg.Scheduler.MaxRetryCount}, logger)

	actions := alert.NewActionDispatcher(logger)
	actions.Register(model.ActionLog, alert.NewLogAction(logger))
	alert.NewNotificationAction(tasks, logger).Register(actions)
	orch := alert.NewOrchestrator(alert.Dependencies{
		Store:     store,
		Tasks:     tasks,
		Actions:   actions,
		Detectors: alert.NewDetectorRegistry(alert.NewRecordCheck(store)),
		Publisher: bus,
		Metrics:   metrics,
		Logger:    logger,
	})
	registerHandlers(exec, cfg.Notify, orch, logger)

	host.PublishStatus(tasks.SchedulerStatus, bus)
	host.Start(ctx)
	defer host.Stop()

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	if _, err := orch.Recover(ctx); err != nil {
		logger.Fatal("Failed to recover anomalies", zap.Error(err))
	}

	err = bus.SubscribeBusinessEvents(ctx, func(ctx context.Context, event model.BusinessEvent) error {
		_, err := orch.HandleBusinessEvent(ctx, event)
		return ignoreInvalid(logger, err)
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to business events", zap.Error(err))
	}
	err = bus.SubscribeCommands(ctx, service.CommandHandlers{
		Report: func(ctx context.Context, report model.AnomalyReport) error {
			_, err := orch.ReportAnomaly(ctx, report)
			return ignoreInvalid(logger, err)
		},
		Resolve: func(ctx context.Context, cmd model.ResolveCommand) error {
			source := cmd.Source
			if source == "" {
				source = model.ResolutionManual
			}
			_, err := orch.Resolve(ctx, cmd.ExceptionEventID, cmd.Reason, source)
			return ignoreInvalid(logger, err)
		},
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to commands", zap.Error(err))
	}

	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving metrics", zap.String("addr", cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// Cleanup execution logs older than the retention period
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				n, err := tasks.CleanupLogs(gctx, time.Now().Add(-cfg.Scheduler.LogRetention))
				if err != nil {
					logger.Error("Failed to cleanup old execution logs", zap.Error(err))
					continue
				}
				logger.Info("Execution logs cleaned up", zap.Int64("deleted", n))
			}
		}
	})

	logger.Info("Alert scheduler started",
		zap.String("scheduler", cfg.Scheduler.Type),
		zap.String("lock", cfg.Lock.Type))

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
	}
	logger.Info("Server shutting down gracefully")
}
