package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	xhttp "SettleGuard/pkg/http"
	pkgkafka "SettleGuard/pkg/kafka"
	applogger "SettleGuard/pkg/logger"
)

// App encapsulates the application lifecycle.
type App struct {
	logger          *applogger.Logger
	httpServer      *xhttp.Server
	consumer        *pkgkafka.Consumer
	handler         pkgkafka.MessageHandler
	shutdownTimeout time.Duration
}

// New creates an App. consumer and handler may be nil when request
// consumption is disabled. Infrastructure clients are released by the
// injector's cleanup after Run returns.
func New(
	logger *applogger.Logger,
	httpServer *xhttp.Server,
	consumer *pkgkafka.Consumer,
	handler pkgkafka.MessageHandler,
	shutdownTimeout time.Duration,
) *App {
	if logger == nil {
		logger = applogger.Nop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &App{
		logger:          logger,
		httpServer:      httpServer,
		consumer:        consumer,
		handler:         handler,
		shutdownTimeout: shutdownTimeout,
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts the application and blocks until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	if err := a.httpServer.Start(); err != nil {
		a.logger.Error("http server start error", applogger.Error(err))
		return err
	}

	if a.consumer != nil && a.handler != nil {
		a.consumer.RegisterHandler(a.handler)
		if err := a.consumer.Start(); err != nil {
			a.logger.Error("kafka consumer start error", applogger.Error(err))
			a.shutdown()
			return err
		}
		a.logger.Info("kafka consumer started", applogger.String("topic", a.handler.Topic()))
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	a.shutdown()
	return nil
}

// shutdown stops HTTP intake before the consumer so no new resolutions start.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	if err := a.httpServer.Stop(ctx); err != nil {
		a.logger.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.logger.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	a.logger.Info("shutdown complete")
}
