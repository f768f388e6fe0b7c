package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orderbridge/internal/domain/order"
	"github.com/xenking/orderbridge/internal/handler"
	"github.com/xenking/orderbridge/internal/mail"
	"github.com/xenking/orderbridge/internal/messaging"
	"github.com/xenking/orderbridge/pkg/health"
	"github.com/xenking/orderbridge/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.Int("recipients", len(cfg.Messaging.Recipients)),
	)
	for _, w := range cfg.Warnings() {
		lg.Warn(w)
	}

	ledger, err := OpenLedger(ctx, cfg.LedgerOptions(), lg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck(ledger.Name, 5*time.Second, ledger.Check)
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Domain service.
	orders := order.NewService(
		ledger,
		messaging.New(cfg.messagingConfig()),
		mail.NewNotifier(cfg.mailConfig()),
		order.ServiceConfig{
			Recipients:          cfg.Messaging.Recipients,
			StaleAfter:          cfg.StaleAfter,
			PendingTTL:          cfg.Ledger.PendingTTL,
			PaymentInstructions: cfg.Mail.PaymentInstructions,
		},
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Broadcasts pace messages, so a webhook response can take a while.
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler:        newHTTPHandler(ctx, cfg, orders, healthSvc, m.TracerProvider(), m.MeterProvider()),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orders.RunSweeper(gctx, cfg.Ledger.SweepInterval)
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// newHTTPHandler assembles routes and the middleware chain. The rate limiter
// evicts idle clients until ctx is done.
func newHTTPHandler(
	ctx context.Context,
	cfg *Config,
	orders handler.OrderService,
	healthSvc *health.Health,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
) http.Handler {
	h := handler.NewHandler(handler.Config{
		PublicURL: cfg.PublicURL,
		Limit: httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
		}),
	}, orders)

	r := chi.NewRouter()
	r.Use(httpmiddleware.LogRequests())
	healthSvc.Register(r)
	h.Register(r)

	return httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.InjectLogger(zctx.From(ctx)),
		httpmiddleware.RequestID(),
		httpmiddleware.Instrument("orderbridge", tp, mp),
	)
}
