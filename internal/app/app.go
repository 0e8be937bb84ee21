package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"

	"github.com/hiberproxy/hiberproxy/internal/acme"
	"github.com/hiberproxy/hiberproxy/internal/certstore"
	"github.com/hiberproxy/hiberproxy/internal/config"
	"github.com/hiberproxy/hiberproxy/internal/dispatcher"
	"github.com/hiberproxy/hiberproxy/internal/errs"
	healthhandler "github.com/hiberproxy/hiberproxy/internal/handler/http/health"
	httpiface "github.com/hiberproxy/hiberproxy/internal/handler/http/interface"
	"github.com/hiberproxy/hiberproxy/internal/health"
	"github.com/hiberproxy/hiberproxy/internal/lifecycle"
	"github.com/hiberproxy/hiberproxy/internal/metrics"
	"github.com/hiberproxy/hiberproxy/internal/registry"
	"github.com/hiberproxy/hiberproxy/internal/sink"
	"github.com/hiberproxy/hiberproxy/pkg/logger"
)

// Options configures the parts of App that don't come from the config
// file: listener addresses and the TLS override (set from CLI flags), and
// the shutdown drain and timeout.
type Options struct {
	HTTPAddress     string
	HTTPSAddress    string
	InternalAddress string
	NoTLS           bool

	ShutdownDrain   time.Duration
	ShutdownTimeout time.Duration
}

// App wires every lifecycle-managed component together and owns the
// top-level start/stop sequence. It runs two HTTP surfaces: the proxy
// dispatcher (the product) and an internal Echo server carrying
// liveness/readiness/metrics (the ambient operational surface).
type App struct {
	cfg  *config.Config
	opts Options

	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter

	reg       *registry.Registry
	lc        *lifecycle.Controller
	responder *acme.Responder
	certStore *certstore.Store
	disp      *dispatcher.Dispatcher

	sk         sink.Sink
	sqliteSink *sink.SQLiteSink // non-nil only when cfg.DatabaseURL names a real sink
	cancel     context.CancelFunc
}

// New builds an App from a loaded config and CLI overrides. It does not
// bind any sockets yet; call Run for that.
func New(cfg *config.Config, opts Options) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &App{
		cfg:       cfg,
		opts:      opts,
		echo:      e,
		readiness: atomic.NewBool(false),
	}
}

// injectDependencies builds every collaborator: sink, registry, lifecycle
// controller, ACME responder, cert store, and the proxy dispatcher.
func (a *App) injectDependencies() error {
	sk, sqliteSink, err := openSink(a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrConfigInvalid, err)
	}
	a.sk = sk
	a.sqliteSink = sqliteSink

	a.reg = registry.Build(a.cfg)
	a.lc = lifecycle.New(a.reg, health.New(), a.sk)
	a.responder = acme.NewResponder()

	tlsEnabled := a.cfg.TLS.Enabled && !a.opts.NoTLS
	if tlsEnabled {
		a.certStore = certstore.New(a.cfg.TLS.CertsDir)
	}

	a.disp = dispatcher.New(a.reg, a.lc, a.responder, a.certStore)

	a.httpHandlers = []httpiface.HttpRouter{
		healthhandler.NewHealthHandler(a.readiness),
	}

	return nil
}

func openSink(databaseURL string) (sink.Sink, *sink.SQLiteSink, error) {
	if databaseURL == "" {
		logger.Info("app: no database_url configured, run/log events are discarded")
		return sink.NopSink{}, nil, nil
	}
	s, err := sink.Open(databaseURL, 0, 10*time.Second)
	if err != nil {
		return nil, nil, err
	}
	s.Start()
	return s, s, nil
}

// Run is the full lifecycle: bind listeners, serve, wait for a shutdown
// signal or a fatal listener error, drain, and tear down.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.injectDependencies(); err != nil {
		return err
	}

	go a.runInternalServer()

	tlsEnabled := a.cfg.TLS.Enabled && !a.opts.NoTLS
	dispatchErr := make(chan error, 1)
	go func() {
		dispatchErr <- a.disp.Start(ctx, a.opts.HTTPAddress, a.opts.HTTPSAddress, tlsEnabled)
	}()

	a.readiness.Store(true)
	logger.Info("app: ready, serving on %s (tls=%v)", a.opts.HTTPAddress, tlsEnabled)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	select {
	case <-quit:
		logger.Info("app: shutdown signal received")
	case err := <-dispatchErr:
		a.cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBindFailure, err)
		}
	}

	a.readiness.Store(false)
	if a.opts.ShutdownDrain > 0 {
		logger.Info("app: draining for %v before shutdown", a.opts.ShutdownDrain)
		time.Sleep(a.opts.ShutdownDrain)
	}

	shutdownTimeout := a.opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	a.disp.Shutdown(shutdownCtx)
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Warn("app: internal server shutdown: %v", err)
	}
	if a.sqliteSink != nil {
		a.sqliteSink.Stop()
		if err := a.sqliteSink.Close(); err != nil {
			logger.Warn("app: sink close: %v", err)
		}
	}

	a.cancel()
	logger.Info("app: stopped gracefully")
	return nil
}

// runInternalServer serves liveness/readiness/metrics — the ambient
// operational surface that is never lifecycle-managed and never routed
// through the dispatcher.
func (a *App) runInternalServer() {
	e := a.echo
	addr := a.opts.InternalAddress

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.readiness.Load() {
				p := c.Request().URL.Path
				if p != "/healthz" && p != "/readyz" && p != "/metrics" {
					return c.NoContent(http.StatusServiceUnavailable)
				}
			}
			return next(c)
		}
	})

	e.Use(echoprometheus.NewMiddleware("hiberproxy_internal"))
	e.GET("/metrics", echoprometheus.NewHandler())

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metrics.BackendsRunningGauge.Set(float64(a.lc.RunningCount()))
			return next(c)
		}
	})

	for _, h := range a.httpHandlers {
		h.SetupRoutes(e)
	}

	logger.Info("app: internal health/metrics server listening on %s", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Error("app: internal server error: %v", err)
	}
}
