package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/config"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/metrics"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/secrets"
	"github.com/fgateway/fgapiserver/internal/tasks"
	"github.com/fgateway/fgapiserver/internal/telemetry"
)

const sessionPurgeInterval = time.Hour

// Components are the domain services behind the API. The CLI builds the
// same set for its offline commands.
type Components struct {
	Store     *db.Store
	Vault     *secrets.Vault
	Metrics   *metrics.Metrics
	Sandboxes *sandbox.Manager
	Sessions  *auth.Sessions
	Tasks     *tasks.Manager
	Catalog   *catalog.Catalog
}

// NewComponents wires the domain services for cfg. A missing age key is
// allowed; secret infrastructure parameters are then rejected.
func NewComponents(cfg config.Config, store *db.Store, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	vault, err := secrets.LoadOptionalVault(cfg.SecretsAgeKeyPath)
	if err != nil {
		return nil, err
	}
	if vault != nil {
		warning, err := config.CheckPrivateFile("age key", vault.KeyPath)
		if err != nil {
			return nil, err
		}
		if warning != "" {
			logger.Warn(warning)
		}
	} else {
		logger.Warn("age key not found; secret infrastructure parameters are disabled",
			zap.String("path", cfg.SecretsAgeKeyPath))
	}
	m := metrics.New()
	sandboxes := sandbox.NewManager(cfg.SandboxRoot)
	return &Components{
		Store:     store,
		Vault:     vault,
		Metrics:   m,
		Sandboxes: sandboxes,
		Sessions:  auth.NewSessions(store, cfg.SessionTTL, logger.Named("auth")),
		Tasks: tasks.NewManager(store, sandboxes, tasks.Options{
			ExecutorTarget: cfg.ExecutorTarget,
			MaxUploadBytes: cfg.MaxUploadBytes,
			Vault:          vault,
			Metrics:        m,
			Logger:         logger.Named("tasks"),
		}),
		Catalog: catalog.New(store, sandbox.NewManager(cfg.AppFilesDir), catalog.Options{
			Vault:   vault,
			Metrics: m,
			Logger:  logger.Named("catalog"),
		}),
	}, nil
}

// Service owns the API listener and the optional metrics listener.
type Service struct {
	cfg             config.Config
	components      *Components
	logger          *zap.Logger
	listener        net.Listener
	server          *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server
	traceShutdown   telemetry.ShutdownFunc
}

// Run opens the store, binds listeners and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := OpenStore(cfg)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store, logger, os.Stderr)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// OpenStore opens the store selected by db_driver.
func OpenStore(cfg config.Config) (*db.Store, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return db.OpenDriver(cfg.DBDriver, cfg.DBDSN)
	}
	return db.OpenDriver(cfg.DBDriver, cfg.DBPath)
}

// NewService constructs a service with bound listeners. Spans go to
// traceOut when tracing is enabled.
func NewService(cfg config.Config, store *db.Store, logger *zap.Logger, traceOut io.Writer) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	components, err := NewComponents(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	traceShutdown, err := telemetry.Setup(cfg.TracingEnabled, traceOut)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		_ = traceShutdown(context.Background())
		return nil, err
	}
	api := NewAPI(store, components.Sessions, components.Tasks, components.Catalog, components.Sandboxes, logger.Named("http")).
		WithPrefix(cfg.APIPrefix).
		WithMetrics(components.Metrics).
		WithRateLimiter(NewIPRateLimiter(cfg.AuthRateLimit, cfg.AuthRateBurst)).
		WithTrustedProxies(proxies)
	handler := api.Handler()
	if cfg.TracingEnabled {
		handler = telemetry.Wrap(handler, "fgapiserver")
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = traceShutdown(context.Background())
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	s := &Service{
		cfg:           cfg,
		components:    components,
		logger:        logger,
		listener:      listener,
		traceShutdown: traceShutdown,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
	if cfg.MetricsListen != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			_ = traceShutdown(context.Background())
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", components.Metrics.Handler())
		s.metricsListener = metricsListener
		s.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return s, nil
}

// Addr is the bound API address.
func (s *Service) Addr() string {
	return s.listener.Addr().String()
}

// MetricsAddr is the bound metrics address, empty when metrics are off.
func (s *Service) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	s.logger.Info("listening",
		zap.String("api", s.Addr()),
		zap.String("prefix", s.cfg.APIPrefix),
		zap.String("metrics", s.MetricsAddr()),
		zap.String("db", s.components.Store.Driver()))

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.purgeSessions(janitorCtx)

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.server.Serve(s.listener) }()
	if s.metricsServer != nil {
		servers++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api shutdown", zap.Error(err))
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Warn("trace shutdown", zap.Error(err))
	}
	if s.components.Store != nil {
		_ = s.components.Store.Close()
	}
}

// purgeSessions deletes expired session rows once an hour.
func (s *Service) purgeSessions(ctx context.Context) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.components.Store.PurgeExpiredSessions(ctx, time.Now().UTC())
			if err != nil {
				s.logger.Warn("purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired sessions purged", zap.Int64("count", n))
			}
		}
	}
}
