package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/termsync/internal/config"
	"github.com/rickgao/termsync/internal/connection"
	"github.com/rickgao/termsync/internal/database"
	"github.com/rickgao/termsync/internal/dispatch"
	"github.com/rickgao/termsync/internal/health"
	"github.com/rickgao/termsync/internal/metrics"
	"github.com/rickgao/termsync/internal/orderer"
	"github.com/rickgao/termsync/internal/packetlog"
	"github.com/rickgao/termsync/internal/router"
	"github.com/rickgao/termsync/internal/status"
	"github.com/rickgao/termsync/internal/subscription"
	"github.com/rickgao/termsync/internal/throttle"
	"github.com/rickgao/termsync/internal/writer"
)

const appName = "termsync"

// StopTimeout bounds graceful shutdown.
const StopTimeout = 30 * time.Second

// Engine owns every running component.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	Gateway    *connection.Gateway
	Throttler  *throttle.Throttler
	Dispatcher *dispatch.Dispatcher
	Monitor    *health.Monitor
	Manager    *subscription.Manager
	Router     *router.Router
	PacketLog  *packetlog.Logger // nil when disabled
	Registry   *prometheus.Registry
	Status     *status.Server       // nil when disabled
	Uptime     *writer.UptimeWriter // nil until Start connects the database

	pool    *pgxpool.Pool
	cancel  context.CancelFunc
	started bool
}

// New builds the components. Nothing connects until Start.
func New(cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{cfg: cfg, logger: logger}

	e.Gateway = connection.NewGateway(GatewayConfig(cfg), logger.With("component", "gateway"))
	e.Throttler = throttle.New(ThrottleConfig(cfg), nil, e.Gateway, logger.With("component", "throttler"))
	e.Dispatcher = dispatch.New(DispatchConfig(cfg), logger.With("component", "dispatcher"))
	e.Monitor = health.New(HealthConfig(cfg), logger.With("component", "health"))
	e.Manager = subscription.New(SubscriptionConfig(cfg), e.Gateway, e.Throttler, e.Dispatcher, e.Monitor,
		logger.With("component", "subscriptions"))

	e.Gateway.OnReconnected(e.Manager.OnReconnected)
	e.Gateway.OnDisconnected(e.Manager.OnDisconnected)

	var tap router.Tap
	if cfg.PacketLog.Enabled {
		e.PacketLog = packetlog.New(PacketLogConfig(cfg), logger.With("component", "packetlog"))
		tap = e.PacketLog
	}
	e.Router = router.NewRouter(router.DefaultRouterConfig(), e.Gateway.Messages(), e.Manager, e.Gateway, tap,
		logger.With("component", "router"))

	e.Registry = metrics.NewRegistry(metrics.Sources{
		Subscriptions: e.Manager.Stats,
		Throttler:     e.Throttler.Stats,
		Dispatcher:    e.Dispatcher.Stats,
		Health:        e.Monitor.Stats,
		Gateway:       e.Gateway.Stats,
		Router:        e.Router.Stats,
		Uptime:        e.uptimeStats,
	})

	if cfg.Metrics.Enabled {
		e.Status = status.New(status.Config{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
			Debug:       cfg.Logging.Level == "debug",
		}, e.Manager, e.Monitor, metrics.Handler(e.Registry), logger.With("component", "status"))
	}

	return e
}

// Start connects the database when uptime persistence is enabled and starts
// every component.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.Uptime.Enabled {
		e.logger.Info("connecting to database",
			"host", e.cfg.Database.Host,
			"port", e.cfg.Database.Port,
			"database", e.cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, e.cfg.Database, appName)
		if err != nil {
			e.cancel()
			return fmt.Errorf("connect database: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			e.cancel()
			return fmt.Errorf("ensure schema: %w", err)
		}
		e.pool = pool
		e.Uptime = writer.NewUptimeWriter(WriterConfig(e.cfg), e.Monitor, pool, e.logger.With("component", "uptime"))
	}

	if err := e.Gateway.Start(ctx); err != nil {
		e.cancel()
		return fmt.Errorf("start gateway: %w", err)
	}
	e.Throttler.Start(ctx)
	e.Monitor.Start(ctx)
	e.Manager.Start(ctx)
	if err := e.Router.Start(ctx); err != nil {
		e.cancel()
		return fmt.Errorf("start router: %w", err)
	}

	if e.Uptime != nil {
		if err := e.Uptime.Start(ctx); err != nil {
			e.cancel()
			return fmt.Errorf("start uptime writer: %w", err)
		}
	}
	if e.Status != nil {
		if err := e.Status.Start(ctx); err != nil {
			e.cancel()
			return fmt.Errorf("start status server: %w", err)
		}
	}

	e.started = true
	e.logger.Info("engine started", "instance_id", e.cfg.Instance.ID)
	return nil
}

// SubscribeConfigured subscribes every account listed in the configuration.
func (e *Engine) SubscribeConfigured() error {
	var errs []error
	for _, id := range e.cfg.AccountIDs() {
		if err := e.Manager.Subscribe(id); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Stop shuts components down in reverse start order.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	e.started = false
	e.logger.Info("stopping engine")

	var errs []error
	if e.Status != nil {
		errs = append(errs, e.Status.Stop(ctx))
	}
	if e.Uptime != nil {
		errs = append(errs, e.Uptime.Stop(ctx))
	}
	errs = append(errs, e.Manager.Close(ctx))
	errs = append(errs, e.Router.Stop(ctx))
	errs = append(errs, e.Monitor.Stop(ctx))
	errs = append(errs, e.Throttler.Stop(ctx))
	errs = append(errs, e.Dispatcher.Stop(ctx))
	errs = append(errs, e.Gateway.Stop(ctx))
	if e.PacketLog != nil {
		errs = append(errs, e.PacketLog.Close())
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.cancel()

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) uptimeStats() writer.WriterMetrics {
	if e.Uptime == nil {
		return writer.WriterMetrics{}
	}
	return e.Uptime.Stats()
}

// -----------------------------------------------------------------------------
// Component configuration
// -----------------------------------------------------------------------------

// GatewayConfig derives the gateway settings.
func GatewayConfig(cfg *config.Config) connection.GatewayConfig {
	g := cfg.Gateway
	out := connection.DefaultGatewayConfig()
	out.URL = g.URL
	out.Token = g.Token
	out.Application = g.Application
	out.MaxAccountsPerSocket = g.MaxAccountsPerSocket
	out.RequestTimeout = g.RequestTimeout
	out.ConnectTimeout = g.ConnectTimeout
	out.ReconnectBaseWait = g.ReconnectBaseDelay
	out.ReconnectMaxWait = g.ReconnectMaxDelay
	out.MessageBufferSize = g.MessageBufferSize
	out.Client.PingInterval = g.PingInterval
	out.Client.PingTimeout = g.PingTimeout
	return out
}

// ThrottleConfig derives the synchronization throttler settings.
func ThrottleConfig(cfg *config.Config) throttle.Config {
	s := cfg.Synchronization
	out := throttle.DefaultConfig()
	out.BaseConcurrency = s.BaseConcurrency
	out.AccountsPerSlot = s.AccountsPerSlot
	out.MaxConcurrency = s.MaxConcurrency
	out.MaxAttempts = s.MaxAttempts
	out.InitialBackoff = s.RetryMinDelay
	out.MaxBackoff = s.RetryMaxDelay
	out.SlotTimeout = s.SlotTimeout
	return out
}

// SubscriptionConfig derives the subscription manager settings.
func SubscriptionConfig(cfg *config.Config) subscription.Config {
	s := cfg.Synchronization
	out := subscription.DefaultConfig()
	out.Orderer = orderer.Config{
		GapTimeout:        s.GapTimeout,
		WaitListSizeLimit: s.WaitListLimit,
	}
	out.GapCheckInterval = s.GapCheckInterval
	out.AttemptTimeout = s.AttemptTimeout
	out.RetryCooldown = s.RetryCooldown
	out.SubscribeRetryMin = s.SubscribeRetryMin
	out.SubscribeRetryMax = s.SubscribeRetryMax
	out.RequestTimeout = cfg.Gateway.RequestTimeout
	return out
}

// DispatchConfig derives the listener dispatcher settings.
func DispatchConfig(cfg *config.Config) dispatch.Config {
	d := cfg.Dispatcher
	out := dispatch.DefaultConfig()
	out.Mode = dispatch.Mode(d.Mode)
	out.MaxConcurrency = d.MaxConcurrency
	out.SlowListenerThreshold = d.SlowThreshold
	return out
}

// HealthConfig derives the health monitor settings.
func HealthConfig(cfg *config.Config) health.Config {
	h := cfg.Health
	out := health.DefaultConfig()
	out.SilenceThreshold = h.SilenceThreshold
	out.CheckInterval = h.CheckInterval
	out.SampleInterval = h.SampleInterval
	return out
}

// PacketLogConfig derives the packet log settings.
func PacketLogConfig(cfg *config.Config) packetlog.Config {
	p := cfg.PacketLog
	out := packetlog.DefaultConfig()
	out.Dir = p.Dir
	out.MaxSizeMB = p.MaxSizeMB
	out.MaxBackups = p.MaxBackups
	out.MaxAgeDays = p.MaxAgeDays
	out.Compress = p.Compress
	return out
}

// WriterConfig derives the uptime writer settings.
func WriterConfig(cfg *config.Config) writer.WriterConfig {
	u := cfg.Uptime
	return writer.WriterConfig{
		InstanceID:     cfg.Instance.ID,
		SampleInterval: u.Interval,
		BatchSize:      u.BatchSize,
		FlushInterval:  u.FlushInterval,
	}
}
