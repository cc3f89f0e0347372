package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/c360/radar/auth"
	"github.com/c360/radar/client"
	"github.com/c360/radar/config"
	"github.com/c360/radar/dispatch"
	"github.com/c360/radar/health"
	"github.com/c360/radar/metric"
	"github.com/c360/radar/natsclient"
	"github.com/c360/radar/persistence"
	"github.com/c360/radar/persistence/natsport"
	"github.com/c360/radar/pkg/cache"
	"github.com/c360/radar/pkg/retry"
	"github.com/c360/radar/resourceregistry"
	"github.com/c360/radar/sentry"
	"github.com/c360/radar/transport/websocket"
)

// app is one radar process and everything it owns.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *metric.MetricsRegistry
	monitor    *health.Monitor
	port       persistence.Port
	sentry     *sentry.Sentry
	clients    *client.Registry
	dispatcher *dispatch.Dispatcher
	ws         *websocket.Server

	httpServer    *http.Server
	metricsServer *metric.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}
	core := a.registry.CoreMetrics()

	port, err := a.openBackend(ctx, core)
	if err != nil {
		return nil, err
	}
	a.port = port

	types, err := cfg.ResourceTypes()
	if err != nil {
		return nil, fmt.Errorf("resource types: %w", err)
	}

	cacheMetrics, err := cache.NewMetrics(a.registry, "client_data")
	if err != nil {
		return nil, fmt.Errorf("client data metrics: %w", err)
	}
	a.clients = client.NewRegistry(
		client.WithDataTTL(cfg.Client.DataTTL.Std()),
		client.WithMinDataStoreVersion(cfg.Client.MinDataStoreVersion),
		client.WithCacheMetrics(cacheMetrics),
		client.WithLogger(logger))

	authorizer := auth.NewPolicyAuthorizer(types,
		auth.WithAccounts(a.accountOf),
		auth.WithLogger(logger))

	a.sentry = sentry.New(port, a.sentryHostPort(),
		sentry.WithChannel(cfg.Sentry.Channel),
		sentry.WithInterval(cfg.Sentry.Interval.Std()),
		sentry.WithExpiry(cfg.Sentry.Expiry.Std()),
		sentry.WithMetrics(core),
		sentry.WithLogger(logger))

	a.dispatcher, err = dispatch.New(dispatch.Dependencies{
		Port:            port,
		Types:           types,
		Factories:       resourceregistry.Default(),
		Authorizer:      authorizer,
		Clients:         a.clients,
		Sentry:          a.sentry,
		Logger:          logger,
		Metrics:         core,
		MetricsRegistry: a.registry,
		Health:          a.monitor,
	},
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithRetryFailedSubscribe(cfg.Dispatch.RetryFailedSubscribe),
		dispatch.WithReapInterval(cfg.Dispatch.ReapInterval.Std()),
		dispatch.WithStopTimeout(cfg.Dispatch.StopTimeout.Std()))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	a.ws = websocket.New(websocket.Config{
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		PingInterval:    cfg.Server.PingInterval.Std(),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		MessageRate:     cfg.Server.MessageRate,
		MessageBurst:    cfg.Server.MessageBurst,
		SendQueue:       cfg.Server.SendQueue,
	}, websocket.WithLogger(logger), websocket.WithMetrics(core))

	a.buildHTTP()
	return a, nil
}

// openBackend returns the persistence port selected by configuration. The
// NATS connection is retried persistently: starting without the backend
// is pointless.
func (a *app) openBackend(ctx context.Context, core *metric.Metrics) (persistence.Port, error) {
	if a.cfg.Backend == config.BackendMemory {
		a.logger.Warn("memory backend: state is not shared and is lost on exit")
		return persistence.NewMemory(), nil
	}

	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(n.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait.Std()),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(core),
		natsclient.WithDrainTimeout(a.cfg.Dispatch.StopTimeout.Std()),
		natsclient.WithDisconnectCallback(func(err error) {
			a.logger.Warn("NATS link lost, cluster updates paused", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			a.logger.Info("NATS link restored")
		}),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			a.logger.Info("NATS health changed", "healthy", healthy)
		}),
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval.Std()))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	nc, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", n.URLs)
	if err := retry.Do(ctx, retry.Persistent(), func() error { return nc.Connect(ctx) }); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	a.monitor.RegisterCheck("nats", func(context.Context) health.Status {
		st := nc.GetStatus()
		msg := fmt.Sprintf("%s (failures=%d rtt=%s)", st.Status, st.FailureCount, st.RTT)
		if nc.IsHealthy() {
			return health.NewHealthy("nats", msg)
		}
		return health.NewUnhealthy("nats", msg)
	})

	port, err := natsport.New(ctx, nc, natsport.Config{
		SubjectPrefix: n.SubjectPrefix,
		Bucket:        n.KVBucket,
		History:       uint8(n.KVHistory),
		TTL:           n.KVTTL.Std(),
	}, a.logger)
	if err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("open NATS persistence: %w", err)
	}
	return port, nil
}

// sentryHostPort is the identity this process heartbeats under. It must
// be unique across the cluster.
func (a *app) sentryHostPort() string {
	if a.cfg.Sentry.HostPort != "" {
		return a.cfg.Sentry.HostPort
	}
	host := a.cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(a.cfg.Server.Port))
}

// accountOf resolves the account a connection declared in its nameSync.
func (a *app) accountOf(connID string) (string, bool) {
	c, ok := a.clients.Get(connID)
	if !ok || c.AccountName == "" {
		return "", false
	}
	return c.AccountName, true
}

func (a *app) buildHTTP() {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Server.Path, a.ws)
	mux.Handle("/health", a.monitor.Handler(appName))

	if a.cfg.Metrics.Enabled {
		if a.cfg.Metrics.Port == 0 || a.cfg.Metrics.Port == a.cfg.Server.Port {
			mux.Handle(a.cfg.Metrics.Path, metric.Handler(a.registry))
		} else {
			a.metricsServer = metric.NewServer(a.cfg.Metrics.Port, a.cfg.Metrics.Path, a.registry)
			a.metricsServer.Handle("/health", a.monitor.Handler(appName))
		}
	}

	a.httpServer = &http.Server{
		Addr:              a.cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// start attaches the dispatcher to the websocket server and begins
// listening. The listeners run in g; a listener failure cancels the
// group's context.
func (a *app) start(ctx context.Context, g *errgroup.Group) error {
	if err := a.dispatcher.Attach(ctx, a.ws); err != nil {
		return fmt.Errorf("attach dispatcher: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpServer.Addr, err)
	}
	g.Go(func() error {
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve %s: %w", a.httpServer.Addr, err)
		}
		return nil
	})

	if a.metricsServer != nil {
		g.Go(a.metricsServer.Start)
		a.logger.Info("metrics server started", "address", a.metricsServer.Address())
	}
	return nil
}

// shutdown terminates the dispatcher, which closes client connections and
// disconnects the backend, and then stops the HTTP listeners.
func (a *app) shutdown(ctx context.Context) error {
	var errs error
	if err := a.dispatcher.Terminate(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Stop(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
