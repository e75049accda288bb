// ABOUTME: Gateway orchestrator that wires the router components to gRPC and HTTP servers
// ABOUTME: Manages listeners, the durable directory, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/agenthub/internal/auth"
	"github.com/2389/agenthub/internal/config"
	"github.com/2389/agenthub/internal/conn"
	"github.com/2389/agenthub/internal/correlator"
	"github.com/2389/agenthub/internal/metrics"
	"github.com/2389/agenthub/internal/protocol"
	"github.com/2389/agenthub/internal/registry"
	"github.com/2389/agenthub/internal/router"
	"github.com/2389/agenthub/internal/store"
	"github.com/2389/agenthub/internal/transport"
)

// Gateway owns every long-lived component of the hub.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	registry  *registry.Registry
	tasks     *correlator.Correlator
	conns     *conn.Manager
	router    *router.Router
	authn     *auth.Authenticator
	discovery *protocol.Discovery
	metrics   *metrics.Metrics

	// store and recorder are nil when database.path is empty
	store    store.Store
	recorder *store.Recorder

	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	serverID     string
	startedAt    time.Time
	helloTimeout time.Duration
}

const shutdownTimeout = 5 * time.Second

// initStore opens the durable directory if one is configured.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTHUB_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildAuthenticator turns the auth section into an Authenticator.
func buildAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	authCfg := auth.AuthenticatorConfig{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Logger:    logger.With("component", "auth"),
	}
	if data := cfg.AuthorizedKeysData(); data != nil {
		keys, err := auth.ParseAuthorizedKeys(data)
		if err != nil {
			return nil, fmt.Errorf("parsing auth.authorized_keys: %w", err)
		}
		authCfg.AuthorizedKeys = keys
	}

	authn := auth.NewAuthenticator(authCfg)
	if authn.Enabled() {
		logger.Info("agent authentication enabled",
			"jwt", authn.TokensEnabled(),
			"authorized_keys", len(authCfg.AuthorizedKeys),
		)
	} else {
		logger.Warn("auth disabled - no jwt_secret or authorized_keys configured")
	}
	return authn, nil
}

// createGRPCServer creates the agent-facing gRPC server.
func createGRPCServer(authn *auth.Authenticator, logger *slog.Logger) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(authn, logger.With("component", "grpc-auth"))),
	)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authn, err := buildAuthenticator(cfg, logger)
	if err != nil {
		closeStore(s)
		return nil, err
	}

	gw := &Gateway{
		config:       cfg,
		logger:       logger.With("component", "gateway"),
		authn:        authn,
		store:        s,
		serverID:     generateServerID(),
		startedAt:    time.Now(),
		helloTimeout: defaultHelloTimeout,
	}

	var regObservers registryObservers
	var taskObservers taskObservers
	if s != nil {
		gw.recorder = store.NewRecorder(s, router.Reason, logger)
		regObservers = append(regObservers, gw.recorder)
		taskObservers = append(taskObservers, gw.recorder)
	}

	gw.registry = registry.New(regObservers, logger.With("component", "registry"))
	gw.metrics = metrics.New(gw.registry.Counts)
	taskObservers = append(taskObservers, gw.metrics)

	gw.tasks = correlator.New(correlator.Config{
		ResultGracePeriod: cfg.Tasks.ResultGracePeriod,
		TombstoneTTL:      cfg.Tasks.TombstoneTTL,
	}, taskObservers, logger.With("component", "correlator"))

	gw.router = router.New(router.Config{
		DefaultTimeout: cfg.Tasks.DefaultTimeout,
		MaxTimeout:     cfg.Tasks.MaxTimeout,
		MaxRelays:      cfg.Agents.MaxRelaysPerConn,
	}, gw.registry, gw.tasks, gw.metrics, logger.With("component", "router"))

	gw.conns = conn.NewManager(conn.ManagerConfig{
		Config: conn.Config{
			HeartbeatInterval:     cfg.Agents.HeartbeatInterval,
			SendTimeout:           cfg.Agents.SendTimeout,
			OutboundBuffer:        cfg.Agents.OutboundBuffer,
			MaxMalformedPerSecond: cfg.Agents.MaxMalformedPerSecond,
		},
		Handler:       gw.router,
		Authenticator: authn,
		Observer:      gw.metrics,
		Logger:        logger.With("component", "conn"),
	})

	gw.discovery = protocol.NewDiscovery(nil, cfg.Agents.DiscoveryTimeout, logger.With("component", "discovery"))

	if err := gw.preloadDirectory(); err != nil {
		gw.logger.Warn("failed to preload agent directory", "error", err)
	}

	gw.grpcServer = createGRPCServer(authn, logger)
	transport.RegisterGRPC(gw.grpcServer, gw.accept)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// preloadDirectory seeds the registry with persisted agents as Offline so
// submissions to them report AgentOffline after a restart.
func (g *Gateway) preloadDirectory() error {
	if g.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := g.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	agents := make([]registry.Agent, 0, len(records))
	for _, rec := range records {
		kind, err := protocol.ParseProtocolKind(rec.Protocol)
		if err != nil {
			g.logger.Warn("skipping directory entry with unknown protocol", "agent_id", rec.ID, "protocol", rec.Protocol)
			continue
		}
		agents = append(agents, registry.Agent{
			ID: rec.ID,
			Metadata: registry.Metadata{
				Name:         rec.Name,
				Description:  rec.Description,
				Protocol:     kind,
				Capabilities: rec.Capabilities,
				CardURL:      rec.CardURL,
			},
			Status:       registry.StatusOffline,
			RegisteredAt: rec.RegisteredAt,
			UpdatedAt:    rec.LastSeen,
		})
	}

	n := g.registry.Preload(agents)
	g.logger.Info("agent directory loaded", "agents", n)
	return nil
}

// Router exposes the task API for in-process callers.
func (g *Gateway) Router() *router.Router { return g.router }

// Registry exposes agent state for in-process callers.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// serve runs one server until it stops, reporting anything but a clean close.
func (g *Gateway) serve(name string, ln net.Listener, run func(net.Listener) error, errCh chan<- error) {
	g.logger.Info(name+" server listening", "addr", ln.Addr().String())
	if err := run(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

// Run starts the servers and the liveness sweep and blocks until ctx ends or
// a server fails. A failing server still triggers a full Shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.listen(ctx)
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go g.conns.Run(sweepCtx)

	errCh := make(chan error, 2)
	go g.serve("gRPC", ls.grpc, g.grpcServer.Serve, errCh)
	go g.serve("HTTP", ls.http, g.httpServer.Serve, errCh)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}
	stopSweep()

	// ctx is already done here, so shutdown gets its own deadline
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// stopGRPC waits for streams to drain, forcing them closed if ctx ends first.
func (g *Gateway) stopGRPC(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops accepting traffic, closes every agent connection, fails
// outstanding tasks, and releases resources. Agent connections are closed
// before the gRPC server stops, since GracefulStop waits for open streams.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.conns.CloseAll(conn.ErrShutdown)
	g.stopGRPC(ctx)
	g.tasks.Close(conn.ErrShutdown)

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	// the recorder drains into the store, so it must close first
	if g.recorder != nil {
		g.recorder.Close()
	}
	if g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	g.authn.Close()

	return errors.Join(errs...)
}

func closeStore(s store.Store) {
	if s != nil {
		_ = s.Close()
	}
}

// generateServerID names this hub process in welcome frames.
func generateServerID() string {
	return "agenthub-" + uuid.NewString()[:8]
}
