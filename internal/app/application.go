package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/idp"
	"mcpgate/internal/router"
	"mcpgate/internal/server"
	"mcpgate/internal/session"
	"mcpgate/internal/worker"
	"mcpgate/pkg/logging"
)

// shutdownTimeout bounds the drain of in-flight requests plus the worker
// teardown on exit.
const shutdownTimeout = 30 * time.Second

// Application wires the gateway's components together and runs them: the
// credential store, the OAuth broker, the session registry, the worker
// supervisor, the router, and the HTTP server on top.
type Application struct {
	cfg        *config.Config
	store      *credentials.Store
	broker     *idp.Broker
	sessions   *session.Registry
	supervisor *worker.Supervisor
	httpServer *http.Server
}

// NewApplication assembles the gateway from a validated configuration.
func NewApplication(cfg *config.Config, version string) (*Application, error) {
	cipher, err := credentials.NewCipher(cfg.Storage.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("invalid token key: %w", err)
	}

	store, err := credentials.NewStore(cfg.Storage.DataDir, cfg.Storage.TokenTTL, cipher)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	client := idp.NewClient(cfg.IdP.AppID, cfg.IdP.AppSecret, cfg.IdP.RedirectURI,
		cfg.IdP.BaseURL, cfg.IdP.Scope, cfg.IdP.Timeout)
	broker := idp.NewBroker(client, store)

	sessions := session.NewRegistry(cfg.Sessions.MaxSessions, cfg.Sessions.TTL)
	supervisor := worker.NewSupervisor(cfg.Worker, store, cfg.IdP.AppID, cfg.IdP.AppSecret)
	rtr := router.New(sessions, supervisor, broker)
	srv := server.New(cfg, sessions, broker, rtr, supervisor, version)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		cfg:        cfg,
		store:      store,
		broker:     broker,
		sessions:   sessions,
		supervisor: supervisor,
		httpServer: httpServer,
	}, nil
}

// Run starts the default worker and the HTTP listener, then blocks until
// the context is cancelled, a termination signal arrives, or the listener
// fails. Shutdown order: drain HTTP, stop workers (default last), stop the
// background loops.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.supervisor.Initialize(ctx); err != nil {
		a.broker.Stop()
		a.store.Stop()
		return fmt.Errorf("failed to start default worker: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("App", "Gateway listening on %s (public base %s)", a.httpServer.Addr, a.cfg.BaseURL())
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go a.snapshotLoop(ctx)

	select {
	case <-ctx.Done():
		logging.Info("App", "Received shutdown signal")
	case err := <-errCh:
		logging.Error("App", err, "HTTP listener failed")
		_ = a.shutdown()
		return err
	}

	return a.shutdown()
}

func (a *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.httpServer.Shutdown(ctx)

	if shutdownErr := a.supervisor.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	a.broker.Stop()
	a.store.Stop()

	logging.Info("App", "Shutdown complete")
	return err
}

// snapshotLoop periodically logs a one-line state summary.
func (a *Application) snapshotLoop(ctx context.Context) {
	interval := a.cfg.Storage.SnapshotInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counters := a.sessions.Count()
			defaultStatus := "absent"
			if info, ok := a.supervisor.Default(); ok {
				defaultStatus = info.Status.String()
			}
			logging.Info("App", "Snapshot: userWorkers=%d default=%s sessions=%d authenticated=%d pendingAuth=%d",
				a.supervisor.UserInstances(), defaultStatus,
				counters.Total, counters.Authenticated, a.broker.PendingAuthorizations())
		}
	}
}
