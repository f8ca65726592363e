// Package app wires every component of the Multiplexer into a single
// object with a Run/Stop lifecycle. Construct with New, then Run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/n42/bridgemgr/internal/bridgeservice"
	"github.com/n42/bridgemgr/internal/config"
	"github.com/n42/bridgemgr/internal/homeserverservice"
	"github.com/n42/bridgemgr/internal/identity"
	"github.com/n42/bridgemgr/internal/ingress"
	"github.com/n42/bridgemgr/internal/metrics"
	"github.com/n42/bridgemgr/internal/registry"
	"github.com/n42/bridgemgr/internal/requestctx"
	"github.com/n42/bridgemgr/internal/resolver"
	"github.com/n42/bridgemgr/internal/store"
)

// App is the top-level Multiplexer process: one Store connection, one
// Homeserver row, one Registry of live bridge handles, and the two HTTP
// servers (ingress + metrics) fronting them.
type App struct {
	Config *config.Config
	Log    *slog.Logger

	Store      *store.Store
	Homeserver *store.Homeserver
	Registry   *registry.Registry
	Metrics    *metrics.Metrics

	ingressServer *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	running bool
}

// New opens the Store connection. It neither seeds the Homeserver row nor
// binds any listeners; Start (called by Run) does both.
func New(cfg *config.Config, log *slog.Logger) (*App, error) {
	st, err := store.New(cfg.Database.Type, cfg.Database.URI, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	return &App{Config: cfg, Log: log, Store: st}, nil
}

// Start runs migrations, wires every service, and binds the ingress and
// metrics HTTP servers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("app is already running")
	}

	a.Log.Info("starting bridge manager")

	if err := a.Store.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run store migrations: %w", err)
	}
	a.Log.Info("store migrations complete")

	homeserver, err := a.Store.Homeservers.EnsureSeeded(ctx,
		a.Config.Homeserver.URL, a.Config.Homeserver.Name, a.Config.Homeserver.HSToken)
	if err != nil {
		return fmt.Errorf("seed homeserver: %w", err)
	}
	a.Homeserver = homeserver

	a.Metrics = metrics.New()

	outboundTimeout := time.Duration(a.Config.Bridge.OutboundTimeoutS) * time.Second
	idt := identity.New(a.Config.AppService.Namespace)

	reg := registry.New(a.Store.Bridges)
	reg.SetMetrics(a.Metrics)
	homeserverSvc := homeserverservice.New(homeserver, a.Config.AppService.ASToken, reg, idt, outboundTimeout)
	homeserverSvc.SetMetrics(a.Metrics)

	// Every platform this Multiplexer fronts speaks the same
	// Client-Server/Application-Service forwarding protocol, so one
	// generalized bridgeservice.Service builder serves all of them; see
	// registry.RegisterDefaultBuilder's doc comment.
	reg.RegisterDefaultBuilder(func(b *store.Bridge) (registry.BridgeService, error) {
		svc := bridgeservice.New(b, homeserverSvc, a.Store.TransactionMappings, a.Store.RoomBridgeMappings,
			a.Config.AppService.Namespace, a.Config.AppService.ID, outboundTimeout,
			a.Log.With("component", "bridgeservice", "bridge_service", b.BridgeService))
		svc.SetMetrics(a.Metrics)
		return svc, nil
	})
	a.Registry = reg

	res := resolver.New(a.Store.Bridges, a.Store.TransactionMappings, a.Store.RoomBridgeMappings, idt, a.Log)
	builder := requestctx.NewBuilder(a.Store, res, idt, homeserver, a.Log)
	builder.SetMetrics(a.Metrics)
	ig := ingress.New(builder, homeserverSvc, reg, a.Log)
	ig.SetMetrics(a.Metrics)

	router := chi.NewRouter()
	ig.Mount(router)

	ingressAddr := fmt.Sprintf("%s:%d", a.Config.AppService.Hostname, a.Config.AppService.Port)
	a.ingressServer = &http.Server{
		Addr:         ingressAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		a.Log.Info("ingress HTTP server listening", "addr", ingressAddr)
		if err := a.ingressServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Log.Error("ingress HTTP server error", "error", err)
		}
	}()

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.running = true
	a.Log.Info("bridge manager started successfully")

	return nil
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.Handle("/health", metrics.NewHealthChecker(a.Store.DB(), a.Metrics, a.Registry.CacheSize))

	a.metricsServer = &http.Server{
		Addr:         a.Config.Metrics.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		a.Log.Info("metrics server listening", "addr", a.Config.Metrics.Listen)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down both HTTP servers and the Store connection.
func (a *App) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	a.Log.Info("stopping bridge manager")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Error("metrics server shutdown error", "error", err)
		}
	}
	if a.ingressServer != nil {
		if err := a.ingressServer.Shutdown(shutdownCtx); err != nil {
			a.Log.Error("ingress server shutdown error", "error", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Log.Error("store close error", "error", err)
		}
	}

	a.running = false
	a.Log.Info("bridge manager stopped")

	return nil
}

// Run starts the app and blocks until SIGINT/SIGTERM, then stops it.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	a.Log.Info("received shutdown signal", "signal", sig)

	return a.Stop()
}
