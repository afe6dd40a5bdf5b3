// Command agoramesh-bridge is the process entrypoint for the agent bridge
// (spec §1–§2): it resolves configuration, constructs every collaborator
// and component named in spec §2's dependency order (C8, C7, C6, C5, C3,
// C10, C4, C9, C2, C1), and serves the three protocol surfaces until an
// interrupt or SIGTERM asks it to drain and exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/api"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/config"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/directory"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/dispatcher"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/escrow"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/executor"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/logging"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/ratelimit"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/secret"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/trust"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/wsgw"
)

const (
	trustPersistInterval     = 30 * time.Second
	rateLimitPersistInterval = 30 * time.Second
	registrySweepInterval    = 60 * time.Second
	shutdownGrace            = 10 * time.Second
	defaultFreeTierDailyCap  = 10
	defaultPeerDailyCap      = 20
)

func main() {
	cfg, errs := config.Load()
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		os.Exit(1)
	}

	log, err := logging.New(cfg.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging: failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	privateKeyBytes := []byte(cfg.PrivateKey)
	defer secret.Zero(privateKeyBytes)

	reg := registry.New(cfg.MaxPending, cfg.MaxCompleted, time.Duration(cfg.CompletedTTLSecs)*time.Second)
	idResolver := identity.NewResolver(cfg.BearerToken)
	limiter := ratelimit.New(defaultFreeTierDailyCap, defaultPeerDailyCap, cfg.RateLimitStorePath)
	trustStore := trust.NewStore(cfg.MaxProfiles, cfg.TrustStorePath)
	dirClient := directory.New(cfg.NodeURL)
	hub := wsgw.New(log)

	exec := executor.NewSubprocessExecutor(cfg.ExecutorBinary, cfg.SandboxRoot, cfg.ExecutorAllowedArgs)

	var escrowClient escrow.EscrowClient
	if cfg.Escrow != nil {
		eth, err := escrow.NewEthEscrowClient(ctx, cfg.Escrow.RPCURL, cfg.Escrow.Address, cfg.PrivateKey, cfg.Escrow.ProviderDID, log)
		if err != nil {
			return fmt.Errorf("escrow: %w", err)
		}
		defer eth.Close()
		escrowClient = eth
	}

	providerDID := ""
	if cfg.Escrow != nil {
		providerDID = cfg.Escrow.ProviderDID
	}

	disp := dispatcher.New(reg, exec, escrowClient, trustStore, providerDID, log, hub.Broadcast)

	srv := api.New(cfg, log, reg, idResolver, limiter, trustStore, disp, dirClient, hub)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopPersist := make(chan struct{})
	go trustStore.RunPeriodicPersist(trustPersistInterval, stopPersist)
	go limiter.RunPeriodicPersist(rateLimitPersistInterval, stopPersist)
	go runSweep(ctx, reg, registrySweepInterval)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-serveErr:
		close(stopPersist)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	hub.CloseAll()
	err := httpServer.Shutdown(shutdownCtx)
	close(stopPersist)
	return err
}

// runSweep periodically removes expired completed records and their owner
// rows (spec §4.3's periodic sweep) until ctx is cancelled.
func runSweep(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reg.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
