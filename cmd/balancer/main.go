package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/balancer"
	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/store"
)

func main() {
	var (
		port          = flag.String("port", "8081", "Balancer admin API server port")
		debug         = flag.Bool("debug", false, "Enable debug mode")
		storeProvider = flag.String("store-provider", os.Getenv("STORE_PROVIDER"), "Durable store provider (redis or valkey)")

		healthInterval = flag.Duration("health-check-interval", 10*time.Second, "Pool health check interval")
		healthTimeout  = flag.Duration("health-check-timeout", 5*time.Second, "Pool health check timeout")
		geoRouting     = flag.Bool("enable-geo-routing", false, "Prefer pools in the session's region")
		topCandidates  = flag.Int("top-candidates", 3, "Weighted-random draw is limited to the N best-scored pools")
		affinityTTL    = flag.Duration("affinity-ttl", time.Hour, "Session affinity lifetime")

		snapshotInterval = flag.Duration("snapshot-interval", time.Minute, "Session state snapshot interval")
	)

	klog.InitFlags(nil)
	flag.Parse()

	st, err := store.New(*storeProvider)
	if err != nil {
		klog.Fatalf("Failed to connect to durable store: %v", err)
	}
	defer st.Close()

	b, err := balancer.New(st, balancer.Options{
		HealthCheckInterval: *healthInterval,
		HealthCheckTimeout:  *healthTimeout,
		EnableGeoRouting:    *geoRouting,
		TopCandidates:       *topCandidates,
		AffinityTTL:         *affinityTTL,
	})
	if err != nil {
		klog.Fatalf("Failed to build load balancer: %v", err)
	}

	persist, err := persistence.New(st, persistence.Options{
		SnapshotInterval: *snapshotInterval,
	})
	if err != nil {
		klog.Fatalf("Failed to build persistence manager: %v", err)
	}

	server := balancer.NewAdminServer(balancer.ServerConfig{
		Port:  *port,
		Debug: *debug,
	}, b, persist)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.Start(ctx); err != nil {
		klog.Fatalf("Failed to start load balancer: %v", err)
	}
	persist.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting balancer admin server on port %s", *port)
		if err := server.Start(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		klog.Info("Received shutdown signal, shutting down gracefully...")
		<-errCh
	case err := <-errCh:
		klog.Fatalf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := persist.Stop(shutdownCtx); err != nil {
		klog.Errorf("Persistence flush: %v", err)
	}

	klog.Info("Balancer server stopped")
}
