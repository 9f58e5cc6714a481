package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/TommyKammy/ai-orchestrator/pkg/executor"
	"github.com/TommyKammy/ai-orchestrator/pkg/persistence"
	"github.com/TommyKammy/ai-orchestrator/pkg/policy"
	"github.com/TommyKammy/ai-orchestrator/pkg/sandbox"
	"github.com/TommyKammy/ai-orchestrator/pkg/session"
	"github.com/TommyKammy/ai-orchestrator/pkg/store"
)

func main() {
	var (
		port          = flag.String("port", "8080", "Executor API server port")
		poolName      = flag.String("pool-name", os.Getenv("POOL_NAME"), "Name of the pool this node belongs to")
		podName       = flag.String("pod-name", os.Getenv("POD_NAME"), "Name of this pod/node")
		debug         = flag.Bool("debug", false, "Enable debug mode")
		enableAuth    = flag.Bool("enable-auth", true, "Require bearer tokens on the API")
		storeProvider = flag.String("store-provider", os.Getenv("STORE_PROVIDER"), "Durable store provider (redis or valkey)")

		maxSessions   = flag.Int("max-sessions", 10, "Maximum concurrent sessions")
		sessionTTL    = flag.Duration("session-ttl", 5*time.Minute, "Default session idle TTL")
		sweepInterval = flag.Duration("sweep-interval", time.Minute, "Expired-session sweep interval")

		policyURL      = flag.String("policy-url", os.Getenv("POLICY_ENGINE_URL"), "Policy engine base URL")
		policyMode     = flag.String("policy-mode", "shadow", "Policy mode: shadow or enforce")
		policyFailMode = flag.String("policy-fail-mode", "open", "Behavior when the policy engine is unreachable: open or closed")
	)

	klog.InitFlags(nil)
	flag.Parse()

	jwtSecret := os.Getenv("EXECUTOR_JWT_SECRET")
	if *enableAuth && jwtSecret == "" {
		klog.Fatal("EXECUTOR_JWT_SECRET is required when auth is enabled")
	}

	st, err := store.New(*storeProvider)
	if err != nil {
		klog.Fatalf("Failed to connect to durable store: %v", err)
	}
	defer st.Close()

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		klog.Fatalf("Failed to initialize container runtime: %v", err)
	}
	factory := session.DockerFactory(runtime)

	sessions := session.NewManager(factory, session.Options{
		DefaultTTL:    *sessionTTL,
		MaxSessions:   *maxSessions,
		SweepInterval: *sweepInterval,
	})

	persist, err := persistence.New(st, persistence.Options{})
	if err != nil {
		klog.Fatalf("Failed to build persistence manager: %v", err)
	}

	pol := policy.NewClient(policy.Config{
		URL:      *policyURL,
		Mode:     policy.Mode(*policyMode),
		FailMode: policy.FailMode(*policyFailMode),
	})

	server := executor.NewServer(executor.Config{
		Port:       *port,
		PoolName:   *poolName,
		PodName:    *podName,
		EnableAuth: *enableAuth,
		JWTSecret:  []byte(jwtSecret),
		Debug:      *debug,
	}, sessions, factory, pol, persist)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sessions.Start(ctx)
	persist.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("Starting executor server on port %s (pool %s, pod %s)", *port, *poolName, *podName)
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

	// Flush persisted state and tear down remaining sessions with a fresh
	// context; the signal context is already cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Session teardown: %v", err)
	}
	if err := persist.Stop(shutdownCtx); err != nil {
		klog.Errorf("Persistence flush: %v", err)
	}

	klog.Info("Executor server stopped")
}
