package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentbridge/agentbridge/internal/bridge"
	"github.com/agentbridge/agentbridge/internal/bridge/compose"
	"github.com/agentbridge/agentbridge/internal/bridge/credentials"
	"github.com/agentbridge/agentbridge/internal/bridge/permission"
	"github.com/agentbridge/agentbridge/internal/bridge/registry"
	"github.com/agentbridge/agentbridge/internal/common/config"
	"github.com/agentbridge/agentbridge/internal/common/logger"
	"github.com/agentbridge/agentbridge/internal/events/bus"
	"github.com/agentbridge/agentbridge/internal/server"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting bridged...")

	// 3. Root context cancelled on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Stores: sqlite when a storage path is configured, in-memory otherwise
	var (
		sink        compose.MessageSink
		policyStore permission.PolicyStore
	)
	if cfg.Storage.Path != "" {
		sqliteSink, err := compose.NewSQLiteMessageSink(cfg.Storage.Path)
		if err != nil {
			log.Fatal("Failed to open message store", zap.Error(err))
		}
		sink = sqliteSink

		sqlitePolicies, err := permission.NewSQLitePolicyStore(cfg.Storage.Path)
		if err != nil {
			log.Fatal("Failed to open policy store", zap.Error(err))
		}
		policyStore = sqlitePolicies
		log.Info("Using sqlite storage", zap.String("path", cfg.Storage.Path))
	} else {
		sink = compose.NewMemoryMessageSink(cfg.Storage.MessageHistoryLimit)
		policyStore = permission.NewMemoryPolicyStore()
		log.Info("Using in-memory storage")
	}
	defer sink.Close()

	// 6. Agent registry and credentials
	reg := registry.NewRegistry()
	log.Info("Loaded agent registry", zap.Int("families", len(reg.List())))

	creds := credentials.NewEnvProvider(cfg.Bridge.CredentialPrefix)

	// 7. Permission manager with periodic policy sweep
	perms := permission.NewManager(policyStore,
		cfg.Bridge.PolicyRetention(),
		cfg.Bridge.PermissionTimeoutDuration(),
		log)

	// 8. Bridge manager
	mgr := bridge.NewManager(reg, creds, perms, sink, eventBus, cfg.Bridge, log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(cfg.Server, mgr, reg, eventBus, log)

	// 10. Run everything until the context is cancelled
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr()))
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweepPolicies(gctx, perms, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		log.Info("Shutting down bridged...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		mgr.StopAll(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("bridged exited with error", zap.Error(err))
	}
	log.Info("bridged stopped")
}

// sweepPolicies drops expired "always" policies once an hour so stale
// preferences stop short-circuiting approvals.
func sweepPolicies(ctx context.Context, perms *permission.Manager, log *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := perms.SweepExpiredPolicies(ctx)
			if err != nil {
				log.Warn("policy sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("swept expired permission policies", zap.Int("count", n))
			}
		}
	}
}
