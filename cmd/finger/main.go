// Command finger runs the agent runtime broker: the HTTP API on one port, the
// WebSocket gateway on another, and the runtime core between them.
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
	"golang.org/x/sync/errgroup"

	"github.com/fingerhq/finger/internal/common/clock"
	"github.com/fingerhq/finger/internal/common/config"
	"github.com/fingerhq/finger/internal/common/errorsample"
	"github.com/fingerhq/finger/internal/common/logger"
	"github.com/fingerhq/finger/internal/events/bus"
	gateway "github.com/fingerhq/finger/internal/gateway/websocket"
	"github.com/fingerhq/finger/internal/runtime/agentconfig"
	"github.com/fingerhq/finger/internal/runtime/control"
	"github.com/fingerhq/finger/internal/runtime/hub"
	"github.com/fingerhq/finger/internal/runtime/inputlock"
	"github.com/fingerhq/finger/internal/runtime/mock"
	"github.com/fingerhq/finger/internal/runtime/orchestration"
	"github.com/fingerhq/finger/internal/runtime/registry"
	"github.com/fingerhq/finger/internal/runtime/scheduler"
	"github.com/fingerhq/finger/internal/runtime/session"
	"github.com/fingerhq/finger/internal/runtime/toolpolicy"
	"github.com/fingerhq/finger/internal/runtime/view"
	"github.com/fingerhq/finger/internal/runtime/workflow"
	"github.com/fingerhq/finger/internal/server"
	v1 "github.com/fingerhq/finger/pkg/api/v1"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("starting finger runtime broker",
		zap.Int("http_port", cfg.Server.Port),
		zap.Int("ws_port", cfg.Gateway.Port),
		zap.String("home", cfg.Runtime.Home))

	// ============================================
	// EVENT BUS
	// ============================================
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			return 1
		}
		eventBus = natsBus
		log.Info("connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("using in-memory event bus")
	}
	defer eventBus.Close()

	// ============================================
	// RUNTIME CORE
	// ============================================
	samples, err := errorsample.NewWriter(cfg.Runtime.ErrorSamplesDir(), log)
	if err != nil {
		log.Error("failed to initialize error sample writer", zap.Error(err))
		return 1
	}
	clk := clock.Real{}

	moduleRegistry := hub.NewRegistry()
	messageHub := hub.New(moduleRegistry, hub.PolicyFromConfig(cfg.Messaging), log, samples)

	sched := scheduler.New(messageHub, eventBus, clk, log, samples)
	workflows := workflow.NewStore(eventBus, clk, log)
	sched.SetWorkflowTracker(workflows)

	sessions := session.NewWorkspace(cfg.Runtime, clk, log)
	messages := session.NewMessageLog(clk)
	gate := toolpolicy.NewGate()
	locks := inputlock.NewManager(cfg.InputLock, eventBus, clk, log)
	locks.Start()
	defer locks.Stop()

	configLoader := agentconfig.NewLoader(cfg.Runtime.AgentConfigDir, log)
	gate.ApplyAgentConfigs(configLoader.Load())
	composer := view.NewComposer(messageHub, sched, gate, configLoader.Load, clk)

	// Mock kernels stand in for providers when configured.
	var runner control.SessionRunner
	mockAgents := mock.AgentsFor(cfg.Runtime.FullMockMode, cfg.Runtime.MockRoles)
	if len(mockAgents) > 0 {
		mockRunner := mock.NewRunner(log)
		mock.InstallModules(moduleRegistry, mockRunner, mockAgents)
		runner = mockRunner
		log.Info("mock agent kernels installed", zap.Strings("agents", mockAgents))
	}

	plane := control.NewPlane(sched, workflows, composer, runner, eventBus, clk, log, samples)

	// Messages without a target go to the primary orchestrator's module.
	messageHub.SetDefaultRoute(cfg.Runtime.PrimaryOrchestratorTarget + "-loop")

	// ============================================
	// ORCHESTRATION CONFIG
	// ============================================
	definitions := func() map[string]*v1.AgentDefinition {
		return registry.BuildDefinitions(registry.Inputs{
			Configs:     configLoader.Load(),
			Modules:     moduleRegistry.List(),
			Deployments: sched.Deployments(),
		})
	}
	applier := orchestration.NewApplier(sched, sessions, definitions, cfg.Runtime.OrchestrationPath(), log)

	persisted, err := applier.LoadPersisted()
	if err != nil {
		log.Error("invalid orchestration config", zap.Error(err))
		return 1
	}
	if persisted != nil {
		if err := applier.Apply(persisted); err != nil {
			log.Error("failed to apply orchestration config", zap.Error(err))
			return 1
		}
		log.Info("applied persisted orchestration config",
			zap.String("profile", persisted.ActiveProfile().ID))
	}

	// ============================================
	// HTTP API + WEBSOCKET GATEWAY
	// ============================================
	apiServer := server.New(cfg, server.Deps{
		Hub:       messageHub,
		Scheduler: sched,
		Plane:     plane,
		Composer:  composer,
		Gate:      gate,
		Workflows: workflows,
		Sessions:  sessions,
		Messages:  messages,
		Applier:   applier,
		Locks:     locks,
	}, log)

	wsHub := gateway.NewHub(eventBus, locks, log)
	wsGateway := gateway.NewGateway(wsHub, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	wsServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler: wsGateway.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP API listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		log.Info("WebSocket gateway listening", zap.String("addr", wsServer.Addr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ws gateway: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		wsHub.Run(groupCtx)
		return nil
	})

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-groupCtx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("WebSocket gateway shutdown error", zap.Error(err))
	}
	if err := sched.Drain(shutdownCtx); err != nil {
		log.Warn("scheduler drain incomplete", zap.Error(err))
	}

	if err := group.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return 1
	}

	log.Info("finger stopped")
	return 0
}
