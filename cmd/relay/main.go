// Package main is the entry point for the relay: the local-only bridge
// between the browser extension and the coding-agent backend. One process
// hosts the WebSocket transport, the REST surface, the session core, and
// the project-scoped store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bridgecore/relay/internal/agentdriver"
	"github.com/bridgecore/relay/internal/agentdriver/inproc"
	"github.com/bridgecore/relay/internal/agentdriver/process"
	"github.com/bridgecore/relay/internal/common/constants"
	"github.com/bridgecore/relay/internal/common/logger"
	"github.com/bridgecore/relay/internal/config"
	"github.com/bridgecore/relay/internal/gateway"
	"github.com/bridgecore/relay/internal/session"
	"github.com/bridgecore/relay/internal/store"
	"github.com/bridgecore/relay/internal/streamctl"
	"github.com/bridgecore/relay/internal/tracing"
	"github.com/bridgecore/relay/pkg/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Logging.Level
	if cfg.Logging.Debug {
		level = "debug"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting relay...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Tracing.OTLPEndpoint, cfg.Tracing.ServiceName); err != nil {
			log.Warn("Tracing disabled: exporter init failed", zap.Error(err))
		}
	}

	projectRoot, err := filepath.Abs(cfg.Store.ProjectPath)
	if err != nil {
		log.Fatal("Invalid project path", zap.String("path", cfg.Store.ProjectPath), zap.Error(err))
	}

	stateDir := filepath.Join(projectRoot, ".relay")
	st, err := store.Open(stateDir, cfg.Store.DBFileName, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	log.Info("Store opened", zap.String("dir", stateDir))

	// Screenshot cleanup runs on startup and hourly thereafter.
	st.ReapScreenshots(cfg.Store.ScreenshotTTL())
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st.ReapScreenshots(cfg.Store.ScreenshotTTL())
			}
		}
	}()

	streams := streamctl.New(log)

	factory := driverFactory(cfg, log)
	log.Info("Agent driver selected", zap.String("driver", string(cfg.Agent.Driver)))

	sessions := session.NewManager(st, streams, factory, log, session.ManagerOptions{
		DefaultPermissionMode:     agentdriver.PermissionMode(cfg.Agent.DefaultPermissionMode),
		ResumeWindow:              cfg.Session.ResumeWindow(),
		IdleLimit:                 cfg.Session.IdleLimit(),
		IdleGrace:                 cfg.Session.IdleGrace(),
		ToolPermissionTimeout:     cfg.Permission.ToolTimeout(),
		PlanPermissionTimeout:     cfg.Permission.PlanTimeout(),
		QuestionPermissionTimeout: cfg.Permission.QuestionTimeout(),
	})

	endpoint := gateway.New(sessions, st, streams, log, gateway.Options{
		ProjectRoot:           projectRoot,
		DefaultPermissionMode: protocol.PermissionMode(cfg.Agent.DefaultPermissionMode),
		MaxConnections:        cfg.Server.MaxConnections,
		PingInterval:          cfg.Server.PingInterval(),
		PingMissLimit:         cfg.Server.PingMissLimit,
		AllowNoOrigin:         cfg.Logging.Debug,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.BindHost, cfg.Server.Port),
		Handler: endpoint.Router(),
	}

	go func() {
		log.Info("Relay listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/health"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relay...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownDeadline)
	defer shutdownCancel()

	// Stop accepting new connections first, then cancel live streams and
	// wait for drivers, then tear down transports and the store.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)
	endpoint.Connections().CloseAll()

	if err := st.Close(); err != nil {
		log.Error("Store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Relay stopped")
}

// driverFactory selects the Agent Driver implementation from
// configuration; nothing else depends on which is active.
func driverFactory(cfg *config.Config, log *logger.Logger) agentdriver.Factory {
	switch cfg.Agent.Driver {
	case config.DriverInproc:
		return func() agentdriver.Driver {
			return inproc.New(inproc.Config{
				Command: cfg.Agent.ProcessCommand,
				Args:    cfg.Agent.ProcessArgs,
			}, log)
		}
	default:
		return func() agentdriver.Driver {
			return process.New(process.Config{
				Command: cfg.Agent.ProcessCommand,
				Args:    cfg.Agent.ProcessArgs,
			}, log)
		}
	}
}
