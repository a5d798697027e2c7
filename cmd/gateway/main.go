// Command gateway runs the ACP² proxy: an HTTP Run API in front of
// locally-spawned Agent-RPC subprocesses.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrorigo/acp2-gateway/internal/agentconn"
	"github.com/mrorigo/acp2-gateway/internal/config"
	"github.com/mrorigo/acp2-gateway/internal/database"
	"github.com/mrorigo/acp2-gateway/internal/gateway"
	"github.com/mrorigo/acp2-gateway/internal/registry"
	"github.com/mrorigo/acp2-gateway/internal/runmanager"
	"github.com/mrorigo/acp2-gateway/internal/store"
	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)

	reg, err := registry.New(cfg.AgentsConfigPath)
	if err != nil {
		logger.Fatal("gateway: failed to load agent registry", logger.FieldError, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sessions *store.SessionStore
	if cfg.PostgresConnStr != "" {
		pool, err := database.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("gateway: failed to connect to postgres", logger.FieldError, err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool, "migrations"); err != nil {
			logger.Fatal("gateway: failed to apply migrations", logger.FieldError, err)
		}
		sessions = store.NewSessionStore(pool)

		logger.AttachDBHandler(pool)
		defer logger.ShutdownDBHandler()
	} else {
		logger.Warn("gateway: POSTGRES_CONNECTION_STRING not set, session persistence disabled")
	}

	manager := runmanager.New()

	connFactory := func(ctx context.Context, agent registry.AgentConfig) (runmanager.AgentConnection, error) {
		conn := agentconn.New(agent.Command, agent.APIKey, agent.Name, agentconn.Config{
			CloseGrace:      time.Duration(cfg.RunCloseGraceMS) * time.Millisecond,
			KillGrace:       time.Duration(cfg.RunKillGraceMS) * time.Millisecond,
			StderrRingLines: cfg.StderrRingLines,
		})
		if err := conn.Start(ctx); err != nil {
			return nil, err
		}
		return conn, nil
	}

	server := gateway.NewServer(gateway.Deps{
		Registry:       reg,
		Manager:        manager,
		Sessions:       sessions,
		ConnFactory:    connFactory,
		AuthToken:      cfg.AuthToken,
		WorkspaceRoot:  cfg.WorkspaceRoot,
		GinMode:        cfg.GinMode,
		TrustedProxies: cfg.TrustedProxies,
	})

	if err := server.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
		logger.Fatal("gateway: server error", logger.FieldError, err)
	}
}
