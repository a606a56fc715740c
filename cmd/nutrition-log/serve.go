// cmd/nutrition-log/serve.go
package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mcp-nutrition-log/internal/advisor"
	"mcp-nutrition-log/internal/cache"
	"mcp-nutrition-log/internal/config"
	"mcp-nutrition-log/internal/notice"
	"mcp-nutrition-log/internal/reconcile"
	"mcp-nutrition-log/internal/server"
	"mcp-nutrition-log/internal/session"
	"mcp-nutrition-log/internal/storage"
	"mcp-nutrition-log/internal/tracker"
)

const (
	noticeHistory   = 50
	shutdownTimeout = 10 * time.Second
)

type remoteStore interface {
	storage.RemoteStore
	io.Closer
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := openCache(cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer kv.Close()

	remote, err := openRemote(ctx, cfg.Remote)
	if err != nil {
		return err
	}
	defer remote.Close()

	var auth *session.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth, err = session.NewAuthenticator(session.AuthConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("no jwt secret configured; sign-in disabled")
	}

	local := cache.NewStore(kv, logger)
	state := reconcile.NewState()
	notices := notice.NewRecorder(noticeHistory, logger)
	observer := session.NewObserver(auth, logger)
	engine := reconcile.NewEngine(state, local, remote, notices, logger)
	track := tracker.New(state, local, remote, notices, logger, tracker.WithDayRollover(engine))

	deps := server.Deps{
		State:    state,
		Tracker:  track,
		Sessions: observer,
		Engine:   engine,
		Notices:  notices,
	}
	if cfg.Advisor.APIKey != "" || cfg.Advisor.BaseURL != "" {
		deps.Advisor = advisor.New(advisor.Config{
			BaseURL: cfg.Advisor.BaseURL,
			APIKey:  cfg.Advisor.APIKey,
			Model:   cfg.Advisor.Model,
			Timeout: cfg.Advisor.Timeout,
		}, logger)
	} else {
		logger.Info("no advisor endpoint configured; estimate and ask tools disabled")
	}

	srv := server.NewNutritionServer(&server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, deps, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gCtx, observer.Subscribe(gCtx))
	})
	if cfg.Auth.TokenFile != "" {
		g.Go(func() error {
			return observer.WatchTokenFile(gCtx, cfg.Auth.TokenFile)
		})
	}
	g.Go(func() error {
		return srv.Start(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("server exited", zap.Error(err))
		return err
	}
	return nil
}

func openCache(cfg config.CacheConfig, logger *zap.Logger) (*cache.Badger, error) {
	kv, err := cache.OpenBadger(cache.Config{
		Path:       cfg.Path,
		InMemory:   cfg.InMemory,
		SyncWrites: cfg.SyncWrites,
		Logger:     logger.Named("badger"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}
	return kv, nil
}

func openRemote(ctx context.Context, cfg config.RemoteConfig) (remoteStore, error) {
	switch cfg.Driver {
	case config.DriverDynamoDB:
		client, err := storage.NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		return storage.NewDynamoStorage(client, cfg.DynamoTable, cfg.PollInterval), nil
	case config.DriverSQLite:
		store, err := storage.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open remote store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}
