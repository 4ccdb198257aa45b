package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/parleylabs/parley/backend/internal/auth"
	"github.com/parleylabs/parley/backend/internal/chat"
	"github.com/parleylabs/parley/backend/internal/config"
	"github.com/parleylabs/parley/backend/internal/database"
	"github.com/parleylabs/parley/backend/internal/logging"
	"github.com/parleylabs/parley/backend/internal/presence"
	"github.com/parleylabs/parley/backend/internal/realtime"
	"github.com/parleylabs/parley/backend/internal/rooms"
	"github.com/parleylabs/parley/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var cfgFile string

type broadcasterHandle struct {
	registry atomic.Pointer[realtime.Registry]
}

func (h *broadcasterHandle) BroadcastMessage(roomID int64, message chat.Message) {
	if registry := h.registry.Load(); registry != nil {
		registry.BroadcastMessage(roomID, message)
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley-api",
		Short: "Parley real-time message coordination engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("idle-timeout-seconds", defaults.GetInt("realtime.idle_timeout_seconds"), "Connection idle threshold before sweep")
	cmd.PersistentFlags().Int("send-timeout-seconds", defaults.GetInt("realtime.send_timeout_seconds"), "Per-connection broadcast send timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.idle_timeout_seconds", "idle-timeout-seconds")
	bindFlag(cmd, "realtime.send_timeout_seconds", "send-timeout-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// The coordinator broadcasts through the registry and the registry replays
	// through the service; the handle breaks the construction cycle.
	fanout := &broadcasterHandle{}

	coordinator, err := chat.NewCoordinator(chat.CoordinatorConfig{
		Database:    db,
		Broadcaster: fanout,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	authorizer, err := rooms.NewAuthorizer(rooms.AuthorizerConfig{Database: db})
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	tracker := presence.NewTracker(presence.TrackerConfig{
		CleanupWindow: appConfig.IdleTimeout,
		Logger:        logger,
	})

	messageService, err := chat.NewService(chat.ServiceConfig{
		Database:    db,
		Coordinator: coordinator,
		Authorizer:  authorizer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		Authenticator: tokenIssuer,
		Authorizer:    authorizer,
		Presence:      tracker,
		History:       messageService,
		Logger:        logger,
		SendTimeout:   appConfig.SendTimeout,
		IdleTimeout:   appConfig.IdleTimeout,
		ReplayLimit:   appConfig.ReplayLimit,
	})
	fanout.registry.Store(registry)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		MessageService: messageService,
		Authenticator:  tokenIssuer,
		Authorizer:     authorizer,
		Registry:       registry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(appConfig.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				registry.SweepStale()
				tracker.CleanupStale()
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		drained := coordinator.Shutdown()
		logger.Info("write coordinator drained", zap.Int("operations", drained))
		return shutdownErr
	})

	return group.Wait()
}
