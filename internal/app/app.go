package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voicestage/voicestage-server/internal/auth"
	"github.com/voicestage/voicestage-server/internal/authz"
	"github.com/voicestage/voicestage-server/internal/bus"
	"github.com/voicestage/voicestage-server/internal/config"
	"github.com/voicestage/voicestage-server/internal/core"
	"github.com/voicestage/voicestage-server/internal/directory/redisdir"
	"github.com/voicestage/voicestage-server/internal/store"
	"github.com/voicestage/voicestage-server/internal/store/sqlite"
	transporthttp "github.com/voicestage/voicestage-server/internal/transport/http"
)

// App wires together the realtime core, its backing clients and the HTTP
// transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	svc             *core.Service
	fanout          *bus.Bus
	rdb             *redis.Client
	store           store.RecordStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt_secret is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("redis connected")

	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init record store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("record store initialized")

	verifier := auth.NewJWTVerifier(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})

	dir := redisdir.New(rdb, cfg.MaxMembers, cfg.MaxSpeakers)
	checker := authz.NewChecker(rdb, dir, st, cfg.AdminCacheTTL)
	fanout := bus.New(rdb, logger)
	hub := core.NewHub()

	svc := core.NewService(dir, checker, fanout, st, hub, core.Limits{
		MaxMembers:  cfg.MaxMembers,
		MaxSpeakers: cfg.MaxSpeakers,
	}, logger)

	server := transporthttp.NewServer(svc, verifier, *cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		svc:             svc,
		fanout:          fanout,
		rdb:             rdb,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the fan-out subscriber and the HTTP server, blocking until
// context cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	go func() {
		if err := a.fanout.Run(ctx, a.svc.HandleComment, a.svc.HandleNotice); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("fan-out subscriber stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the record store and redis client.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close record store")
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
}
