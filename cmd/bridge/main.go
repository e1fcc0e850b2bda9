package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/cache"
	oauthadapter "github.com/agencyenterprise/fathom-mcp-server/internal/adapter/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/bootstrap"
	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	"github.com/agencyenterprise/fathom-mcp-server/internal/fathom"
	httptransport "github.com/agencyenterprise/fathom-mcp-server/internal/http"
	"github.com/agencyenterprise/fathom-mcp-server/internal/http/handler"
	httpmiddleware "github.com/agencyenterprise/fathom-mcp-server/internal/http/middleware"
	"github.com/agencyenterprise/fathom-mcp-server/internal/mcp"
	apimiddleware "github.com/agencyenterprise/fathom-mcp-server/internal/middleware"
	"github.com/agencyenterprise/fathom-mcp-server/internal/repository"
	"github.com/agencyenterprise/fathom-mcp-server/internal/server"
	oauthservice "github.com/agencyenterprise/fathom-mcp-server/internal/service/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/session"
	"github.com/agencyenterprise/fathom-mcp-server/internal/telemetry"
	"github.com/agencyenterprise/fathom-mcp-server/internal/vault"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newPGXPool,
			newClientRepository,
			newStateRepository,
			newCodeRepository,
			newAccessTokenRepository,
			newUpstreamTokenRepository,
			newSessionRepository,
			newMaintenanceRepository,
			newRedisClient,
			newUserRateLimiter,
			newOAuthRateLimiter,
			newProviderClient,
			newCipher,
			vault.New,
			oauthservice.NewClientRegistry,
			oauthservice.NewBroker,
			fathom.NewClient,
			mcp.NewTools,
			newTransportFactory,
			newSessionManager,
			handler.NewOAuthHandler,
			newMCPHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			newHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSchema, startSessionManager, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newClientRepository(pool *pgxpool.Pool) repository.ClientRepository {
	return repository.NewPostgresClientRepo(pool)
}

func newStateRepository(pool *pgxpool.Pool) repository.StateRepository {
	return repository.NewPostgresStateRepo(pool)
}

func newCodeRepository(pool *pgxpool.Pool) repository.CodeRepository {
	return repository.NewPostgresCodeRepo(pool)
}

func newAccessTokenRepository(pool *pgxpool.Pool) repository.AccessTokenRepository {
	return repository.NewPostgresAccessTokenRepo(pool)
}

func newUpstreamTokenRepository(pool *pgxpool.Pool) repository.UpstreamTokenRepository {
	return repository.NewPostgresUpstreamTokenRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newMaintenanceRepository(pool *pgxpool.Pool) repository.MaintenanceRepository {
	return repository.NewPostgresMaintenanceRepo(pool)
}

// newRedisClient returns nil when no address is configured; the MCP
// rate limiter then falls back to allowing everything.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newUserRateLimiter(client redis.UniversalClient, cfg config.Config) *cacheadapter.UserRateLimiter {
	return cacheadapter.NewUserRateLimiter(client, cfg.MCPRateLimitRPM)
}

func newOAuthRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.OAuthRateLimitRPM)
}

func newProviderClient(cfg config.Config) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(nil, cfg)
}

func newCipher(cfg config.Config) (*vault.Cipher, error) {
	return vault.NewCipher(cfg.EncryptionKey)
}

func newTransportFactory(tools *mcp.Tools, logger *zap.Logger) session.Factory {
	return mcp.NewFactory(tools, logger)
}

func newSessionManager(factory session.Factory, sessions repository.SessionRepository, broker oauthservice.Broker, cfg config.Config, logger *zap.Logger) *session.Manager {
	return session.NewManager(factory, sessions, broker, cfg, logger)
}

func newMCPHandler(sessions *session.Manager, limiter *cacheadapter.UserRateLimiter, logger *zap.Logger) *handler.MCPHandler {
	return handler.NewMCPHandler(sessions, limiter, logger)
}

func newAuthMiddleware(broker oauthservice.Broker, cfg config.Config, logger *zap.Logger) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Broker: broker, Cfg: cfg, Logger: logger}
}

func newHTTPServer(router *gin.Engine, cfg config.Config) *server.HTTPServer {
	return server.NewHTTPServer(router, cfg.ShutdownTimeout)
}

func startSessionManager(lc fx.Lifecycle, manager *session.Manager, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			manager.StartSchedulers()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
			defer cancel()
			return manager.Shutdown(stopCtx)
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			logger.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
