// Command plural-kitty runs the plural-identity relay: the message-send
// reverse proxy and the chat-bot daemon that manages member identities,
// wired together by a single YAML configuration file.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Lunaphied/plural-kitty/internal/bot"
	"github.com/Lunaphied/plural-kitty/internal/config"
	"github.com/Lunaphied/plural-kitty/internal/coordinator"
	"github.com/Lunaphied/plural-kitty/internal/health"
	"github.com/Lunaphied/plural-kitty/internal/identity"
	"github.com/Lunaphied/plural-kitty/internal/logging"
	"github.com/Lunaphied/plural-kitty/internal/matrixapi"
	"github.com/Lunaphied/plural-kitty/internal/proxy"
	"github.com/Lunaphied/plural-kitty/internal/ratelimit"
	"github.com/Lunaphied/plural-kitty/internal/store"
	"github.com/Lunaphied/plural-kitty/internal/supervisor"
	"github.com/Lunaphied/plural-kitty/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	exitOK          = 0
	exitRuntime     = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: plural-kitty <config.yaml>")
		return exitConfigError
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "plural-kitty: %v\n", err)
		return exitConfigError
	}

	if err := logging.Initialize(cfg.LogLevel == "debug"); err != nil {
		fmt.Fprintf(os.Stderr, "plural-kitty: failed to initialize logging: %v\n", err)
		return exitRuntime
	}
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing != nil {
		tp, err := tracing.InitTracer(ctx, "plural-kitty", cfg.Tracing.CollectorAddr)
		if err != nil {
			logger.Error("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	primaryPool, err := pgxpool.New(ctx, cfg.Bot.DB.URI())
	if err != nil {
		logger.Error("failed to connect to primary database", zap.Error(err))
		return exitRuntime
	}
	defer primaryPool.Close()

	homeserverPool, err := pgxpool.New(ctx, cfg.Synapse.DB.URI())
	if err != nil {
		logger.Error("failed to connect to homeserver database", zap.Error(err))
		return exitRuntime
	}
	defer homeserverPool.Close()

	primaryStore := store.NewPgPrimaryStore(primaryPool)
	homeserverStore := store.NewPgHomeserverStore(homeserverPool,
		cfg.Synapse.AccessTokenQuery, cfg.Synapse.ProfileQuery, cfg.Synapse.RoomAliasQuery)

	resolver := identity.New(primaryStore, homeserverStore)
	coord := coordinator.New()
	matrixClient := matrixapi.New(cfg.Synapse.Host, logger)

	var redisClient *redis.Client
	if cfg.RateLimit != nil && cfg.RateLimit.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		defer redisClient.Close()
	}
	limiter, err := ratelimit.NewRateLimiter(cfg.RateLimit, redisClient)
	if err != nil {
		logger.Error("failed to initialize rate limiter", zap.Error(err))
		return exitRuntime
	}

	upstreamURL, err := url.Parse(cfg.Synapse.Host)
	if err != nil {
		logger.Error("invalid synapse.host", zap.Error(err))
		return exitRuntime
	}

	relayProxy := proxy.New(upstreamURL, resolver, coord, matrixClient, limiter, logger)
	proxyServer := &http.Server{Addr: cfg.Listen, Handler: relayProxy.Handler()}

	var rateLimitPinger health.Pinger
	if redisClient != nil {
		rateLimitPinger = limiter
	}
	healthHandler := health.NewHandler(primaryPool, homeserverPool, rateLimitPinger)
	adminEngine := gin.New()
	adminEngine.GET("/health/live", healthHandler.Liveness)
	adminEngine.GET("/health/ready", healthHandler.Readiness)
	adminEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	adminServer := &http.Server{Addr: cfg.MetricsAddr, Handler: adminEngine}

	commandHandler := bot.NewCommandHandler(primaryStore)
	botDaemon := bot.New(&cfg.Bot, commandHandler, logger)

	sup := supervisor.New(logger)
	supervisorDone := make(chan error, 1)
	go func() {
		supervisorDone <- sup.Run(ctx, map[string]supervisor.Daemon{
			"proxy": &httpDaemon{server: proxyServer, logger: logger, name: "proxy"},
			"admin": &httpDaemon{server: adminServer, logger: logger, name: "admin"},
			"bot":   botDaemon,
		})
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = proxyServer.Shutdown(shutdownCtx)
		_ = adminServer.Shutdown(shutdownCtx)
		<-supervisorDone
		return exitOK
	case err := <-supervisorDone:
		cancel()
		if err != nil {
			logger.Error("supervisor exited with error", zap.Error(err))
			return exitRuntime
		}
		return exitOK
	}
}

// httpDaemon adapts *http.Server to the supervisor.Daemon interface.
type httpDaemon struct {
	server  *http.Server
	logger  *zap.Logger
	name    string
	started atomic.Bool
}

func (d *httpDaemon) Started() bool { return d.started.Load() }

func (d *httpDaemon) Run(ctx context.Context) error {
	d.started.Store(true)
	d.logger.Info("http server listening", zap.String("server", d.name), zap.String("addr", d.server.Addr))
	err := d.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
