package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benvon/sessiongate/internal/config"
	"github.com/benvon/sessiongate/internal/database"
	"github.com/benvon/sessiongate/internal/events"
	"github.com/benvon/sessiongate/internal/handlers"
	"github.com/benvon/sessiongate/internal/middleware"
	"github.com/benvon/sessiongate/internal/request"
	"github.com/benvon/sessiongate/internal/services/auth"
	"github.com/benvon/sessiongate/internal/services/oidc"
	"github.com/benvon/sessiongate/internal/services/token"
	"github.com/benvon/sessiongate/internal/workers"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	brokerMaxRetries   = 10
	brokerInitialDelay = 2 * time.Second
	brokerMaxDelay     = 30 * time.Second
)

// app holds the server's long-lived dependencies.
type app struct {
	handler http.Handler
	db      *database.DB
	redis   *redis.Client
	broker  *events.RabbitMQBroker
	sweeper *workers.RetentionSweeper
	logger  *zap.Logger
}

// newApp connects to every backing service and builds the HTTP handler.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, tracing bool) (*app, error) {
	a := &app{logger: logger}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db
	if err := db.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("connected_to_database", zap.String("dialect", string(db.Dialect())))

	var states oidc.StateStore = oidc.NewMemoryStateStore()
	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		states = oidc.NewRedisStateStore(client)
		logger.Info("connected_to_redis")
	} else {
		logger.Warn("redis_not_configured_using_memory_stores")
	}

	loginEvents := database.NewLoginEventRepository(db)
	var publisher events.Publisher
	if cfg.RabbitMQURL != "" {
		broker, err := connectBroker(ctx, cfg.RabbitMQURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.broker = broker
		publisher = broker
	} else {
		publisher = workers.NewStorePublisher(loginEvents)
		a.sweeper = workers.NewRetentionSweeper(loginEvents, cfg.LoginEventSweepInterval, cfg.LoginEventRetention, logger)
		logger.Info("rabbitmq_not_configured_recording_login_events_inline")
	}

	tokens, err := token.NewFromConfig(cfg.Token)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	client := oidc.NewClient(cfg.OIDC, states)
	svc := auth.NewService(client, database.NewIdentityRepository(db), tokens,
		auth.WithLogger(logger),
		auth.WithPublisher(publisher),
	)

	authOpts := []handlers.AuthHandlerOption{
		handlers.WithAuthLogger(logger),
		handlers.WithLoginCookieMaxAge(cfg.OIDC.StateTTL),
	}
	if !cfg.CookieSecure {
		authOpts = append(authOpts, handlers.WithInsecureCookie())
	}

	health := handlers.NewHealthChecker(db).WithRedis(a.redis)
	if a.broker != nil {
		health = health.WithBroker(a.broker)
	}

	openAPI, err := handlers.NewOpenAPIHandler()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load openapi document: %w", err)
	}

	clientIPs, err := request.NewClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to parse trusted proxies: %w", err)
	}

	store, err := middleware.NewRateLimitStore(a.redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create rate limit store: %w", err)
	}
	rateLimit, err := middleware.RateLimit(store, cfg.RateLimit, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	a.handler = newRouter(routerDeps{
		logger:     logger,
		auth:       handlers.NewAuthHandler(svc, []byte(cfg.CookieSecret), authOpts...),
		health:     health,
		openAPI:    openAPI,
		sessions:   tokens,
		rateLimit:  rateLimit,
		clientIPs:  clientIPs,
		origins:    cfg.FrontendOrigins(),
		enableHSTS: cfg.EnableHSTS,
		tracing:    tracing,
	})
	return a, nil
}

// Close releases every connection the app opened.
func (a *app) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("failed_to_close_rabbitmq_connection", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed_to_close_redis_connection", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed_to_close_database_connection", zap.Error(err))
		}
	}
}

func connectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// connectBroker retries with exponential backoff so the server survives
// RabbitMQ starting after it.
func connectBroker(ctx context.Context, amqpURL string, logger *zap.Logger) (*events.RabbitMQBroker, error) {
	var lastErr error
	for attempt := 0; attempt < brokerMaxRetries; attempt++ {
		broker, err := events.NewRabbitMQBroker(amqpURL)
		if err == nil {
			logger.Info("connected_to_rabbitmq")
			return broker, nil
		}
		lastErr = err

		delay := brokerInitialDelay * time.Duration(1<<uint(attempt))
		if delay > brokerMaxDelay {
			delay = brokerMaxDelay
		}
		logger.Warn("failed_to_connect_to_rabbitmq_retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", brokerMaxRetries),
			zap.Error(err),
			zap.Duration("retry_delay", delay),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", brokerMaxRetries, lastErr)
}
