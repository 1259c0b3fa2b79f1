package di

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"SettleGuard/internal/domain/repository"
	"SettleGuard/internal/handler/api"
	internalrepo "SettleGuard/internal/repository"
	"SettleGuard/internal/service/ratelimit"
	"SettleGuard/internal/services/sources"
	"SettleGuard/internal/usecase"
	"SettleGuard/pkg/cache"
	pkgch "SettleGuard/pkg/clickhouse"
	"SettleGuard/pkg/config"
	xhttp "SettleGuard/pkg/http"
	pkgkafka "SettleGuard/pkg/kafka"
	applogger "SettleGuard/pkg/logger"
	"SettleGuard/pkg/metrics"
	"SettleGuard/pkg/postgres"
	"SettleGuard/pkg/server"
)

const initTimeout = 10 * time.Second

// RateLimit guards the routes that fan out to quote sources. Nil disables it.
type RateLimit echo.MiddlewareFunc

// ProvideLogger creates the application logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(applogger.String("env", cfg.Environment)), nil
}

// ProvideRegistry creates the registry every collector registers with and
// /metrics serves.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// ProvideMetrics creates the Prometheus recorder, or a no-op one when
// metrics are disabled.
func ProvideMetrics(cfg *config.Config, reg *prometheus.Registry) repository.Metrics {
	if !cfg.Metrics.Enabled {
		return repository.NopMetrics{}
	}
	return metrics.NewWithRegistry(reg)
}

// ProvideCache creates Redis behind an in-process L1 when Redis is enabled,
// otherwise an in-process cache.
func ProvideCache(cfg *config.Config, logger *applogger.Logger) (cache.Service, func(), error) {
	if !cfg.Redis.Enabled {
		mc := cache.NewMemoryCache(
			cache.WithMemoryMaxSize(cfg.Redis.MemorySize),
			cache.WithMemoryCleanup(cfg.Redis.MemoryCleanup),
		)
		return mc, func() { _ = mc.Close() }, nil
	}

	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.PoolSize/2, cfg.Redis.Timeout),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}
	lc := cache.NewLayeredCache(rc,
		cache.WithLayeredMemorySize(cfg.Redis.MemorySize),
		cache.WithLayeredMemoryTTL(cfg.Redis.MemoryTTL),
	)
	logger.Info("redis cache connected", applogger.String("host", cfg.Redis.Host), applogger.Int("port", cfg.Redis.Port))

	return lc, func() {
		if err := lc.Close(); err != nil {
			logger.Warn("redis close error", applogger.Error(err))
		}
	}, nil
}

// ProvideSourceResolver builds the quote source registry from config.
func ProvideSourceResolver(cfg *config.Config, c cache.Service, logger *applogger.Logger) (repository.SourceResolver, error) {
	reg, err := sources.NewRegistry(cfg.Sources,
		sources.WithQuoteCache(c, cfg.Oracle.QuoteCacheTTL),
		sources.WithDefaultTimeout(cfg.Oracle.SourceTimeout),
		sources.WithUnregisteredSources(cfg.Oracle.AllowUnregistered, cfg.Oracle.AllowedSchemes),
		sources.WithRegistryLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("source registry: %w", err)
	}
	logger.Info("quote sources registered",
		applogger.Int("count", reg.Len()),
		applogger.Bool("allow_unregistered", cfg.Oracle.AllowUnregistered),
	)
	return reg, nil
}

// ProvideListingStore creates the Postgres listing registry, or an
// in-process one when Postgres is disabled.
func ProvideListingStore(cfg *config.Config, logger *applogger.Logger) (repository.ListingStore, func(), error) {
	if !cfg.Postgres.Enabled {
		logger.Warn("postgres disabled, listings are kept in memory")
		return internalrepo.NewMemoryListingStore(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:         cfg.Postgres.DSN,
		MaxConns:    cfg.Postgres.MaxConns,
		MinConns:    cfg.Postgres.MinConns,
		ConnTimeout: cfg.Postgres.ConnTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	if err := postgres.Migrate(ctx, pool, internalrepo.ListingSchema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres schema: %w", err)
	}
	logger.Info("postgres connected and schema ready")

	return internalrepo.NewPostgresListingStore(pool), pool.Close, nil
}

// ProvideAuditStore creates the ClickHouse audit trail, or a bounded
// in-process one when ClickHouse is disabled.
func ProvideAuditStore(cfg *config.Config, logger *applogger.Logger) (repository.AuditStore, func(), error) {
	if !cfg.ClickHouse.Enabled {
		logger.Warn("clickhouse disabled, settlement audit is kept in memory")
		return internalrepo.NewMemoryAuditStore(1000), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	client, err := pkgch.NewClient(ctx,
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, false),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}
	if err := client.InitSchema(ctx, internalrepo.AuditSchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	logger.Info("clickhouse connected and schema ready", applogger.String("database", cfg.ClickHouse.Database))

	return internalrepo.NewClickHouseAuditStore(client), func() {
		if err := client.Close(); err != nil {
			logger.Warn("clickhouse close error", applogger.Error(err))
		}
	}, nil
}

// ProvideSettlementPublisher publishes outcomes to Kafka when enabled.
func ProvideSettlementPublisher(cfg *config.Config, reg *prometheus.Registry, logger *applogger.Logger) (repository.SettlementPublisher, func(), error) {
	if !cfg.Kafka.Enabled {
		return internalrepo.NopSettlementPublisher{}, func() {}, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerRegisterer(reg),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	logger.Info("kafka producer ready",
		applogger.Strings("brokers", cfg.Kafka.Brokers),
		applogger.String("topic", cfg.Kafka.OutcomesTopic),
	)

	pub := internalrepo.NewKafkaSettlementPublisher(producer, cfg.Kafka.OutcomesTopic)
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Warn("kafka producer close error", applogger.Error(err))
		}
	}, nil
}

func ProvideOracleAggregator(m repository.Metrics, logger *applogger.Logger) *usecase.OracleAggregator {
	return usecase.NewOracleAggregator(
		usecase.WithAggregatorMetrics(m),
		usecase.WithAggregatorLogger(logger),
	)
}

func ProvideListingValidator(m repository.Metrics, logger *applogger.Logger) *usecase.ListingValidator {
	return usecase.NewListingValidator(m, logger)
}

func ProvideSettlementResolver(
	cfg *config.Config,
	listings repository.ListingStore,
	srcs repository.SourceResolver,
	aggregator *usecase.OracleAggregator,
	validator *usecase.ListingValidator,
	audit repository.AuditStore,
	publisher repository.SettlementPublisher,
	c cache.Service,
	m repository.Metrics,
	logger *applogger.Logger,
) *usecase.SettlementResolver {
	return usecase.NewSettlementResolver(listings, srcs, aggregator, validator, audit, publisher, c, m, logger,
		usecase.ResolverConfig{
			MinSources: cfg.Oracle.MinSources,
			OutcomeTTL: cfg.Oracle.OutcomeTTL,
		})
}

// ProvideRateLimit creates the per-client limiter middleware.
func ProvideRateLimit(cfg *config.Config) RateLimit {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return RateLimit(ratelimit.Middleware(ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst)))
}

func ProvideListingHandler(logger *applogger.Logger, validator *usecase.ListingValidator, resolver *usecase.SettlementResolver) *api.ListingEchoHandler {
	return api.NewListingEchoHandler(logger, validator, resolver)
}

func ProvideOracleHandler(
	logger *applogger.Logger,
	aggregator *usecase.OracleAggregator,
	srcs repository.SourceResolver,
	resolver *usecase.SettlementResolver,
	limit RateLimit,
) *api.OracleEchoHandler {
	var mw echo.MiddlewareFunc
	if limit != nil {
		mw = echo.MiddlewareFunc(limit)
	}
	return api.NewOracleEchoHandler(logger, aggregator, srcs, resolver, mw)
}

func ProvideHealthHandler(resolver *usecase.SettlementResolver) *api.HealthEchoHandler {
	return api.NewHealthEchoHandler(map[string]api.ReadinessCheck{
		"audit": resolver.Ready,
	})
}

// ProvideHTTPServer creates the Echo server with every API handler.
func ProvideHTTPServer(
	cfg *config.Config,
	logger *applogger.Logger,
	reg *prometheus.Registry,
	listings *api.ListingEchoHandler,
	oracle *api.OracleEchoHandler,
	health *api.HealthEchoHandler,
) *xhttp.Server {
	return xhttp.NewServer([]xhttp.Handler{listings, oracle, health},
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithLogger(logger),
		xhttp.WithRegistry(reg),
	)
}

// ProvideKafkaConsumer creates the resolve request consumer. It is nil unless
// both Kafka and the consumer are enabled.
func ProvideKafkaConsumer(cfg *config.Config, reg *prometheus.Registry, logger *applogger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled || !cfg.Kafka.Consumer.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerLogger(logger),
		pkgkafka.WithConsumerRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

func ProvideResolveRequestHandler(
	cfg *config.Config,
	resolver *usecase.SettlementResolver,
	m repository.Metrics,
	logger *applogger.Logger,
) *usecase.ResolveRequestHandler {
	return usecase.NewResolveRequestHandler(cfg.Kafka.RequestsTopic, resolver, m, logger)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	logger *applogger.Logger,
	srv *xhttp.Server,
	consumer *pkgkafka.Consumer,
	handler *usecase.ResolveRequestHandler,
) *server.App {
	var h pkgkafka.MessageHandler
	if consumer != nil {
		h = handler
	}
	return server.New(logger, srv, consumer, h, cfg.Server.ShutdownTimeout)
}
