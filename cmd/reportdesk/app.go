package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/vnmchuo/reportdesk/config"
	"github.com/vnmchuo/reportdesk/internal/auth"
	"github.com/vnmchuo/reportdesk/internal/logging"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/tenant"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

// stores holds the persistence layer for the configured storage backend.
type stores struct {
	tenants tenant.Store
	keys    auth.Store
	quota   quota.Store
	usage   usage.Store
	rdb     *redis.Client

	closers []func()
}

type indexer interface {
	EnsureIndexes(ctx context.Context) error
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.StorageBackend {
	case config.StorageBackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		logger.Info("postgres connected")

		s.tenants = tenant.NewPostgresStore(pool)
		s.keys = auth.NewPostgresStore(pool)
		s.quota = quota.NewPostgresStore(pool)
		s.usage = usage.NewPostgresStore(pool)

	case config.StorageBackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect mongo: %w", err)
		}
		s.closers = append(s.closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(ctx, nil); err != nil {
			s.close()
			return nil, fmt.Errorf("failed to ping mongo: %w", err)
		}
		logger.Info("mongo connected", zap.String("database", cfg.MongoDatabase))

		db := client.Database(cfg.MongoDatabase)
		keys := auth.NewMongoStore(db)
		quotaStore := quota.NewMongoStore(db)
		usageStore := usage.NewMongoStore(db)
		for _, ix := range []indexer{keys, quotaStore, usageStore} {
			if err := ix.EnsureIndexes(ctx); err != nil {
				s.close()
				return nil, err
			}
		}
		s.tenants = tenant.NewMongoStore(db)
		s.keys = keys
		s.quota = quotaStore
		s.usage = usageStore

	case config.StorageBackendMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		s.tenants = tenant.NewMemoryStore()
		s.keys = auth.NewMemoryStore()
		s.quota = quota.NewMemoryStore()
		s.usage = usage.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	s.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	s.closers = append(s.closers, func() { _ = s.rdb.Close() })
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	logger.Info("redis connected")

	return s, nil
}

// close releases connections in reverse order of opening.
func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, logger, nil
}

func newLedger(cfg *config.Config, s *stores, logger *zap.Logger, opts quota.Options) (*quota.Ledger, error) {
	policy, err := quota.ParsePolicy(cfg.AdmissionPolicy)
	if err != nil {
		return nil, err
	}
	opts.DefaultLimit = cfg.DefaultTokenLimit
	opts.WarningRatio = cfg.WarningRatio
	opts.Policy = policy
	opts.Logger = logger
	return quota.NewLedger(s.quota, s.tenants, opts), nil
}
