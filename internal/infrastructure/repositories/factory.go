package repositories

import (
	"context"

	"meshchat/internal/core/ports"
	"meshchat/internal/infrastructure/repositories/memory"
	redisrepo "meshchat/internal/infrastructure/repositories/redis"
	"meshchat/internal/infrastructure/repositories/sqlite"
	"meshchat/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory creates repositories with fallback: Redis presence degrades to
// memory, the sqlite store degrades to the no-op store.
type Factory struct {
	useRedis    bool
	redisClient *redis.Client
	storePath   string
	logger      *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) *Factory {
	f := &Factory{
		useRedis:  cfg.Redis.Enabled,
		storePath: cfg.Store.Path,
		logger:    logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory presence", "error", err)
			f.useRedis = false
		} else {
			f.redisClient = client
		}
	}
	return f
}

// CreatePresenceRepository returns the relay's presence repository.
func (f *Factory) CreatePresenceRepository() ports.PresenceRepository {
	if f.useRedis && f.redisClient != nil {
		f.logger.Info("using Redis presence repository")
		return redisrepo.NewRedisPresenceRepository(f.redisClient)
	}
	f.logger.Info("using memory presence repository")
	return memory.NewMemoryPresenceRepository()
}

// CreateMessageStore returns the device's message store. Without a
// configured path, or when sqlite cannot be opened, chat runs without
// persistence rather than failing.
func (f *Factory) CreateMessageStore() ports.MessageStore {
	if f.storePath == "" {
		f.logger.Warn("no store path configured, messages will not be persisted")
		return NewNoopMessageStore()
	}

	store, err := sqlite.Open(f.storePath)
	if err != nil {
		f.logger.Warnw("failed to open sqlite store, messages will not be persisted",
			"path", f.storePath, "error", err)
		return NewNoopMessageStore()
	}
	f.logger.Infow("using sqlite message store", "path", f.storePath)
	return store
}

// Close releases the Redis connection if one was made.
func (f *Factory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck verifies the Redis connection when in use.
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
