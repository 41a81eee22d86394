package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"meshchat/internal/core/domain"
	"meshchat/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const presenceKey = "meshchat:relay:peers"

// RedisPresenceRepository records announced peers in a sorted set scored by
// last-seen. It lets several relay replicas share one presence view; the
// transport registry itself stays process-local.
type RedisPresenceRepository struct {
	client *redis.Client
}

func NewRedisPresenceRepository(client *redis.Client) ports.PresenceRepository {
	return &RedisPresenceRepository{client: client}
}

func (r *RedisPresenceRepository) Touch(ctx context.Context, id domain.PeerID) error {
	member := redis.Z{Score: float64(time.Now().Unix()), Member: string(id)}
	if err := r.client.ZAdd(ctx, presenceKey, member).Err(); err != nil {
		return fmt.Errorf("failed to record presence in Redis: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) Remove(ctx context.Context, id domain.PeerID) error {
	removed, err := r.client.ZRem(ctx, presenceKey, string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove presence from Redis: %w", err)
	}
	if removed == 0 {
		return domain.ErrPeerNotFound
	}
	return nil
}

func (r *RedisPresenceRepository) List(ctx context.Context) ([]domain.PeerID, error) {
	members, err := r.client.ZRange(ctx, presenceKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence from Redis: %w", err)
	}

	ids := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		ids = append(ids, domain.PeerID(m))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
