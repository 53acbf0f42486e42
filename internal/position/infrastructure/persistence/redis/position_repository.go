package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/perpetual/internal/position/domain"
)

// PositionRedisRepository 持仓读模型，按市场隔离 key 空间
type PositionRedisRepository struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewPositionRedisRepository(client redis.UniversalClient, market string) *PositionRedisRepository {
	return &PositionRedisRepository{
		client: client,
		prefix: "position:" + market + ":",
	}
}

// WithTTL 设置过期时间，0 表示不过期
func (r *PositionRedisRepository) WithTTL(ttl time.Duration) *PositionRedisRepository {
	r.ttl = ttl
	return r
}

var _ domain.PositionReadRepository = (*PositionRedisRepository)(nil)

func (r *PositionRedisRepository) Save(ctx context.Context, position domain.Position) error {
	if position.ID == "" {
		return nil
	}
	data, err := json.Marshal(position)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(position.ID), data, r.ttl)
		pipe.SAdd(ctx, r.ownerKey(position.Owner), position.ID)
		return nil
	})
	return err
}

func (r *PositionRedisRepository) Get(ctx context.Context, positionID string) (*domain.Position, error) {
	if positionID == "" {
		return nil, nil
	}
	data, err := r.client.Get(ctx, r.key(positionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pos domain.Position
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListByOwner 返回 owner 的全部持仓，按开仓时间排序。
// 已过期的条目会顺带从 owner 集合中剔除。
func (r *PositionRedisRepository) ListByOwner(ctx context.Context, owner string) ([]domain.Position, error) {
	ids, err := r.client.SMembers(ctx, r.ownerKey(owner)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	positions := make([]domain.Position, 0, len(values))
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var pos domain.Position
		if err := json.Unmarshal([]byte(s), &pos); err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, r.ownerKey(owner), stale...)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].OpenedAt.Equal(positions[j].OpenedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].OpenedAt.Before(positions[j].OpenedAt)
	})
	return positions, nil
}

func (r *PositionRedisRepository) Delete(ctx context.Context, owner, positionID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(positionID))
		pipe.SRem(ctx, r.ownerKey(owner), positionID)
		return nil
	})
	return err
}

func (r *PositionRedisRepository) key(id string) string {
	return fmt.Sprintf("%s%s", r.prefix, id)
}

func (r *PositionRedisRepository) ownerKey(owner string) string {
	return fmt.Sprintf("%sowner:%s", r.prefix, owner)
}
