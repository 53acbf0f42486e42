package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/perpetual/internal/position/domain"
)

func newRepo(t *testing.T) (*PositionRedisRepository, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPositionRedisRepository(client, "ETH-USD"), mr
}

func samplePosition(id, owner string, openedAt time.Time) domain.Position {
	return domain.Position{
		ID:                  id,
		Owner:               owner,
		IsLong:              true,
		Size:                decimal.NewFromInt(500),
		Collateral:          decimal.NewFromInt(100),
		EntryPrice:          decimal.RequireFromString("2.000400080016003200"),
		FundingIndexAtEntry: decimal.Zero,
		OpenedAt:            openedAt,
	}
}

func TestSaveGetDelete(t *testing.T) {
	r := require.New(t)
	repo, _ := newRepo(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	pos := samplePosition("p1", "alice", now)
	r.NoError(repo.Save(ctx, pos))

	got, err := repo.Get(ctx, "p1")
	r.NoError(err)
	r.NotNil(got)
	r.Equal("alice", got.Owner)
	r.True(pos.EntryPrice.Equal(got.EntryPrice))

	r.NoError(repo.Delete(ctx, "alice", "p1"))
	got, err = repo.Get(ctx, "p1")
	r.NoError(err)
	r.Nil(got)

	list, err := repo.ListByOwner(ctx, "alice")
	r.NoError(err)
	r.Empty(list)
}

func TestListByOwnerOrdersByOpenTime(t *testing.T) {
	r := require.New(t)
	repo, _ := newRepo(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	r.NoError(repo.Save(ctx, samplePosition("late", "alice", base.Add(time.Minute))))
	r.NoError(repo.Save(ctx, samplePosition("early", "alice", base)))
	r.NoError(repo.Save(ctx, samplePosition("other", "bob", base)))

	list, err := repo.ListByOwner(ctx, "alice")
	r.NoError(err)
	r.Len(list, 2)
	r.Equal("early", list[0].ID)
	r.Equal("late", list[1].ID)
}

func TestListByOwnerDropsExpiredEntries(t *testing.T) {
	r := require.New(t)
	repo, mr := newRepo(t)
	repo.WithTTL(time.Minute)
	ctx := context.Background()

	r.NoError(repo.Save(ctx, samplePosition("p1", "alice", time.Unix(1, 0))))
	mr.FastForward(2 * time.Minute)

	list, err := repo.ListByOwner(ctx, "alice")
	r.NoError(err)
	r.Empty(list)

	members, err := mr.SMembers("position:ETH-USD:owner:alice")
	r.Error(err) // 集合已清空，key 被删除
	r.Empty(members)
}
