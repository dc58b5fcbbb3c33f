package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ankraft/acme-cse/internal/model"
	"github.com/ankraft/acme-cse/internal/storage"
)

func setupTestRedis(t *testing.T) *storage.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewRedisStoreFromClient(client)
}

func sampleResource(ri, rn, pi string, ty model.ResourceType) *model.Resource {
	now := time.Now()
	return &model.Resource{RI: ri, RN: rn, PI: pi, TY: ty, CT: now, LT: now}
}

func TestRedisStore_CreateGetDelete(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	base := sampleResource("base", "id-in", "", model.TypeCSEBase)
	require.NoError(t, store.CreateResource(ctx, base))

	ae := sampleResource("ae1", "MyAE", "base", model.TypeAE)
	require.NoError(t, store.CreateResource(ctx, ae))

	got, err := store.GetResource(ctx, "ae1")
	require.NoError(t, err)
	require.Equal(t, "MyAE", got.RN)

	children, err := store.ChildrenOf(ctx, "base")
	require.NoError(t, err)
	require.Equal(t, []string{"ae1"}, children)

	ri, err := store.ResolveSRN(ctx, "id-in/MyAE")
	require.NoError(t, err)
	require.Equal(t, "ae1", ri)

	require.NoError(t, store.DeleteResource(ctx, "ae1"))
	_, err = store.GetResource(ctx, "ae1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_CreateDuplicateRejected(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	r := sampleResource("base", "id-in", "", model.TypeCSEBase)
	require.NoError(t, store.CreateResource(ctx, r))
	require.ErrorIs(t, store.CreateResource(ctx, r), storage.ErrAlreadyExists)
}

func TestRedisStore_SiblingNameConflict(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.CreateResource(ctx, sampleResource("base", "id-in", "", model.TypeCSEBase)))
	require.NoError(t, store.CreateResource(ctx, sampleResource("ae1", "MyAE", "base", model.TypeAE)))

	dup := sampleResource("ae2", "MyAE", "base", model.TypeAE)
	require.ErrorIs(t, store.CreateResource(ctx, dup), storage.ErrSRNConflict)
}

func TestRedisStore_ListExpired(t *testing.T) {
	store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.CreateResource(ctx, sampleResource("base", "id-in", "", model.TypeCSEBase)))

	past := time.Now().Add(-time.Hour)
	expired := sampleResource("cnt1", "c1", "base", model.TypeContainer)
	expired.ET = &past
	require.NoError(t, store.CreateResource(ctx, expired))

	future := time.Now().Add(time.Hour)
	fresh := sampleResource("cnt2", "c2", "base", model.TypeContainer)
	fresh.ET = &future
	require.NoError(t, store.CreateResource(ctx, fresh))

	expiredRIs, err := store.ListExpired(ctx, time.Now().UnixNano())
	require.NoError(t, err)
	require.Equal(t, []string{"cnt1"}, expiredRIs)
}

func TestRedisStore_Ping(t *testing.T) {
	store := setupTestRedis(t)
	require.NoError(t, store.Ping(context.Background()))
}
