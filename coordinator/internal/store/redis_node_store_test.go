package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func testNode(id string) *model.Node {
	now := time.Now().Truncate(time.Millisecond)
	return &model.Node{
		ID:      id,
		OwnerID: "owner-" + id,
		Address: "http://10.0.0.1:7000",
		Capabilities: map[string]nodeapi.Capability{
			"base": {Path: "/models/base.gguf", Context: 4096, PricePerMinute: 1000},
		},
		Status:        model.NodeOnline,
		LastHeartbeat: now,
		RegisteredAt:  now,
		PayoutAddress: "node@ln.example",
		ControlToken:  "secret",
	}
}

func TestRedisNodeStore_PutGet(t *testing.T) {
	_, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.PutNode(ctx, testNode("n1")))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, testNode("n1").Capabilities, got.Capabilities)
	assert.Equal(t, model.NodeOnline, got.Status)
	assert.Equal(t, "secret", got.ControlToken)
	assert.Equal(t, "node@ln.example", got.PayoutAddress)
	assert.WithinDuration(t, time.Now(), got.LastHeartbeat, time.Second)

	ids, err := s.ListNodeIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, ids)

	_, err = s.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisNodeStore_Delete(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.PutNode(ctx, testNode("n1")))
	require.NoError(t, s.DeleteNode(ctx, "n1"))

	assert.False(t, mr.Exists("test:node:n1"))
	ids, err := s.ListNodeIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.ErrorIs(t, s.DeleteNode(ctx, "n1"), ErrNotFound)
}

func TestRedisNodeStore_TouchDoesNotResurrect(t *testing.T) {
	mr, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()

	assert.ErrorIs(t, s.Touch(ctx, "ghost", time.Now()), ErrNotFound)
	assert.False(t, mr.Exists("test:node:ghost"))

	n := testNode("n1")
	n.Status = model.NodeOffline
	n.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, s.PutNode(ctx, n))

	at := time.Now()
	require.NoError(t, s.Touch(ctx, "n1", at))
	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeOnline, got.Status)
	assert.Equal(t, at.UnixMilli(), got.LastHeartbeat.UnixMilli())
}

func TestRedisNodeStore_IncrLoadConcurrent(t *testing.T) {
	_, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.PutNode(ctx, testNode("n1")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrLoad(ctx, "n1", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Load)
}

func TestRedisNodeStore_LoadFloorsAtZero(t *testing.T) {
	_, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.PutNode(ctx, testNode("n1")))

	v, err := s.IncrLoad(ctx, "n1", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = s.IncrLoad(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisNodeStore_AddEarned(t *testing.T) {
	_, client := newRedis(t)
	s := NewRedisNodeStore(client, "test", zap.NewNop())
	ctx := context.Background()
	require.NoError(t, s.PutNode(ctx, testNode("n1")))

	_, err := s.AddEarned(ctx, "n1", 3500)
	require.NoError(t, err)
	total, err := s.AddEarned(ctx, "n1", 700)
	require.NoError(t, err)
	assert.Equal(t, int64(4200), total)
}
