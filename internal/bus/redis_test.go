package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLog(t *testing.T) (*RedisLog, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLog(rdb, "opsbrain:events", 1000), mr
}

func TestRedisLog_AppendReadLastID(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLog(t)

	last, err := l.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0-0", last)

	recs, err := l.ReadAfter(ctx, "0-0", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	id1, err := l.Append(ctx, []byte(`{"n":1}`))
	require.NoError(t, err)
	id2, err := l.Append(ctx, []byte(`{"n":2}`))
	require.NoError(t, err)

	last, err = l.LastID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id2, last)

	recs, err = l.ReadAfter(ctx, "0-0", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, id1, recs[0].ID)
	assert.JSONEq(t, `{"n":2}`, string(recs[1].Data))

	recs, err = l.ReadAfter(ctx, id1, 1, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id2, recs[0].ID)

	require.NoError(t, l.Ping(ctx))
}

func TestRedisLog_BusRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, _ := newRedisLog(t)

	b := New(l, testConfig(), testDeps(nil))
	defer b.Close()

	c := &collector{}
	stop, err := b.Subscribe(ctx, c.handle)
	require.NoError(t, err)
	defer stop()

	_, err = b.Publish(ctx, envelope("snapshot.computed"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.seen()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"snapshot.computed"}, c.seen())
	require.NoError(t, b.Healthcheck(ctx))
}

func TestRedisLog_HealthcheckFailsWhenServerIsDown(t *testing.T) {
	l, mr := newRedisLog(t)
	b := New(l, Config{CommandTimeout: 200 * time.Millisecond}, testDeps(nil))
	defer b.Close()

	mr.Close()
	require.Error(t, b.Healthcheck(context.Background()))
}
