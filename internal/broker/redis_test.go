package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/observability"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" || testing.Short() {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	// two brokers on one server behave like two instances
	b1 := NewRedisBroker(rdb, observability.NewDiscardLogger())
	b2 := NewRedisBroker(rdb, observability.NewDiscardLogger())
	defer b1.Close()
	defer b2.Close()

	channel := "device_" + uuid.NewString()

	rec := &recorder{}
	_, err := b1.Subscribe(ctx, channel, "dispatcher", rec.handlers())
	require.NoError(t, err)

	deviceSub, err := b2.Subscribe(ctx, channel, "device", Handlers{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b2.Publish(ctx, channel, envelope(i)))
	}

	require.Eventually(t, func() bool {
		return len(rec.snapshot().messages) == 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, rec.snapshot().messages)
	assert.Equal(t, []string{"device"}, rec.snapshot().joins)

	n, err := b1.Subscribers(ctx, channel)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, b2.Unsubscribe(ctx, deviceSub))
	require.Eventually(t, func() bool {
		return len(rec.snapshot().leaves) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBroker_Pattern(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()

	b := NewRedisBroker(rdb, observability.NewDiscardLogger())
	defer b.Close()

	prefix := "presence_" + uuid.NewString()[:8]
	rec := &recorder{}
	_, err := b.SubscribePattern(ctx, prefix+"*", "", rec.handlers())
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, prefix+"a", envelope(1)))
	require.NoError(t, b.Publish(ctx, "device_x", envelope(2)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot().messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{prefix + "a"}, rec.snapshot().channels)
}

func TestRedisBroker_MembershipOfDeadInstanceExpires(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	channel := "device_" + uuid.NewString()

	// the first instance exits without unsubscribing
	dead := NewRedisBroker(rdb, observability.NewDiscardLogger(), WithMembershipTTL(time.Second))
	orphan, err := dead.Subscribe(ctx, channel, "device", Handlers{})
	require.NoError(t, err)
	dead.stopRefresh()
	orphan.close()

	live := NewRedisBroker(rdb, observability.NewDiscardLogger())
	defer live.Close()

	require.Eventually(t, func() bool {
		counts, err := live.memberCounts(ctx, channel)
		return err == nil && len(counts) == 0
	}, 3*time.Second, 50*time.Millisecond)

	rec := &recorder{}
	_, err = live.Subscribe(ctx, channel, "dispatcher", rec.handlers())
	require.NoError(t, err)

	_, err = live.Subscribe(ctx, channel, "device", Handlers{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.snapshot().joins) == 1
	}, 2*time.Second, 10*time.Millisecond)
	snap := rec.snapshot()
	assert.Equal(t, []string{"device"}, snap.joins)
	require.NotEmpty(t, snap.syncs)
	assert.Equal(t, []string{"dispatcher"}, snap.syncs[0])
}

func TestRedisBroker_KeyHeldByTwoInstances(t *testing.T) {
	rdb := setupRedis(t)
	ctx := context.Background()
	channel := "presence_" + uuid.NewString()

	b1 := NewRedisBroker(rdb, observability.NewDiscardLogger())
	b2 := NewRedisBroker(rdb, observability.NewDiscardLogger())
	defer b1.Close()
	defer b2.Close()

	rec := &recorder{}
	_, err := b1.Subscribe(ctx, channel, "tracker", rec.handlers())
	require.NoError(t, err)

	first, err := b1.Subscribe(ctx, channel, "tok", Handlers{})
	require.NoError(t, err)
	second, err := b2.Subscribe(ctx, channel, "tok", Handlers{})
	require.NoError(t, err)

	require.NoError(t, b1.Unsubscribe(ctx, first))
	require.NoError(t, b2.Unsubscribe(ctx, second))

	require.Eventually(t, func() bool {
		return len(rec.snapshot().leaves) == 1
	}, 2*time.Second, 10*time.Millisecond)
	snap := rec.snapshot()
	assert.Equal(t, []string{"tok"}, snap.joins, "one join while any instance holds the key")
	assert.Equal(t, []string{"tok"}, snap.leaves)
}
