package writeback

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to REPLAYCACHE_TEST_REDIS (a redis:// URL) and
// returns a key prefix unique to the test.
func newTestRedis(t *testing.T) (*redis.Client, string) {
	u := os.Getenv("REPLAYCACHE_TEST_REDIS")
	if len(u) == 0 {
		t.Skip("REPLAYCACHE_TEST_REDIS not set")
	}
	opt, err := redis.ParseURL(u)
	require.NoError(t, err)
	c := redis.NewClient(opt)

	prefix := fmt.Sprintf("replaycache_test:%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := c.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			c.Del(ctx, keys...)
		}
		_ = c.Close()
	})
	return c, prefix
}

func TestRedisStorage(t *testing.T) {
	c, prefix := newTestRedis(t)
	opts := RedisStorageOpts{Client: c, KeyPrefix: prefix, TagLength: testTagLen}

	s, err := NewRedisStorage(opts)
	require.NoError(t, err)

	var want []Record
	for e := uint64(1); e <= 3; e++ {
		recs := randomRecords(t, e, 50)
		require.NoError(t, s.WriteBatch(recs))
		want = append(want, recs...)
	}
	got := collect(t, s)
	require.ElementsMatch(t, want, got)

	require.NoError(t, s.Compact(3))
	m, ok := s.Marker()
	require.True(t, ok)
	require.Equal(t, uint64(3), m)
	require.ElementsMatch(t, want[100:], collect(t, s))

	// Marker and tag length survive a reopen.
	s2, err := NewRedisStorage(opts)
	require.NoError(t, err)
	m, ok = s2.Marker()
	require.True(t, ok)
	require.Equal(t, uint64(3), m)

	opts.TagLength = testTagLen + 1
	_, err = NewRedisStorage(opts)
	require.ErrorIs(t, err, ErrIncompatible)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.WriteBatch(want[:1]), ErrClosed)
}

func TestRedisStorage_WithLog(t *testing.T) {
	c, prefix := newTestRedis(t)
	s, err := NewRedisStorage(RedisStorageOpts{Client: c, KeyPrefix: prefix, TagLength: testTagLen})
	require.NoError(t, err)
	l := newTestLog(t, s, nil)

	ctx := context.Background()
	p, err := l.Append(ctx, 9, randomTag(t))
	require.NoError(t, err)
	committed, err := p.Wait(ctx)
	require.NoError(t, err)
	require.True(t, committed)
	require.Len(t, collect(t, s), 1)
}
