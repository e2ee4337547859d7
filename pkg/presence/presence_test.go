package presence

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/replaycache/pkg/epoch"
	"github.com/pmkol/replaycache/pkg/tag"
)

func randomTag(t *testing.T) tag.Tag {
	b := make([]byte, tag.DefaultSize)
	_, err := rand.Read(b)
	require.NoError(t, err)
	tg, err := tag.New(b, tag.DefaultSize)
	require.NoError(t, err)
	return tg
}

func newStore(t *testing.T, start uint64, k int) (*Store, *epoch.Ledger) {
	l, err := epoch.NewLedger(start, k)
	require.NoError(t, err)
	return NewStore(l, Opts{ShardNum: 8}), l
}

func TestStore_TestAndSet(t *testing.T) {
	s, _ := newStore(t, 5, 2)
	tg := randomTag(t)

	r, b := s.TestAndSet(tg, 5)
	require.Equal(t, New, r)
	require.NotNil(t, b)
	require.Equal(t, uint64(5), b.Epoch())

	r, _ = s.TestAndSet(tg, 5)
	require.Equal(t, Replay, r)

	// Same tag, other retained epoch: independent.
	r, _ = s.TestAndSet(tg, 4)
	require.Equal(t, New, r)

	r, b = s.TestAndSet(tg, 3)
	require.Equal(t, NotRetained, r)
	require.Nil(t, b)
	r, _ = s.TestAndSet(tg, 6)
	require.Equal(t, NotRetained, r)

	require.Equal(t, 2, s.Len())
	require.Equal(t, []uint64{4, 5}, s.Epochs())
}

func TestStore_Unset(t *testing.T) {
	s, _ := newStore(t, 1, 1)
	tg := randomTag(t)

	r, b := s.TestAndSet(tg, 1)
	require.Equal(t, New, r)
	require.True(t, s.Unset(b, tg))
	require.False(t, s.Contains(tg, 1))

	r, _ = s.TestAndSet(tg, 1)
	require.Equal(t, New, r)
}

func TestStore_Restore(t *testing.T) {
	s, _ := newStore(t, 3, 2)
	tg := randomTag(t)

	assert.True(t, s.Restore(tg, 3))
	assert.False(t, s.Restore(tg, 3))
	assert.True(t, s.Restore(tg, 2))
	assert.False(t, s.Restore(tg, 1))
	require.Equal(t, map[uint64]int{2: 1, 3: 1}, s.Counts())
}

func TestStore_Evict(t *testing.T) {
	s, l := newStore(t, 1, 2)
	tg := randomTag(t)
	r, _ := s.TestAndSet(tg, 1)
	require.Equal(t, New, r)

	evicted, err := l.Advance(4)
	require.NoError(t, err)
	for _, e := range evicted {
		s.Evict(e)
	}
	assert.Equal(t, 0, s.Evict(1), "evict is idempotent")
	assert.Empty(t, s.Epochs())
	assert.Equal(t, 0, s.Len())

	r, _ = s.TestAndSet(tg, 1)
	require.Equal(t, NotRetained, r)
}

func TestStore_concurrentSingleAcceptance(t *testing.T) {
	s, _ := newStore(t, 9, 3)
	tg := randomTag(t)

	var news, replays atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch r, _ := s.TestAndSet(tg, 8); r {
			case New:
				news.Add(1)
			case Replay:
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), news.Load())
	require.Equal(t, int32(63), replays.Load())
}

func TestStore_evictRace(t *testing.T) {
	s, l := newStore(t, 0, 2)

	stop := make(chan struct{})
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, cur := l.Bounds()
				s.TestAndSet(randomTag(t), cur)
			}
		}()
	}

	for e := uint64(1); e < 200; e++ {
		evicted, err := l.Advance(e)
		require.NoError(t, err)
		for _, ev := range evicted {
			s.Evict(ev)
		}
	}
	close(stop)
	wg.Wait()

	// No bucket outside the window may survive.
	for _, e := range s.Epochs() {
		require.True(t, l.Retained(e), "stale bucket %d", e)
	}
}
