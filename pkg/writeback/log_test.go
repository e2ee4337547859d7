package writeback

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pmkol/replaycache/pkg/tag"
)

// memStorage is an in-memory Storage with injectable write failures and a
// gate that holds WriteBatch until released.
type memStorage struct {
	mu        sync.Mutex
	recs      []Record
	marker    uint64
	hasMarker bool
	closed    bool

	batches  atomic.Int32
	failNext atomic.Int32 // number of WriteBatch calls to fail
	gate     chan struct{}
	entered  chan struct{}
}

var errInjected = errors.New("injected write failure")

func (m *memStorage) WriteBatch(recs []Record) error {
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.gate != nil {
		<-m.gate
	}
	if m.failNext.Load() > 0 {
		m.failNext.Add(-1)
		return errInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.recs = append(m.recs, recs...)
	m.batches.Add(1)
	return nil
}

func (m *memStorage) Compact(oldest uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.recs[:0]
	for _, r := range m.recs {
		if r.Epoch >= oldest {
			kept = append(kept, r)
		}
	}
	m.recs = kept
	m.marker, m.hasMarker = oldest, true
	return nil
}

func (m *memStorage) Replay() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		m.mu.Lock()
		recs := append([]Record(nil), m.recs...)
		m.mu.Unlock()
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *memStorage) Marker() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marker, m.hasMarker
}

func (m *memStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memStorage) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func newTestLog(t *testing.T, s Storage, mod func(*LogOpts)) *Log {
	opts := LogOpts{
		Storage:       s,
		TagLength:     testTagLen,
		FlushInterval: time.Millisecond,
		RetryBackoff:  time.Millisecond,
	}
	if mod != nil {
		mod(&opts)
	}
	l, err := NewLog(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendCommits(t *testing.T) {
	s := &memStorage{}
	l := newTestLog(t, s, nil)
	ctx := context.Background()

	p, err := l.Append(ctx, 3, randomTag(t))
	require.NoError(t, err)
	committed, err := p.Wait(ctx)
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, 1, s.len())
	require.NoError(t, p.Err())
}

func TestLog_Batching(t *testing.T) {
	s := &memStorage{}
	reg := prometheus.NewRegistry()
	l := newTestLog(t, s, func(o *LogOpts) {
		o.FlushInterval = 50 * time.Millisecond
		o.BatchMaxSize = 64
		o.Metrics = reg
	})
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			p, err := l.Append(ctx, 1, randomTag(t))
			if err != nil {
				return err
			}
			_, err = p.Wait(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 64, s.len())
	// 64 appends inside one flush interval mostly fill a single batch.
	require.LessOrEqual(t, s.batches.Load(), int32(2))
	require.Equal(t, float64(s.batches.Load()), testutil.ToFloat64(l.m.batches))
}

func TestLog_MalformedTag(t *testing.T) {
	l := newTestLog(t, &memStorage{}, nil)
	short, err := tag.New(make([]byte, 4), 4)
	require.NoError(t, err)
	_, err = l.Append(context.Background(), 1, short)
	require.ErrorIs(t, err, tag.ErrMalformed)
}

func TestLog_RetryThenSuccess(t *testing.T) {
	s := &memStorage{}
	s.failNext.Store(2)
	l := newTestLog(t, s, func(o *LogOpts) { o.WriteRetries = 2 })

	p, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	committed, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, committed)
	require.Equal(t, float64(2), testutil.ToFloat64(l.m.writeRetries))
}

func TestLog_DurabilityFailure(t *testing.T) {
	s := &memStorage{}
	s.failNext.Store(3)
	l := newTestLog(t, s, func(o *LogOpts) { o.WriteRetries = 2 })

	p, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	committed, err := p.Wait(context.Background())
	require.False(t, committed)
	require.ErrorIs(t, err, ErrDurability)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, 0, s.len())

	// The log keeps working after a failed batch.
	p, err = l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	committed, err = p.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, committed)
}

func TestLog_NoRetries(t *testing.T) {
	s := &memStorage{}
	s.failNext.Store(1)
	l := newTestLog(t, s, func(o *LogOpts) { o.WriteRetries = -1 })

	p, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, ErrDurability)
}

func TestLog_Backpressure(t *testing.T) {
	s := &memStorage{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLog(t, s, func(o *LogOpts) {
		o.NonBlocking = true
		o.QueueSize = 2
		o.BatchMaxSize = 1
	})
	ctx := context.Background()

	// First record is claimed and stuck in WriteBatch.
	first, err := l.Append(ctx, 1, randomTag(t))
	require.NoError(t, err)
	<-s.entered

	// Fill the queue.
	var queued []*Pending
	for i := 0; i < 2; i++ {
		p, err := l.Append(ctx, 1, randomTag(t))
		require.NoError(t, err)
		queued = append(queued, p)
	}
	_, err = l.Append(ctx, 1, randomTag(t))
	require.ErrorIs(t, err, ErrBackpressure)

	close(s.gate)
	for _, p := range append(queued, first) {
		committed, err := p.Wait(ctx)
		require.NoError(t, err)
		require.True(t, committed)
	}
}

func TestLog_BlockingAppendHonoursContext(t *testing.T) {
	s := &memStorage{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLog(t, s, func(o *LogOpts) {
		o.QueueSize = 1
		o.BatchMaxSize = 1
	})

	_, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	<-s.entered
	_, err = l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Append(ctx, 1, randomTag(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(s.gate)
}

func TestPending_WaitWithdraws(t *testing.T) {
	s := &memStorage{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLog(t, s, func(o *LogOpts) { o.BatchMaxSize = 1 })

	// Occupy the batcher so the second record stays queued.
	_, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	<-s.entered

	p, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	committed, err := p.Wait(ctx)
	require.False(t, committed)
	require.ErrorIs(t, err, context.Canceled)

	close(s.gate)
	require.NoError(t, l.Flush(context.Background()))
	require.Equal(t, 1, s.len(), "withdrawn record must not be written")
}

func TestPending_WaitAwaitsClaimedWrite(t *testing.T) {
	s := &memStorage{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	l := newTestLog(t, s, nil)

	p, err := l.Append(context.Background(), 1, randomTag(t))
	require.NoError(t, err)
	<-s.entered // claimed and being written

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(s.gate)
	}()
	committed, err := p.Wait(ctx)
	require.True(t, committed, "claimed record outcome must be reported")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, s.len())
}

func TestLog_CompactRefusesOldEpochs(t *testing.T) {
	s := &memStorage{}
	l := newTestLog(t, s, nil)
	ctx := context.Background()

	for e := uint64(1); e <= 3; e++ {
		p, err := l.Append(ctx, e, randomTag(t))
		require.NoError(t, err)
		_, err = p.Wait(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, l.Compact(ctx, 3))
	m, ok := l.Marker()
	require.True(t, ok)
	require.Equal(t, uint64(3), m)

	var got []uint64
	for r, err := range l.ReplayAll() {
		require.NoError(t, err)
		got = append(got, r.Epoch)
	}
	require.Equal(t, []uint64{3}, got)

	p, err := l.Append(ctx, 2, randomTag(t))
	require.NoError(t, err)
	committed, err := p.Wait(ctx)
	require.False(t, committed)
	require.ErrorIs(t, err, ErrEpochNotRetained)
}

func TestLog_FlushCoalesces(t *testing.T) {
	s := &memStorage{}
	l := newTestLog(t, s, func(o *LogOpts) { o.FlushInterval = time.Hour })
	ctx := context.Background()

	var ps []*Pending
	for i := 0; i < 10; i++ {
		p, err := l.Append(ctx, 1, randomTag(t))
		require.NoError(t, err)
		ps = append(ps, p)
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error { return l.Flush(ctx) })
	}
	require.NoError(t, g.Wait())
	for _, p := range ps {
		select {
		case <-p.Done():
			require.NoError(t, p.Err())
		default:
			t.Fatal("record still pending after flush")
		}
	}
}

func TestLog_CloseDrains(t *testing.T) {
	s := &memStorage{}
	opts := LogOpts{Storage: s, TagLength: testTagLen, FlushInterval: time.Hour}
	l, err := NewLog(opts)
	require.NoError(t, err)

	var ps []*Pending
	for i := 0; i < 5; i++ {
		p, err := l.Append(context.Background(), 1, randomTag(t))
		require.NoError(t, err)
		ps = append(ps, p)
	}
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	for _, p := range ps {
		<-p.Done()
		assert.NoError(t, p.Err())
	}
	require.Equal(t, 5, s.len())
	require.True(t, s.closed)

	_, err = l.Append(context.Background(), 1, randomTag(t))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, l.Flush(context.Background()), ErrClosed)
}

func TestLog_FileStorage(t *testing.T) {
	dir := t.TempDir()
	fs := openTestStorage(t, dir, true)
	l := newTestLog(t, fs, nil)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			p, err := l.Append(ctx, uint64(i%3), randomTag(t))
			if err != nil {
				return err
			}
			_, err = p.Wait(ctx)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, l.Close())

	fs = openTestStorage(t, dir, false)
	defer fs.Close()
	require.Len(t, collect(t, fs), 200)
}

func TestLogOpts_Init(t *testing.T) {
	opts := LogOpts{Storage: &memStorage{}, TagLength: 32}
	require.NoError(t, opts.Init())
	assert.Equal(t, defaultFlushInterval, opts.FlushInterval)
	assert.Equal(t, defaultBatchMaxSize, opts.BatchMaxSize)
	assert.Equal(t, defaultQueueSize, opts.QueueSize)
	assert.Equal(t, defaultWriteRetries, opts.WriteRetries)

	bad := LogOpts{Storage: &memStorage{}, TagLength: 32, BatchMaxSize: maxFrameRecords + 1}
	require.Error(t, bad.Init())
	bad = LogOpts{TagLength: 32}
	require.Error(t, bad.Init())
}
