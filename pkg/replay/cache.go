// Package replay is the replay-detection cache of a mix relay.
//
// A Cache records the replay tag of every processed packet and reports for
// each new packet whether its tag was seen before within the retained
// epochs. A tag is reported as new only after it is durably written, so a
// restart never forgets an accepted tag. Memory is bounded by dropping
// whole epochs as the window advances.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/epoch"
	"github.com/pmkol/replaycache/pkg/presence"
	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/writeback"
)

var nopLogger = zap.NewNop()

// Outcome is the answer of a successful check.
type Outcome uint8

const (
	// OutcomeNew means the tag was not seen before and is now durably
	// recorded. The packet may be processed.
	OutcomeNew Outcome = iota + 1
	// OutcomeReplay means the tag was seen before. Drop the packet.
	OutcomeReplay
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// Result is delivered by CheckAndInsertAsync.
type Result struct {
	Outcome Outcome
	Err     error
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	ledger *epoch.Ledger
	store  *presence.Store
	log    *writeback.Log
	m      *metrics

	advanceMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Open loads the persisted tags of the retained epochs and returns a
// ready cache. Recovery is all or nothing: any record that cannot be
// trusted fails Open with ErrRecoveryFailed.
func Open(cfg Config) (*Cache, error) {
	if err := cfg.Init(); err != nil {
		return nil, fmt.Errorf("invalid config, %w", err)
	}

	ledger, err := epoch.NewLedger(cfg.StartingEpoch, cfg.RetainedEpochs)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		cfg:    cfg,
		logger: cfg.Logger,
		ledger: ledger,
		store: presence.NewStore(ledger, presence.Opts{
			ShardNum: cfg.ShardCount,
			SizeHint: cfg.ExpectedTagsPerEpoch,
		}),
	}

	storage, err := openStorage(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}

	c.log, err = writeback.NewLog(writeback.LogOpts{
		Storage:       storage,
		TagLength:     cfg.TagLength,
		FlushInterval: cfg.FlushInterval,
		BatchMaxSize:  cfg.BatchMaxSize,
		QueueSize:     cfg.QueueSize,
		NonBlocking:   cfg.NonBlocking,
		WriteRetries:  cfg.WriteRetries,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		_ = storage.Close()
		return nil, err
	}

	start := time.Now()
	st, err := c.recover()
	if err != nil {
		_ = c.log.Close()
		return nil, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
	}
	if c.m, err = newMetrics(c, cfg.Metrics); err != nil {
		_ = c.log.Close()
		return nil, err
	}

	oldest, current := ledger.Bounds()
	c.logger.Info("replay cache recovered",
		zap.Uint64("current_epoch", current),
		zap.Uint64("oldest_epoch", oldest),
		zap.Int("restored", st.restored),
		zap.Int("duplicates", st.duplicates),
		zap.Int("stale", st.stale),
		zap.Duration("elapsed", time.Since(start)))

	if st.stale > 0 {
		if err := c.log.Compact(context.Background(), oldest); err != nil {
			c.logger.Warn("failed to compact stale records", zap.Error(err))
		}
	}
	return c, nil
}

func openStorage(cfg *Config) (writeback.Storage, error) {
	if cfg.Backend != nil {
		return cfg.Backend, nil
	}
	switch cfg.Storage.Type {
	case StorageRedis:
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		s, err := writeback.NewRedisStorage(writeback.RedisStorageOpts{
			Client:        client,
			ClientCloser:  client,
			KeyPrefix:     cfg.Storage.KeyPrefix,
			TagLength:     cfg.TagLength,
			ClientTimeout: cfg.Storage.ClientTimeout,
			Logger:        cfg.Logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil
	default:
		return writeback.OpenFileStorage(writeback.FileStorageOpts{
			Dir:       cfg.Storage.Path,
			TagLength: cfg.TagLength,
			Compress:  cfg.Compress,
			Logger:    cfg.Logger,
		})
	}
}

type recoverStats struct {
	restored   int
	duplicates int
	stale      int
}

// recover replays the log into the presence store. It runs before the
// first Append.
func (c *Cache) recover() (recoverStats, error) {
	var st recoverStats
	oldest, current := c.ledger.Bounds()
	marker, hasMarker := c.log.Marker()
	if hasMarker && current < marker {
		return st, fmt.Errorf("starting epoch %d is older than the compaction marker %d", current, marker)
	}

	for r, err := range c.log.ReplayAll() {
		if err != nil {
			return st, err
		}
		switch {
		case hasMarker && r.Epoch < marker:
			return st, fmt.Errorf("%w: record %s is below the compaction marker %d", writeback.ErrCorrupt, r, marker)
		case r.Epoch > current:
			return st, fmt.Errorf("record %s is newer than the starting epoch %d", r, current)
		case r.Epoch < oldest:
			st.stale++
			continue
		}
		if !c.store.Restore(r.Tag, r.Epoch) {
			st.duplicates++
			continue
		}
		st.restored++
	}
	return st, nil
}

// CheckAndInsert reports whether b was seen in epoch e and records it if
// not. OutcomeNew is returned only after the tag is durable.
//
// If ctx expires while the tag is being written, the ctx error is returned
// and the tag stays recorded only if its write committed anyway.
func (c *Cache) CheckAndInsert(ctx context.Context, b []byte, e uint64) (Outcome, error) {
	o, p, bucket, t, err := c.begin(ctx, b, e)
	if p == nil || err != nil {
		return o, err
	}
	return c.finish(ctx, p, bucket, t)
}

// CheckAndInsertAsync is CheckAndInsert with the durable wait moved off the
// caller. The check and the enqueue happen before it returns, the channel
// receives the Result once the outcome is final.
func (c *Cache) CheckAndInsertAsync(ctx context.Context, b []byte, e uint64) <-chan Result {
	ch := make(chan Result, 1)
	o, p, bucket, t, err := c.begin(ctx, b, e)
	if p == nil || err != nil {
		ch <- Result{Outcome: o, Err: err}
		return ch
	}
	go func() {
		o, err := c.finish(ctx, p, bucket, t)
		ch <- Result{Outcome: o, Err: err}
	}()
	return ch
}

// begin tests and reserves the tag, and enqueues its write if it is new.
// A nil Pending means the outcome is already final.
func (c *Cache) begin(ctx context.Context, b []byte, e uint64) (Outcome, *writeback.Pending, *presence.Bucket, tag.Tag, error) {
	if c.closed.Load() {
		return 0, nil, nil, tag.Tag{}, ErrCacheClosed
	}
	t, err := tag.New(b, c.cfg.TagLength)
	if err != nil {
		c.m.checks.WithLabelValues("malformed").Inc()
		return 0, nil, nil, tag.Tag{}, err
	}

	res, bucket := c.store.TestAndSet(t, e)
	switch res {
	case presence.Replay:
		c.m.checks.WithLabelValues("replay").Inc()
		return OutcomeReplay, nil, nil, t, nil
	case presence.NotRetained:
		o, err := c.notRetained(e)
		return o, nil, nil, t, err
	}

	p, err := c.log.Append(ctx, e, t)
	if err != nil {
		c.rollback(bucket, t)
		if errors.Is(err, writeback.ErrClosed) {
			err = ErrCacheClosed
		}
		c.m.checks.WithLabelValues("error").Inc()
		return 0, nil, nil, t, err
	}
	return 0, p, bucket, t, nil
}

func (c *Cache) finish(ctx context.Context, p *writeback.Pending, bucket *presence.Bucket, t tag.Tag) (Outcome, error) {
	committed, err := p.Wait(ctx)
	if committed {
		if err != nil {
			// Durable but the caller gave up. The tag stays recorded.
			c.m.checks.WithLabelValues("error").Inc()
			return 0, err
		}
		c.m.checks.WithLabelValues("new").Inc()
		return OutcomeNew, nil
	}

	c.rollback(bucket, t)
	switch {
	case errors.Is(err, writeback.ErrEpochNotRetained):
		// The epoch was evicted and compacted while the write was queued.
		return c.notRetained(p.Record().Epoch)
	case errors.Is(err, writeback.ErrDurability):
		c.m.durabilityFailures.Inc()
		c.logger.Error("tag not accepted, durable write failed", zap.Uint64("epoch", p.Record().Epoch), zap.Error(err))
	case errors.Is(err, writeback.ErrClosed):
		err = ErrCacheClosed
	}
	c.m.checks.WithLabelValues("error").Inc()
	return 0, err
}

func (c *Cache) notRetained(e uint64) (Outcome, error) {
	c.m.checks.WithLabelValues("not_retained").Inc()
	if c.cfg.NotRetainedPolicy == PolicyTreatAsReplay {
		return OutcomeReplay, nil
	}
	oldest, current := c.ledger.Bounds()
	return 0, fmt.Errorf("%w: epoch %d, window [%d, %d]", ErrEpochNotRetained, e, oldest, current)
}

// rollback removes a reservation whose write did not commit.
func (c *Cache) rollback(b *presence.Bucket, t tag.Tag) {
	if c.store.Unset(b, t) {
		c.m.rollbacks.Inc()
	}
}

// AdvanceEpoch makes next the current epoch, drops the buckets of the
// epochs that left the window and compacts the log. A regression returns
// ErrEpochRegression and changes nothing.
//
// A compaction failure is logged and retried on the next advance, the
// in-memory state has already moved on.
func (c *Cache) AdvanceEpoch(ctx context.Context, next uint64) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	c.advanceMu.Lock()
	defer c.advanceMu.Unlock()

	prev := c.ledger.Current()
	evicted, err := c.ledger.Advance(next)
	if err != nil {
		return err
	}

	dropped := 0
	for _, e := range evicted {
		dropped += c.store.Evict(e)
	}
	c.m.evictedTags.Add(float64(dropped))

	oldest := c.ledger.Oldest()
	c.logger.Info("epoch advanced",
		zap.Uint64("from", prev),
		zap.Uint64("to", next),
		zap.Uint64s("evicted", evicted),
		zap.Int("dropped_tags", dropped))

	if oldest == 0 {
		return nil
	}
	if m, ok := c.log.Marker(); ok && m >= oldest {
		return nil
	}
	if err := c.log.Compact(ctx, oldest); err != nil {
		if errors.Is(err, writeback.ErrClosed) {
			return ErrCacheClosed
		}
		c.logger.Error("compaction failed", zap.Uint64("oldest_retained", oldest), zap.Error(err))
	}
	return nil
}

// Flush commits every queued write now.
func (c *Cache) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	err := c.log.Flush(ctx)
	if errors.Is(err, writeback.ErrClosed) {
		return ErrCacheClosed
	}
	return err
}

func (c *Cache) CurrentEpoch() uint64 {
	return c.ledger.Current()
}

// EpochStats is the number of tags held for one epoch.
type EpochStats struct {
	Epoch uint64 `json:"epoch"`
	Tags  int    `json:"tags"`
}

type Stats struct {
	CurrentEpoch uint64       `json:"current_epoch"`
	OldestEpoch  uint64       `json:"oldest_epoch"`
	Tags         int          `json:"tags"`
	Epochs       []EpochStats `json:"epochs"`
	QueueLength  int          `json:"queue_length"`
	Marker       *uint64      `json:"compaction_marker,omitempty"`
}

func (c *Cache) Stats() Stats {
	oldest, current := c.ledger.Bounds()
	st := Stats{
		CurrentEpoch: current,
		OldestEpoch:  oldest,
		QueueLength:  c.log.QueueLen(),
	}
	counts := c.store.Counts()
	for _, e := range c.store.Epochs() {
		n, ok := counts[e]
		if !ok {
			continue
		}
		st.Epochs = append(st.Epochs, EpochStats{Epoch: e, Tags: n})
		st.Tags += n
	}
	if m, ok := c.log.Marker(); ok {
		st.Marker = &m
	}
	return st
}

// Close flushes the queued writes and releases the storage. Calls made
// after Close return ErrCacheClosed. Close is idempotent.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.advanceMu.Lock()
		defer c.advanceMu.Unlock()
		c.closeErr = c.log.Close()
		c.logger.Info("replay cache closed", zap.Error(c.closeErr))
	})
	return c.closeErr
}
