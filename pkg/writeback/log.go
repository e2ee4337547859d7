package writeback

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/replaycache/pkg/pool"
	"github.com/pmkol/replaycache/pkg/safe_close"
	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/utils"
)

var nopLogger = zap.NewNop()

const (
	defaultFlushInterval = 2 * time.Millisecond
	defaultBatchMaxSize  = 256
	defaultQueueSize     = 4096
	defaultWriteRetries  = 2
	defaultRetryBackoff  = 5 * time.Millisecond
	maxRetryBackoff      = 500 * time.Millisecond
)

type LogOpts struct {
	// Storage cannot be nil. The Log owns it and closes it on Close.
	Storage Storage

	// TagLength is the length every appended tag must have.
	TagLength int

	// FlushInterval is how long the batcher waits for more records after
	// the first one arrives. Default is 2ms.
	FlushInterval time.Duration

	// BatchMaxSize commits a batch as soon as it holds this many records.
	// Default is 256.
	BatchMaxSize int

	// QueueSize bounds the number of appended but not yet batched records.
	// Default is 4096.
	QueueSize int

	// NonBlocking makes Append fail with ErrBackpressure instead of waiting
	// when the queue is full.
	NonBlocking bool

	// WriteRetries is the number of times a failed batch write is retried.
	// Default is 2, a negative value disables retries.
	WriteRetries int

	// RetryBackoff is the base delay between retries. Default is 5ms.
	RetryBackoff time.Duration

	// Logger is the *zap.Logger for this Log.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Metrics registers the log metrics if not nil.
	Metrics prometheus.Registerer
}

func (opts *LogOpts) Init() error {
	if opts.Storage == nil {
		return errors.New("nil storage")
	}
	if opts.TagLength <= 0 || opts.TagLength > tag.MaxSize {
		return fmt.Errorf("invalid tag length %d", opts.TagLength)
	}
	utils.SetDefaultNum(&opts.FlushInterval, defaultFlushInterval)
	utils.SetDefaultNum(&opts.BatchMaxSize, defaultBatchMaxSize)
	utils.SetDefaultNum(&opts.QueueSize, defaultQueueSize)
	utils.SetDefaultNum(&opts.WriteRetries, defaultWriteRetries)
	utils.SetDefaultNum(&opts.RetryBackoff, defaultRetryBackoff)
	if opts.WriteRetries < 0 {
		opts.WriteRetries = 0
	}
	if err := utils.CheckNumRange("batch max size", opts.BatchMaxSize, 1, maxFrameRecords); err != nil {
		return err
	}
	if err := utils.CheckNumRange("queue size", opts.QueueSize, 1, 1<<24); err != nil {
		return err
	}
	if opts.FlushInterval < 0 {
		return fmt.Errorf("invalid flush interval %s", opts.FlushInterval)
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

const (
	pendingQueued int32 = iota
	pendingClaimed
	pendingWithdrawn
)

// Pending is the completion handle of one appended record.
//
// A record is either claimed by the batcher, after which its outcome is
// decided by the batch write, or withdrawn by Wait before it was claimed,
// after which it is never written. Exactly one of the two happens.
type Pending struct {
	rec   Record
	state atomic.Int32
	done  chan struct{}
	err   error
}

func newPending(rec Record) *Pending {
	return &Pending{rec: rec, done: make(chan struct{})}
}

func (p *Pending) Record() Record { return p.rec }

// Done is closed once the outcome is known.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the outcome. Only valid after Done is closed.
// nil means the record is durably committed.
func (p *Pending) Err() error { return p.err }

func (p *Pending) claim() bool {
	return p.state.CompareAndSwap(pendingQueued, pendingClaimed)
}

func (p *Pending) complete(err error) {
	p.err = err
	close(p.done)
}

// Wait waits for the record outcome. committed reports whether the record
// is durable, regardless of err.
//
// If ctx expires first, Wait withdraws the record when the batcher has not
// claimed it yet and returns ctx.Err() with committed false. Otherwise the
// write is already in flight and Wait blocks until it finishes, then
// returns ctx.Err() joined with any write error.
func (p *Pending) Wait(ctx context.Context) (committed bool, err error) {
	select {
	case <-p.done:
		return p.err == nil, p.err
	case <-ctx.Done():
	}

	if p.state.CompareAndSwap(pendingQueued, pendingWithdrawn) {
		p.complete(ctx.Err())
		return false, ctx.Err()
	}
	<-p.done
	if p.err != nil {
		return false, errors.Join(ctx.Err(), p.err)
	}
	return true, ctx.Err()
}

type ctrlKind int

const (
	ctrlFlush ctrlKind = iota
	ctrlCompact
)

type ctrlReq struct {
	kind   ctrlKind
	oldest uint64
	res    chan error
}

// Log batches appended records into durable Storage writes. All storage
// writes happen on a single batcher goroutine.
type Log struct {
	opts LogOpts
	sc   *safe_close.SafeClose

	queue chan *Pending
	ctrl  chan ctrlReq
	sf    singleflight.Group

	closeMu sync.RWMutex
	closed  bool

	// owned by the batcher goroutine
	batch []*Pending
	recs  []Record

	m *logMetrics
}

// NewLog starts a Log on opts.Storage.
func NewLog(opts LogOpts) (*Log, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	m, err := newLogMetrics(opts.Metrics)
	if err != nil {
		return nil, err
	}

	l := &Log{
		opts:  opts,
		sc:    safe_close.NewSafeClose(),
		queue: make(chan *Pending, opts.QueueSize),
		ctrl:  make(chan ctrlReq),
		batch: make([]*Pending, 0, opts.BatchMaxSize),
		recs:  make([]Record, 0, opts.BatchMaxSize),
		m:     m,
	}
	l.m.queueLen = func() float64 { return float64(len(l.queue)) }
	l.sc.Attach(l.run)
	return l, nil
}

// Append enqueues (e, t). The returned Pending completes once the batch
// holding it is committed or failed.
func (l *Log) Append(ctx context.Context, e uint64, t tag.Tag) (*Pending, error) {
	if t.Len() != l.opts.TagLength {
		return nil, fmt.Errorf("%w: length %d, want %d", tag.ErrMalformed, t.Len(), l.opts.TagLength)
	}
	p := newPending(Record{Epoch: e, Tag: t})

	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return nil, ErrClosed
	}

	if l.opts.NonBlocking {
		select {
		case l.queue <- p:
			return p, nil
		default:
			l.m.backpressure.Inc()
			return nil, ErrBackpressure
		}
	}
	select {
	case l.queue <- p:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush commits every record queued when the flush reaches the batcher.
// Concurrent calls share one flush, so a caller joining a flush already in
// flight may see records it appended afterwards still pending.
func (l *Log) Flush(ctx context.Context) error {
	ch := l.sf.DoChan("flush", func() (interface{}, error) {
		return nil, l.control(context.Background(), ctrlReq{kind: ctrlFlush})
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compact flushes, then drops every stored record with epoch < oldest.
// Records below oldest that are appended later fail with
// ErrEpochNotRetained.
func (l *Log) Compact(ctx context.Context, oldest uint64) error {
	return l.control(ctx, ctrlReq{kind: ctrlCompact, oldest: oldest})
}

func (l *Log) control(ctx context.Context, req ctrlReq) error {
	req.res = make(chan error, 1)
	select {
	case l.ctrl <- req:
	case <-l.sc.ReceiveCloseSignal():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplayAll streams every committed record of the underlying storage.
func (l *Log) ReplayAll() iter.Seq2[Record, error] {
	return l.opts.Storage.Replay()
}

// Marker returns the storage compaction marker.
func (l *Log) Marker() (uint64, bool) {
	return l.opts.Storage.Marker()
}

// QueueLen returns the number of records waiting to be batched.
func (l *Log) QueueLen() int {
	return len(l.queue)
}

// Close commits everything still queued, stops the batcher and closes the
// storage. Later Appends return ErrClosed.
func (l *Log) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	l.sc.Done()
	l.sc.CloseWait()
	return l.opts.Storage.Close()
}

func (l *Log) run(done func(), closeSignal <-chan struct{}) {
	defer done()

	timer := pool.GetTimer(l.opts.FlushInterval)
	pool.StopTimer(timer)
	defer pool.ReleaseTimer(timer)
	armed := false

	for {
		select {
		case p := <-l.queue:
			l.batch = append(l.batch, p)
			if len(l.batch) >= l.opts.BatchMaxSize {
				if armed {
					pool.StopTimer(timer)
					armed = false
				}
				l.commit()
			} else if !armed {
				timer.Reset(l.opts.FlushInterval)
				armed = true
			}

		case <-timer.C:
			armed = false
			l.commit()

		case req := <-l.ctrl:
			if armed {
				pool.StopTimer(timer)
				armed = false
			}
			l.drain()
			switch req.kind {
			case ctrlFlush:
				req.res <- nil
			case ctrlCompact:
				req.res <- l.compact(req.oldest)
			}

		case <-closeSignal:
			l.drain()
			return
		}
	}
}

// drain commits the current batch and everything in the queue.
func (l *Log) drain() {
	for {
		select {
		case p := <-l.queue:
			l.batch = append(l.batch, p)
			if len(l.batch) >= l.opts.BatchMaxSize {
				l.commit()
			}
		default:
			l.commit()
			return
		}
	}
}

// commit claims the records of the current batch and writes them.
func (l *Log) commit() {
	if len(l.batch) == 0 {
		return
	}
	defer func() {
		clear(l.batch)
		l.batch = l.batch[:0]
		l.recs = l.recs[:0]
	}()

	marker, hasMarker := l.opts.Storage.Marker()
	claimed := l.batch[:0]
	for _, p := range l.batch {
		if !p.claim() {
			continue
		}
		if hasMarker && p.rec.Epoch < marker {
			p.complete(fmt.Errorf("%w: epoch %d is below compaction marker %d", ErrEpochNotRetained, p.rec.Epoch, marker))
			continue
		}
		claimed = append(claimed, p)
		l.recs = append(l.recs, p.rec)
	}
	if len(claimed) == 0 {
		return
	}

	start := time.Now()
	err := l.write(l.recs)
	l.m.commitSeconds.Observe(time.Since(start).Seconds())
	l.m.batches.Inc()
	l.m.batchSize.Observe(float64(len(l.recs)))

	if err != nil {
		l.m.writeFailures.Inc()
		l.opts.Logger.Error("batch write failed", zap.Int("records", len(l.recs)), zap.Error(err))
		err = fmt.Errorf("%w: %w", ErrDurability, err)
	}
	for _, p := range claimed {
		p.complete(err)
	}
}

func (l *Log) write(recs []Record) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = l.opts.Storage.WriteBatch(recs); err == nil {
			return nil
		}
		if attempt >= l.opts.WriteRetries || errors.Is(err, ErrClosed) {
			return err
		}
		l.m.writeRetries.Inc()
		d := utils.BackoffDelay(attempt+1, l.opts.RetryBackoff, maxRetryBackoff)
		l.opts.Logger.Warn("batch write failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("backoff", d), zap.Error(err))
		t := pool.GetTimer(d)
		<-t.C
		pool.ReleaseTimer(t)
	}
}

func (l *Log) compact(oldest uint64) error {
	if err := l.opts.Storage.Compact(oldest); err != nil {
		l.opts.Logger.Error("compaction failed", zap.Uint64("oldest_retained", oldest), zap.Error(err))
		return fmt.Errorf("compact: %w", err)
	}
	l.m.compactions.Inc()
	return nil
}

type logMetrics struct {
	batches       prometheus.Counter
	batchSize     prometheus.Histogram
	commitSeconds prometheus.Histogram
	writeRetries  prometheus.Counter
	writeFailures prometheus.Counter
	compactions   prometheus.Counter
	backpressure  prometheus.Counter
	queueLen      func() float64
}

func newLogMetrics(reg prometheus.Registerer) (*logMetrics, error) {
	m := &logMetrics{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeback_batches_total",
			Help: "The total number of batch writes",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "writeback_batch_size",
			Help:    "The number of records per batch write",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		commitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "writeback_commit_seconds",
			Help:    "Batch write latency including retries",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		writeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeback_write_retries_total",
			Help: "The total number of retried batch writes",
		}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeback_write_failures_total",
			Help: "The total number of batch writes that failed after all retries",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeback_compactions_total",
			Help: "The total number of compactions",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "writeback_backpressure_total",
			Help: "The total number of appends refused because the queue was full",
		}),
	}
	if reg == nil {
		return m, nil
	}

	queueLen := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "writeback_queue_length",
		Help: "The number of records waiting to be batched",
	}, func() float64 {
		if m.queueLen == nil {
			return 0
		}
		return m.queueLen()
	})
	for _, c := range []prometheus.Collector{
		m.batches, m.batchSize, m.commitSeconds, m.writeRetries,
		m.writeFailures, m.compactions, m.backpressure, queueLen,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics, %w", err)
		}
	}
	return m, nil
}
