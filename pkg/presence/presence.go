// Package presence holds the in-memory tag sets, one bucket per retained
// epoch. The bucket table is copy-on-write: lookups load it atomically and
// never take a lock, so creating or evicting one epoch's bucket does not
// block test-and-set calls against the others.
package presence

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pmkol/replaycache/pkg/shardset"
	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/utils"
)

const defaultShardNum = 64

type Result uint8

const (
	New Result = iota + 1
	Replay
	NotRetained
)

func (r Result) String() string {
	switch r {
	case New:
		return "new"
	case Replay:
		return "replay"
	case NotRetained:
		return "not_retained"
	default:
		return "unknown"
	}
}

// Window reports whether an epoch is currently retained. *epoch.Ledger
// implements it.
type Window interface {
	Retained(e uint64) bool
}

type Opts struct {
	// ShardNum is the number of shards per bucket. Must be a power of 2.
	// Default is 64.
	ShardNum int

	// SizeHint presizes each new bucket for about SizeHint tags.
	SizeHint int
}

func (opts *Opts) Init() {
	utils.SetDefaultNum(&opts.ShardNum, defaultShardNum)
}

type Store struct {
	window Window
	opts   Opts

	m       sync.Mutex // serializes bucket creation and eviction
	buckets atomic.Pointer[map[uint64]*Bucket]
}

// Bucket is the tag set of a single epoch.
type Bucket struct {
	epoch uint64
	set   *shardset.Set
}

func (b *Bucket) Epoch() uint64 {
	return b.epoch
}

func (b *Bucket) Len() int {
	return b.set.Len()
}

func NewStore(w Window, opts Opts) *Store {
	opts.Init()
	if !utils.IsPowerOf2(opts.ShardNum) {
		panic("presence: ShardNum must be a power of 2")
	}
	s := &Store{window: w, opts: opts}
	empty := make(map[uint64]*Bucket)
	s.buckets.Store(&empty)
	return s
}

// TestAndSet atomically inserts t into the bucket of epoch e.
// At most one concurrent caller observes New for the same (t, e). The
// returned bucket is the one the tag was inserted into; Unset must be
// given the same bucket to roll the insert back.
func (s *Store) TestAndSet(t tag.Tag, e uint64) (Result, *Bucket) {
	if !s.window.Retained(e) {
		return NotRetained, nil
	}
	b := s.getOrCreate(e)
	if b == nil {
		return NotRetained, nil
	}
	if b.set.TestAndSet(t) {
		return New, b
	}
	return Replay, b
}

// Unset removes a tag inserted by TestAndSet whose acceptance was not made
// durable. It is the only per-tag removal besides eviction.
func (s *Store) Unset(b *Bucket, t tag.Tag) bool {
	if b == nil {
		return false
	}
	return b.set.Remove(t)
}

// Contains reports whether t is present for epoch e.
func (s *Store) Contains(t tag.Tag, e uint64) bool {
	b := (*s.buckets.Load())[e]
	return b != nil && b.set.Contains(t)
}

func (s *Store) getOrCreate(e uint64) *Bucket {
	if b := (*s.buckets.Load())[e]; b != nil {
		return b
	}

	s.m.Lock()
	defer s.m.Unlock()

	old := *s.buckets.Load()
	if b := old[e]; b != nil {
		return b
	}
	// The window may have moved past e since the caller checked it. A bucket
	// created now would never be evicted.
	if !s.window.Retained(e) {
		return nil
	}

	b := &Bucket{epoch: e, set: shardset.New(s.opts.ShardNum, s.opts.SizeHint)}
	m := make(map[uint64]*Bucket, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[e] = b
	s.buckets.Store(&m)
	return b
}

// Evict drops the bucket of epoch e. Callers holding the old bucket keep
// a detached set that is unreachable for new lookups. Idempotent.
func (s *Store) Evict(e uint64) (removed int) {
	s.m.Lock()
	defer s.m.Unlock()

	old := *s.buckets.Load()
	b, ok := old[e]
	if !ok {
		return 0
	}
	m := make(map[uint64]*Bucket, len(old))
	for k, v := range old {
		if k != e {
			m[k] = v
		}
	}
	s.buckets.Store(&m)
	return b.set.Len()
}

// Len returns the number of tags across all buckets.
func (s *Store) Len() int {
	n := 0
	for _, b := range *s.buckets.Load() {
		n += b.set.Len()
	}
	return n
}

// Epochs returns the epochs that currently have a bucket, ascending.
func (s *Store) Epochs() []uint64 {
	m := *s.buckets.Load()
	es := make([]uint64, 0, len(m))
	for e := range m {
		es = append(es, e)
	}
	slices.Sort(es)
	return es
}

// Counts returns the number of tags per epoch.
func (s *Store) Counts() map[uint64]int {
	m := *s.buckets.Load()
	out := make(map[uint64]int, len(m))
	for e, b := range m {
		out[e] = b.set.Len()
	}
	return out
}

// Restore inserts t for e while rebuilding the store from durable records.
// It reports whether t was added, false for a duplicate or an epoch that
// is not retained.
func (s *Store) Restore(t tag.Tag, e uint64) bool {
	r, _ := s.TestAndSet(t, e)
	return r == New
}
