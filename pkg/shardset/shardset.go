package shardset

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/replaycache/pkg/tag"
)

// Set is a concurrent set of tags partitioned into shards by a seeded hash
// of the tag bytes. Operations on tags in different shards never contend.
type Set struct {
	seed maphash.Seed
	s    []*Shard
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

// New returns a Set with shardNum shards. sizeHint, if positive, presizes
// the shards for about sizeHint tags in total.
func New(shardNum, sizeHint int) *Set {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	perShard := 0
	if sizeHint > 0 {
		perShard = sizeHint/shardNum + 1
	}

	cs := &Set{
		seed: maphash.MakeSeed(),
		s:    make([]*Shard, shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cs.s {
		cs.s[i] = NewShard(perShard)
	}
	return cs
}

func (c *Set) getShard(t tag.Tag) *Shard {
	h := maphash.String(c.seed, t.Key())
	return c.s[int(h&c.mask)]
}

// TestAndSet inserts t and reports whether it was absent.
// For concurrent calls with the same tag exactly one returns true.
func (c *Set) TestAndSet(t tag.Tag) bool {
	return c.getShard(t).TestAndSet(t)
}

func (c *Set) Contains(t tag.Tag) bool {
	return c.getShard(t).Contains(t)
}

// Remove deletes t and reports whether it was present.
func (c *Set) Remove(t tag.Tag) bool {
	return c.getShard(t).Remove(t)
}

func (c *Set) Len() int {
	sum := 0
	for _, shard := range c.s {
		sum += shard.Len()
	}
	return sum
}

// -----------------------------

type Shard struct {
	sync.Mutex
	m map[tag.Tag]struct{}
}

func NewShard(sizeHint int) *Shard {
	return &Shard{
		m: make(map[tag.Tag]struct{}, sizeHint),
	}
}

func (s *Shard) TestAndSet(t tag.Tag) bool {
	s.Lock()
	_, dup := s.m[t]
	if !dup {
		s.m[t] = struct{}{}
	}
	s.Unlock()
	return !dup
}

func (s *Shard) Contains(t tag.Tag) bool {
	s.Lock()
	_, ok := s.m[t]
	s.Unlock()
	return ok
}

func (s *Shard) Remove(t tag.Tag) bool {
	s.Lock()
	_, ok := s.m[t]
	if ok {
		delete(s.m, t)
	}
	s.Unlock()
	return ok
}

func (s *Shard) Len() int {
	s.Lock()
	n := len(s.m)
	s.Unlock()
	return n
}
