/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of replaycache.
 *
 * replaycache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * replaycache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package writeback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/tag"
	"github.com/pmkol/replaycache/pkg/utils"
)

const redisScanCount = 1024

type RedisStorageOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStorage.Close is called.
	// Optional.
	ClientCloser io.Closer

	// KeyPrefix namespaces every key. Default is "replaycache:".
	KeyPrefix string

	// TagLength must match the length the data was written with.
	TagLength int

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 1s.
	ClientTimeout time.Duration

	// Logger is the *zap.Logger for this RedisStorage.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStorageOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	if opts.TagLength <= 0 || opts.TagLength > tag.MaxSize {
		return fmt.Errorf("invalid tag length %d", opts.TagLength)
	}
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = "replaycache:"
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStorage keeps one Redis set per epoch. Batches are applied in a
// MULTI/EXEC transaction, so a failed batch leaves nothing behind. How
// durable a committed batch is depends on the server's appendfsync policy;
// use "always" for the same guarantee as FileStorage.
//
// Keys: <prefix>meta (hash: tag_len, marker), <prefix>epochs (set of epoch
// numbers), <prefix>e:<epoch> (set of raw tags).
type RedisStorage struct {
	opts RedisStorageOpts

	mu        sync.RWMutex
	marker    uint64
	hasMarker bool
	closed    bool
}

var _ Storage = (*RedisStorage)(nil)

func NewRedisStorage(opts RedisStorageOpts) (*RedisStorage, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	r := &RedisStorage{opts: opts}
	if err := r.loadMeta(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RedisStorage) metaKey() string   { return r.opts.KeyPrefix + "meta" }
func (r *RedisStorage) epochsKey() string { return r.opts.KeyPrefix + "epochs" }
func (r *RedisStorage) epochKey(e uint64) string {
	return r.opts.KeyPrefix + "e:" + strconv.FormatUint(e, 10)
}

func (r *RedisStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opts.ClientTimeout)
}

func (r *RedisStorage) loadMeta() error {
	ctx, cancel := r.ctx()
	defer cancel()

	c := r.opts.Client
	if err := c.HSetNX(ctx, r.metaKey(), "tag_len", r.opts.TagLength).Err(); err != nil {
		return fmt.Errorf("redis hsetnx: %w", err)
	}
	vals, err := c.HMGet(ctx, r.metaKey(), "tag_len", "marker").Result()
	if err != nil {
		return fmt.Errorf("redis hmget: %w", err)
	}

	tl, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return fmt.Errorf("%w: bad tag_len %v", ErrCorrupt, vals[0])
	}
	if tl != r.opts.TagLength {
		return fmt.Errorf("%w: stored tag length %d, configured %d", ErrIncompatible, tl, r.opts.TagLength)
	}
	if vals[1] != nil {
		m, err := strconv.ParseUint(fmt.Sprint(vals[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad marker %v", ErrCorrupt, vals[1])
		}
		r.marker, r.hasMarker = m, true
	}
	return nil
}

func (r *RedisStorage) Marker() (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.marker, r.hasMarker
}

// WriteBatch stores recs in one transaction.
func (r *RedisStorage) WriteBatch(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	byEpoch := make(map[uint64][]interface{})
	for _, rec := range recs {
		byEpoch[rec.Epoch] = append(byEpoch[rec.Epoch], rec.Tag.Key())
	}

	ctx, cancel := r.ctx()
	defer cancel()
	_, err := r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for e, tags := range byEpoch {
			p.SAdd(ctx, r.epochKey(e), tags...)
			p.SAdd(ctx, r.epochsKey(), strconv.FormatUint(e, 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis tx: %w", err)
	}
	return nil
}

func (r *RedisStorage) epochs(ctx context.Context) ([]uint64, error) {
	members, err := r.opts.Client.SMembers(ctx, r.epochsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	es := make([]uint64, 0, len(members))
	for _, m := range members {
		e, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad epoch member %q", ErrCorrupt, m)
		}
		es = append(es, e)
	}
	slices.Sort(es)
	return es, nil
}

// Replay streams every epoch set in ascending epoch order with SSCAN.
func (r *RedisStorage) Replay() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		ctx, cancel := r.ctx()
		es, err := r.epochs(ctx)
		cancel()
		if err != nil {
			yield(Record{}, err)
			return
		}

		for _, e := range es {
			var cursor uint64
			for {
				ctx, cancel := r.ctx()
				keys, next, err := r.opts.Client.SScan(ctx, r.epochKey(e), cursor, "", redisScanCount).Result()
				cancel()
				if err != nil {
					yield(Record{}, fmt.Errorf("redis sscan: %w", err))
					return
				}
				for _, k := range keys {
					t, err := tag.New([]byte(k), r.opts.TagLength)
					if err != nil {
						yield(Record{}, fmt.Errorf("%w: %v", ErrCorrupt, err))
						return
					}
					if !yield(Record{Epoch: e, Tag: t}, nil) {
						return
					}
				}
				if next == 0 {
					break
				}
				cursor = next
			}
		}
	}
}

// Compact deletes the sets of epochs below oldest and stores the marker in
// the same transaction.
func (r *RedisStorage) Compact(oldest uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.hasMarker && oldest <= r.marker {
		return nil
	}

	ctx, cancel := r.ctx()
	defer cancel()
	es, err := r.epochs(ctx)
	if err != nil {
		return err
	}

	var dropped []uint64
	_, err = r.opts.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.metaKey(), "marker", strconv.FormatUint(oldest, 10))
		for _, e := range es {
			if e >= oldest {
				break
			}
			p.Del(ctx, r.epochKey(e))
			p.SRem(ctx, r.epochsKey(), strconv.FormatUint(e, 10))
			dropped = append(dropped, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis tx: %w", err)
	}
	r.marker, r.hasMarker = oldest, true
	r.opts.Logger.Info("redis storage compacted", zap.Uint64("oldest_retained", oldest), zap.Int("dropped_epochs", len(dropped)))
	return nil
}

// Close closes the redis client.
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}
