// Package writeback persists accepted tags before they are reported as new.
//
// A Log batches appends from many goroutines into single durable writes on
// a Storage. Every append carries its own completion signal that fires only
// after the batch holding it is committed. The Storage is the source of
// truth on restart: ReplayAll streams every committed (epoch, tag) record.
package writeback

import (
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/pmkol/replaycache/pkg/tag"
)

var (
	// ErrDurability wraps the storage error of a batch that could not be
	// committed. Its records are not accepted.
	ErrDurability = errors.New("durable write failed")

	// ErrBackpressure is returned by non-blocking appends when the queue
	// is full.
	ErrBackpressure = errors.New("writeback queue full")

	ErrClosed = errors.New("writeback log closed")

	// ErrEpochNotRetained is returned for records whose epoch is below the
	// compaction marker by the time their batch is written.
	ErrEpochNotRetained = errors.New("epoch not retained")

	// ErrCorrupt reports persisted state that cannot be trusted.
	ErrCorrupt = errors.New("writeback log corrupt")

	// ErrIncompatible reports persisted state written with another format
	// or tag length.
	ErrIncompatible = errors.New("writeback log incompatible")

	// ErrLocked reports a storage already opened by another process.
	ErrLocked = errors.New("writeback storage locked")
)

// Record is a durable (epoch, tag) pair.
type Record struct {
	Epoch uint64
	Tag   tag.Tag
}

func (r Record) String() string {
	return fmt.Sprintf("%d/%s", r.Epoch, r.Tag)
}

// Storage is a durable append-only record store.
// Implementations need not be safe for concurrent writers: the Log calls
// WriteBatch and Compact from its batcher goroutine only.
type Storage interface {
	// WriteBatch durably appends recs. It returns nil only once every
	// record is committed. On error, none of recs may be returned by a
	// later Replay unless the storage cannot tell (see implementations).
	WriteBatch(recs []Record) error

	// Compact durably removes every record with Epoch < oldest and stores
	// oldest as the compaction marker. A crash during Compact leaves either
	// the old or the new contents, never a mix.
	Compact(oldest uint64) error

	// Replay streams every committed record. Each call starts from the
	// beginning. The sequence stops after yielding a non-nil error.
	// WriteBatch and Compact must not be called while iterating.
	Replay() iter.Seq2[Record, error]

	// Marker returns the compaction marker, ok is false if the storage was
	// never compacted.
	Marker() (oldest uint64, ok bool)

	io.Closer
}
