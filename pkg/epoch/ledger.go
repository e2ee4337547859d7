// Package epoch tracks the current epoch and the contiguous window of
// retained epochs. The ledger never reads a clock: the current epoch only
// moves when the caller advances it.
package epoch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var ErrRegression = errors.New("epoch regression")

// Ledger retains exactly the last K epochs, current included.
// Reads are lock free. Advance calls are serialized.
type Ledger struct {
	mu      sync.Mutex
	current atomic.Uint64
	window  uint64
}

func NewLedger(start uint64, window int) (*Ledger, error) {
	if window < 1 {
		return nil, fmt.Errorf("invalid retention window %d", window)
	}
	l := &Ledger{window: uint64(window)}
	l.current.Store(start)
	return l, nil
}

func (l *Ledger) Current() uint64 {
	return l.current.Load()
}

// Window returns K.
func (l *Ledger) Window() int {
	return int(l.window)
}

// Oldest returns the oldest retained epoch.
func (l *Ledger) Oldest() uint64 {
	return l.oldestFor(l.current.Load())
}

// Bounds returns the retained range [oldest, current] from a single
// snapshot of the current epoch.
func (l *Ledger) Bounds() (oldest, current uint64) {
	current = l.current.Load()
	return l.oldestFor(current), current
}

func (l *Ledger) Retained(e uint64) bool {
	cur := l.current.Load()
	return e <= cur && e >= l.oldestFor(cur)
}

func (l *Ledger) oldestFor(cur uint64) uint64 {
	if cur < l.window-1 {
		return 0
	}
	return cur - (l.window - 1)
}

// Advance moves the ledger to next, which must be greater than the current
// epoch. It returns the epochs that left the window in ascending order.
// On error the ledger is unchanged.
func (l *Ledger) Advance(next uint64) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur := l.current.Load()
	if next <= cur {
		return nil, fmt.Errorf("%w: %d -> %d", ErrRegression, cur, next)
	}

	oldOldest := l.oldestFor(cur)
	newOldest := l.oldestFor(next)
	l.current.Store(next)

	// Everything in [oldOldest, cur] below newOldest fell out. The range is
	// at most K long no matter how far next jumps.
	var evicted []uint64
	for e := oldOldest; e <= cur && e < newOldest; e++ {
		evicted = append(evicted, e)
	}
	return evicted, nil
}
