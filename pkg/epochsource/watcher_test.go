package epochsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pmkol/replaycache/pkg/epoch"
)

type fakeAdvancer struct {
	mu  sync.Mutex
	cur uint64
	log []uint64
}

func (f *fakeAdvancer) AdvanceEpoch(_ context.Context, next uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if next <= f.cur {
		return fmt.Errorf("%w: %d -> %d", epoch.ErrRegression, f.cur, next)
	}
	f.cur = next
	f.log = append(f.log, next)
	return nil
}

func (f *fakeAdvancer) CurrentEpoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

func (f *fakeAdvancer) advances() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.log...)
}

func writeEpoch(t *testing.T, path string, e uint64) {
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", e)), 0o644))
}

func TestReadEpoch(t *testing.T) {
	p := filepath.Join(t.TempDir(), "epoch")
	writeEpoch(t, p, 42)
	e, err := ReadEpoch(p)
	require.NoError(t, err)
	require.Equal(t, uint64(42), e)

	require.NoError(t, os.WriteFile(p, []byte("soon"), 0o644))
	_, err = ReadEpoch(p)
	require.Error(t, err)
}

func TestFileWatcher(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "epoch")
	writeEpoch(t, p, 5)

	a := &fakeAdvancer{cur: 3}
	fw, err := NewFileWatcher(a, WatcherOpts{File: p, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	defer fw.Close()
	require.Equal(t, uint64(5), a.CurrentEpoch(), "initial epoch applied on start")

	writeEpoch(t, p, 6)
	require.Eventually(t, func() bool { return a.CurrentEpoch() == 6 }, 2*time.Second, 5*time.Millisecond)

	// A regression is ignored.
	writeEpoch(t, p, 2)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, uint64(6), a.CurrentEpoch())

	// Replace by rename, as atomic writers do.
	tmp := filepath.Join(dir, "epoch.tmp")
	writeEpoch(t, tmp, 9)
	require.NoError(t, os.Rename(tmp, p))
	require.Eventually(t, func() bool { return a.CurrentEpoch() == 9 }, 2*time.Second, 5*time.Millisecond)

	// The watch survives the rename.
	writeEpoch(t, p, 10)
	require.Eventually(t, func() bool { return a.CurrentEpoch() == 10 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []uint64{5, 6, 9, 10}, a.advances())

	require.NoError(t, fw.Close())
	require.NoError(t, fw.Close())
}

func TestNewFileWatcher_MissingFile(t *testing.T) {
	_, err := NewFileWatcher(&fakeAdvancer{}, WatcherOpts{File: filepath.Join(t.TempDir(), "none")})
	require.Error(t, err)
	_, err = NewFileWatcher(&fakeAdvancer{}, WatcherOpts{})
	require.Error(t, err)
}
