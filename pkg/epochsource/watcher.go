// Package epochsource feeds epoch changes from an external scheduler into
// the cache. The scheduler writes the current epoch as a decimal number to
// a file and the FileWatcher follows it.
package epochsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/replaycache/pkg/epoch"
	"github.com/pmkol/replaycache/pkg/pool"
	"github.com/pmkol/replaycache/pkg/safe_close"
	"github.com/pmkol/replaycache/pkg/utils"
)

var nopLogger = zap.NewNop()

// Advancer is implemented by *replay.Cache.
type Advancer interface {
	AdvanceEpoch(ctx context.Context, next uint64) error
	CurrentEpoch() uint64
}

type WatcherOpts struct {
	// File holds the current epoch. Required.
	File string

	// Debounce delays reloads after a change so that a writer can finish.
	// Default is 200ms.
	Debounce time.Duration

	// Timeout bounds each AdvanceEpoch call. Default is 30s.
	Timeout time.Duration

	// Logger is the *zap.Logger for this watcher.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *WatcherOpts) Init() error {
	if len(opts.File) == 0 {
		return errors.New("missing epoch file")
	}
	utils.SetDefaultNum(&opts.Debounce, 200*time.Millisecond)
	utils.SetDefaultNum(&opts.Timeout, 30*time.Second)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// ReadEpoch reads the decimal epoch stored in path.
func ReadEpoch(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	e, err := utils.ParseUint64(b)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch in %s, %w", path, err)
	}
	return e, nil
}

// FileWatcher advances the cache whenever the epoch file changes. An epoch
// that is not greater than the current one is logged and ignored.
type FileWatcher struct {
	opts WatcherOpts
	a    Advancer
	w    *fsnotify.Watcher
	sc   *safe_close.SafeClose
}

// NewFileWatcher applies the epoch in opts.File once, then keeps watching.
func NewFileWatcher(a Advancer, opts WatcherOpts) (*FileWatcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create epoch file watcher, %w", err)
	}
	if err := w.Add(opts.File); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch epoch file %s, %w", opts.File, err)
	}

	fw := &FileWatcher{opts: opts, a: a, w: w, sc: safe_close.NewSafeClose()}
	fw.reload()
	fw.sc.Attach(fw.run)
	return fw, nil
}

func (fw *FileWatcher) reload() {
	lg := fw.opts.Logger
	e, err := ReadEpoch(fw.opts.File)
	if err != nil {
		lg.Error("failed to read epoch file", zap.String("file", fw.opts.File), zap.Error(err))
		return
	}
	cur := fw.a.CurrentEpoch()
	if e == cur {
		return
	}

	ctx, cancel := context.WithTimeout(fw.sc.Context(), fw.opts.Timeout)
	defer cancel()
	if err := fw.a.AdvanceEpoch(ctx, e); err != nil {
		if errors.Is(err, epoch.ErrRegression) {
			lg.Warn("epoch file went backwards, ignored", zap.Uint64("file_epoch", e), zap.Uint64("current_epoch", cur))
			return
		}
		lg.Error("failed to advance epoch", zap.Uint64("epoch", e), zap.Error(err))
		return
	}
	lg.Info("epoch reloaded from file", zap.String("file", fw.opts.File), zap.Uint64("epoch", e))
}

func (fw *FileWatcher) run(done func(), closeSignal <-chan struct{}) {
	defer done()
	lg := fw.opts.Logger

	timer := pool.GetTimer(fw.opts.Debounce)
	pool.StopTimer(timer)
	defer pool.ReleaseTimer(timer)

	needReWatch := false
	for {
		select {
		case e, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) && !e.Has(fsnotify.Write) {
				continue
			}
			// Writers that replace the file by rename drop the watch.
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			pool.ResetAndDrainTimer(timer, fw.opts.Debounce)

		case <-timer.C:
			if needReWatch {
				_ = fw.w.Remove(fw.opts.File)
				if err := fw.w.Add(fw.opts.File); err != nil {
					lg.Warn("failed to re-watch epoch file, retrying", zap.String("file", fw.opts.File), zap.Error(err))
					timer.Reset(fw.opts.Debounce)
					continue
				}
				needReWatch = false
			}
			fw.reload()

		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			lg.Error("epoch file watcher error", zap.Error(err))

		case <-closeSignal:
			return
		}
	}
}

// Close stops watching. It is safe to call multiple times.
func (fw *FileWatcher) Close() error {
	fw.sc.Done()
	fw.sc.CloseWait()
	return fw.w.Close()
}
