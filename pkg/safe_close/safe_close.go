package safe_close

import (
	"context"
	"sync"
)

// SafeClose coordinates the shutdown of a service and its goroutines.
//
//  1. The owner starts background goroutines with Attach. Each of them waits
//     on the close signal and calls done before it returns.
//  2. Any goroutine can call SendCloseSignal to request shutdown, for
//     example on a fatal error. The first error is kept and returned by Err.
//  3. The owner calls Done once its own main loop has returned (or right
//     away if it has none), then CloseWait returns after every attached
//     goroutine exited. CloseWait must not be called from an attached
//     goroutine, otherwise it will deadlock.
type SafeClose struct {
	m           sync.Mutex
	wg          sync.WaitGroup
	closeSignal chan struct{}
	done        chan struct{}
	doneOnce    sync.Once
	closeErr    error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSafeClose() *SafeClose {
	ctx, cancel := context.WithCancel(context.Background())
	return &SafeClose{
		closeSignal: make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// CloseWait sends a close signal and waits until the owner called Done and
// all attached goroutines returned. Safe to call multiple times.
func (s *SafeClose) CloseWait() {
	s.SendCloseSignal(nil)
	s.wg.Wait()
	<-s.done
}

// SendCloseSignal sends a close signal. Only the first non-nil err is kept.
func (s *SafeClose) SendCloseSignal(err error) {
	s.m.Lock()
	defer s.m.Unlock()

	select {
	case <-s.closeSignal:
		return
	default:
		if err != nil {
			s.closeErr = err
		}
		close(s.closeSignal)
		s.cancel()
	}
}

// Err returns the first SendCloseSignal error.
func (s *SafeClose) Err() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeErr
}

func (s *SafeClose) ReceiveCloseSignal() <-chan struct{} {
	return s.closeSignal
}

// Closed reports whether the close signal was sent.
func (s *SafeClose) Closed() bool {
	select {
	case <-s.closeSignal:
		return true
	default:
		return false
	}
}

// Context returns a context that is canceled with the close signal. Use it
// for blocking calls an attached goroutine makes on behalf of the service.
func (s *SafeClose) Context() context.Context {
	return s.ctx
}

// Attach runs f in a new goroutine tracked by CloseWait. f must return
// after closeSignal is closed and must call done. If the close signal was
// already sent, f is not run and Attach returns false.
func (s *SafeClose) Attach(f func(done func(), closeSignal <-chan struct{})) bool {
	s.m.Lock()
	select {
	case <-s.closeSignal:
		s.m.Unlock()
		return false
	default:
		s.wg.Add(1)
	}
	s.m.Unlock()

	go func() {
		f(s.wg.Done, s.closeSignal)
	}()
	return true
}

// Done notifies CloseWait that the owner is done.
// It is concurrent safe and can be called multiple times.
func (s *SafeClose) Done() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
