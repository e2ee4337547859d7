//go:build !unix

package writeback

// fileLock is a no-op where flock is unavailable. Callers must make sure a
// single process owns the storage dir.
type fileLock struct{}

func lockFile(string) (*fileLock, error) {
	return &fileLock{}, nil
}

func (l *fileLock) release() {}
