// Package file provides a lock.Locker/lock.RWLocker implementation
// backed by OS advisory file locks (github.com/gofrs/flock), excluding
// a maintenance pass from a concurrent backup process on the same
// pool: a host lock on "<host>/refCnt/LOCK" and a shard lock on
// "<pool>/<shard>/LOCK", both over byte range [0,1).
//
// A dedicated lock file holds no data other than the lock itself, so
// locking the whole file is equivalent to locking range [0,1) — there
// is no second range anyone could contend on.
//
// This generalizes pkg/lock/local's in-memory, single-process
// per-key sync.Mutex locking to locks that are visible across processes, the
// same way pkg/lock/redis generalizes it to locks visible across
// machines.
package file

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/kalbasit/poolrefcnt/pkg/lock"
)

// pollInterval is how often a blocking acquisition retries the
// underlying flock syscall while waiting for a contended lock.
const pollInterval = 50 * time.Millisecond

// ErrUnlockUnknownKey is returned when Unlock or RUnlock is called for
// a path this Locker never locked.
var ErrUnlockUnknownKey = errors.New("file.Locker: unlock of unknown path")

// Locker implements lock.RWLocker using one *flock.Flock per distinct
// lock file path.
type Locker struct {
	mu    sync.Mutex
	files map[string]*flock.Flock
}

// NewLocker creates a new file-backed locker.
func NewLocker() *Locker {
	return &Locker{files: make(map[string]*flock.Flock)}
}

func (l *Locker) handle(path string) *flock.Flock {
	l.mu.Lock()
	defer l.mu.Unlock()

	fl, ok := l.files[path]
	if !ok {
		fl = flock.New(path)
		l.files[path] = fl
	}

	return fl
}

// Lock acquires an exclusive lock on the file at key (a path). It
// tries a non-blocking acquisition first; on contention it logs a
// "waiting" diagnostic and retries blocking until acquired or ctx is
// done. The ttl parameter is ignored: OS file locks have no expiry
// and are released when the process exits.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	fl := l.handle(key)

	ok, err := fl.TryLock()
	if err != nil {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultFailure)

		return fmt.Errorf("file lock: trying %q: %w", key, err)
	}

	if ok {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultSuccess)

		return nil
	}

	zerolog.Ctx(ctx).Info().Str("path", key).Msg("waiting for lock")
	lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultContention)

	ok, err = fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultFailure)

		return fmt.Errorf("file lock: waiting on %q: %w", key, err)
	}

	if !ok {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultFailure)

		return fmt.Errorf("file lock: could not acquire %q", key)
	}

	lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultSuccess)

	return nil
}

// TryLock attempts a single non-blocking exclusive acquisition.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	fl := l.handle(key)

	ok, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("file lock: trying %q: %w", key, err)
	}

	if ok {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultSuccess)
	} else {
		lock.RecordLockAcquisition(ctx, lock.LockTypeExclusive, lock.LockModeFile, lock.LockResultContention)
	}

	return ok, nil
}

// Unlock releases the exclusive lock on key.
func (l *Locker) Unlock(_ context.Context, key string) error {
	l.mu.Lock()
	fl, ok := l.files[key]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("file lock: unlocking %q: %w", key, err)
	}

	return nil
}

// RLock acquires a shared lock on key, retrying blocking on contention
// just like Lock.
func (l *Locker) RLock(ctx context.Context, key string, _ time.Duration) error {
	fl := l.handle(key)

	ok, err := fl.TryRLock()
	if err != nil {
		return fmt.Errorf("file rlock: trying %q: %w", key, err)
	}

	if ok {
		return nil
	}

	zerolog.Ctx(ctx).Info().Str("path", key).Msg("waiting for read lock")

	ok, err = fl.TryRLockContext(ctx, pollInterval)
	if err != nil {
		return fmt.Errorf("file rlock: waiting on %q: %w", key, err)
	}

	if !ok {
		return fmt.Errorf("file rlock: could not acquire %q", key)
	}

	return nil
}

// RUnlock releases the shared lock on key.
func (l *Locker) RUnlock(_ context.Context, key string) error {
	l.mu.Lock()
	fl, ok := l.files[key]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("file rlock: unlocking %q: %w", key, err)
	}

	return nil
}

var (
	_ lock.Locker   = (*Locker)(nil)
	_ lock.RWLocker = (*Locker)(nil)
)
