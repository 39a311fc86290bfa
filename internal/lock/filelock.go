package lock

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"credwrap/internal/errs"
	"credwrap/internal/fsutil"
	"credwrap/pkg/logging"
)

const (
	// LockSuffix is appended to a data file's path to name its lock file.
	LockSuffix = ".lock"

	DefaultStale      = 10 * time.Second
	DefaultRetries    = 10
	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 2 * time.Second
)

var errLockHeld = errors.New("lock held by another process")

// FileLockConfig controls retry and staleness behaviour of a FileLock.
type FileLockConfig struct {
	// Stale is the age after which a lock file whose holder stopped
	// refreshing it is force-broken. Zero disables staleness breaking.
	Stale time.Duration

	// Retries bounds the number of additional attempts after the first.
	Retries uint

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// InitialContent is written to the target file when it is created
	// eagerly. Nil creates an empty file.
	InitialContent []byte
}

// DefaultFileLockConfig returns the configuration used by the profile store.
func DefaultFileLockConfig() FileLockConfig {
	return FileLockConfig{
		Stale:      DefaultStale,
		Retries:    DefaultRetries,
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
	}
}

// FileLock is an advisory cross-process lock scoped to a file path. It only
// protects files whose writers all go through FileLock.
type FileLock struct {
	cfg FileLockConfig
}

// NewFileLock creates a FileLock. Zero-valued fields in cfg take defaults,
// except Stale where zero means never break.
func NewFileLock(cfg FileLockConfig) *FileLock {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	return &FileLock{cfg: cfg}
}

// holderInfo is the content of a lock file.
type holderInfo struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// FileLease represents a held file lock.
type FileLease struct {
	path     string
	lockPath string
	holder   string

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

// Path returns the data file the lease protects.
func (l *FileLease) Path() string {
	return l.path
}

// Acquire creates path if needed and then takes the lock on it, retrying
// with exponential backoff while another holder has it. It fails with
// errs.KindLockTimeout when the retries are exhausted.
func (fl *FileLock) Acquire(ctx context.Context, path string) (*FileLease, error) {
	if err := fsutil.EnsureFile(path, fl.cfg.InitialContent, fsutil.FilePerms); err != nil {
		return nil, err
	}

	lockPath := path + LockSuffix
	holder := uuid.NewString()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = fl.cfg.MinBackoff
	expBackoff.MaxInterval = fl.cfg.MaxBackoff

	attempts := 0
	operation := func() (*FileLease, error) {
		attempts++
		lease, err := fl.tryCreate(path, lockPath, holder)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, errLockHeld) {
			return nil, backoff.Permanent(err)
		}
		if fl.breakIfStale(lockPath) {
			lease, err = fl.tryCreate(path, lockPath, holder)
			if err == nil {
				return lease, nil
			}
			if !errors.Is(err, errLockHeld) {
				return nil, backoff.Permanent(err)
			}
		}
		return nil, err
	}

	lease, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(fl.cfg.Retries+1),
		backoff.WithMaxElapsedTime(fl.maxElapsed()),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, errLockHeld) {
			return nil, &errs.Error{
				Kind:     errs.KindLockTimeout,
				Op:       "filelock.acquire",
				Message:  "could not lock " + path,
				Attempts: attempts,
				Err:      err,
			}
		}
		return nil, err
	}

	logging.Debug("Lock", "Acquired file lock on %s after %d attempt(s)", path, attempts)
	return lease, nil
}

// maxElapsed caps the total wait so that retries cannot run unbounded even
// when backoff intervals are large.
func (fl *FileLock) maxElapsed() time.Duration {
	return time.Duration(fl.cfg.Retries+1) * fl.cfg.MaxBackoff
}

func (fl *FileLock) tryCreate(path, lockPath, holder string) (*FileLease, error) {
	// #nosec G304 -- lock path is derived from a store-owned data path
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fsutil.FilePerms)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, errLockHeld
		}
		return nil, errs.Wrap(errs.KindIO, "filelock.acquire", err, "creating %s", lockPath)
	}

	info, _ := json.Marshal(holderInfo{
		Holder:     holder,
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	})
	_, werr := f.Write(info)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lockPath)
		return nil, errs.Wrap(errs.KindIO, "filelock.acquire", errors.Join(werr, cerr), "writing %s", lockPath)
	}

	lease := &FileLease{
		path:     path,
		lockPath: lockPath,
		holder:   holder,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if fl.cfg.Stale > 0 {
		go lease.keepFresh(fl.cfg.Stale / 2)
	} else {
		close(lease.done)
	}
	return lease, nil
}

// breakIfStale removes lockPath when its modification time is older than
// the staleness threshold. It reports whether a lock was removed.
func (fl *FileLock) breakIfStale(lockPath string) bool {
	if fl.cfg.Stale <= 0 {
		return false
	}
	info, err := os.Stat(lockPath)
	if err != nil {
		// Released between our create attempt and the stat.
		return errors.Is(err, fs.ErrNotExist)
	}
	age := time.Since(info.ModTime())
	if age < fl.cfg.Stale {
		return false
	}
	if err := os.Remove(lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn("Lock", "Failed to break stale lock %s: %v", lockPath, err)
		return false
	}
	logging.Warn("Lock", "Broke stale lock %s (age %s)", lockPath, age.Round(time.Millisecond))
	return true
}

// keepFresh touches the lock file so that other processes do not consider
// a long-held lock stale.
func (l *FileLease) keepFresh(interval time.Duration) {
	defer close(l.done)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			if err := os.Chtimes(l.lockPath, now, now); err != nil {
				logging.Warn("Lock", "Failed to refresh lock %s: %v", l.lockPath, err)
			}
		}
	}
}

// Release removes the lock file if it still belongs to this lease. It is
// safe to call more than once; later calls return the first call's result.
func (l *FileLease) Release() error {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		l.err = l.removeOwned()
	})
	return l.err
}

func (l *FileLease) removeOwned() error {
	// #nosec G304 -- lock path is derived from a store-owned data path
	data, err := os.ReadFile(l.lockPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Warn("Lock", "Lock %s vanished before release", l.lockPath)
			return nil
		}
		return errs.Wrap(errs.KindIO, "filelock.release", err, "reading %s", l.lockPath)
	}

	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Holder != l.holder {
		// Our lock was broken as stale and someone else holds it now.
		logging.Warn("Lock", "Lock %s is held by another holder, leaving it in place", l.lockPath)
		return nil
	}

	if err := os.Remove(l.lockPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errs.Wrap(errs.KindIO, "filelock.release", err, "removing %s", l.lockPath)
	}
	return nil
}

// With runs fn while holding the lock on path.
func (fl *FileLock) With(ctx context.Context, path string, fn func() error) (err error) {
	lease, err := fl.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
