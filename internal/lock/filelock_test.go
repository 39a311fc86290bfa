package lock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/errs"
)

func fastLockConfig() FileLockConfig {
	return FileLockConfig{
		Stale:      time.Minute,
		Retries:    1000,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}
}

func TestFileLock_AcquireCreatesTargetAndLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	fl := NewFileLock(FileLockConfig{InitialContent: []byte("{}")})

	lease, err := fl.Acquire(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, lease.Path())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	raw, err := os.ReadFile(path + LockSuffix)
	require.NoError(t, err)
	var info holderInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NotEmpty(t, info.Holder)

	require.NoError(t, lease.Release())
	_, err = os.Stat(path + LockSuffix)
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, lease.Release())
}

func TestFileLock_ExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	first := NewFileLock(fastLockConfig())
	second := NewFileLock(FileLockConfig{
		Stale:      time.Minute,
		Retries:    2,
		MinBackoff: time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	})

	lease, err := first.Acquire(context.Background(), path)
	require.NoError(t, err)

	_, err = second.Acquire(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLockTimeout))

	require.NoError(t, lease.Release())

	lease, err = second.Acquire(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestFileLock_DifferentPathsDoNotBlock(t *testing.T) {
	dir := t.TempDir()
	fl := NewFileLock(FileLockConfig{Retries: 0})

	a, err := fl.Acquire(context.Background(), filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	b, err := fl.Acquire(context.Background(), filepath.Join(dir, "b.json"))
	require.NoError(t, err)

	require.NoError(t, a.Release())
	require.NoError(t, b.Release())
}

func TestFileLock_BreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	lockPath := path + LockSuffix

	abandoned, _ := json.Marshal(holderInfo{Holder: "crashed", PID: 999999, AcquiredAt: time.Now().Add(-time.Hour)})
	require.NoError(t, os.WriteFile(lockPath, abandoned, 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	fl := NewFileLock(FileLockConfig{Stale: time.Second, Retries: 1, MinBackoff: time.Millisecond})
	lease, err := fl.Acquire(context.Background(), path)
	require.NoError(t, err)

	raw, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	var info holderInfo
	require.NoError(t, json.Unmarshal(raw, &info))
	assert.NotEqual(t, "crashed", info.Holder)

	require.NoError(t, lease.Release())
}

func TestFileLock_FreshLockIsNotBroken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")

	holder := NewFileLock(FileLockConfig{Stale: 60 * time.Millisecond})
	lease, err := holder.Acquire(context.Background(), path)
	require.NoError(t, err)
	defer lease.Release()

	// Outlive the staleness threshold; the holder keeps the mtime fresh.
	time.Sleep(150 * time.Millisecond)

	contender := NewFileLock(FileLockConfig{Stale: 60 * time.Millisecond, Retries: 0, MinBackoff: time.Millisecond})
	_, err = contender.Acquire(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLockTimeout))
}

func TestFileLock_ReleaseLeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	fl := NewFileLock(FileLockConfig{})

	lease, err := fl.Acquire(context.Background(), path)
	require.NoError(t, err)

	foreign, _ := json.Marshal(holderInfo{Holder: "someone-else", PID: 1})
	require.NoError(t, os.WriteFile(path+LockSuffix, foreign, 0o600))

	require.NoError(t, lease.Release())
	_, err = os.Stat(path + LockSuffix)
	assert.NoError(t, err, "a lock owned by another holder must survive release")
}

func TestFileLock_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	fl := NewFileLock(fastLockConfig())

	lease, err := fl.Acquire(context.Background(), path)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = fl.Acquire(ctx, path)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileLock_SerializesReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")

	const (
		workers   = 8
		perWorker = 5
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A separate FileLock per goroutine stands in for separate processes.
			fl := NewFileLock(fastLockConfig())
			for i := 0; i < perWorker; i++ {
				err := fl.With(context.Background(), path, func() error {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					n := 0
					if len(data) > 0 {
						n, err = strconv.Atoi(string(data))
						if err != nil {
							return err
						}
					}
					return os.WriteFile(path, []byte(strconv.Itoa(n+1)), 0o600)
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*perWorker), string(data))
}
