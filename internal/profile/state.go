package profile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
	"credwrap/internal/fsutil"
	"credwrap/internal/lock"
	"credwrap/pkg/logging"
)

var emptyState = []byte(`{"currentProfileId":null}`)

// Profiles is the part of the Store the StateManager depends on.
type Profiles interface {
	Exists(ctx context.Context, id string) (bool, error)
	MarkUsed(ctx context.Context, id string, t time.Time) error
}

// StateManager owns the state file that records the current profile.
type StateManager struct {
	path      string
	profiles  Profiles
	mu        *lock.Mutex
	fileLock  *lock.FileLock
	clock     clock.Clock
	observers []Observer

	// write persists the state file. Replaced in tests to simulate a
	// failing disk during rollback.
	write func(path string, data []byte) error
}

// StateOption configures a StateManager.
type StateOption func(*StateManager)

// WithStateClock sets the clock used for LastSwitchedAt.
func WithStateClock(c clock.Clock) StateOption {
	return func(m *StateManager) {
		m.clock = clock.OrReal(c)
	}
}

// WithStateLockConfig configures the cross-process lock on the state file.
func WithStateLockConfig(cfg lock.FileLockConfig) StateOption {
	return func(m *StateManager) {
		cfg.InitialContent = emptyState
		m.fileLock = lock.NewFileLock(cfg)
	}
}

// WithStateObserver registers an observer for successful switches.
func WithStateObserver(o Observer) StateOption {
	return func(m *StateManager) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// NewStateManager returns a StateManager for the state file at path.
func NewStateManager(path string, profiles Profiles, opts ...StateOption) *StateManager {
	lockCfg := lock.DefaultFileLockConfig()
	lockCfg.InitialContent = emptyState

	m := &StateManager{
		path:     path,
		profiles: profiles,
		mu:       lock.NewMutex(),
		fileLock: lock.NewFileLock(lockCfg),
		clock:    clock.Real{},
		write:    writeStateFile,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func writeStateFile(path string, data []byte) error {
	return fsutil.WriteFileAtomic(path, data, fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms))
}

// Path returns the state file path.
func (m *StateManager) Path() string {
	return m.path
}

// SwitchTo makes id the current profile. The switch happens in two steps:
// the state file is written, then the profile's LastUsedAt is updated. If
// the second step fails the state file is restored byte-for-byte and the
// original error is returned. If the restore fails as well the error is
// errs.KindInconsistent and wraps both failures.
func (m *StateManager) SwitchTo(ctx context.Context, id string) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	ok, err := m.profiles.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("state.switch", id)
	}

	var next State
	err = m.withFile(ctx, func() error {
		snapshot, err := m.readRaw()
		if err != nil {
			return err
		}

		now := m.clock.Now().UTC()
		next = State{CurrentProfileID: &id, LastSwitchedAt: &now}
		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			return errs.Wrap(errs.KindUnknown, "state.switch", err, "encoding state")
		}
		if err := m.write(m.path, data); err != nil {
			return err
		}

		markErr := m.profiles.MarkUsed(ctx, id, now)
		if markErr == nil {
			return nil
		}

		logging.Warn("State", "Updating last use of %q failed, rolling back switch: %v", id, markErr)
		if rbErr := m.write(m.path, snapshot); rbErr != nil {
			logging.Error("State", rbErr, "CRITICAL: rollback of state file %s failed; state and profile records disagree", m.path)
			return &errs.Error{
				Kind:    errs.KindInconsistent,
				Op:      "state.switch",
				Message: "switch failed and state rollback failed",
				Err:     errors.Join(markErr, rbErr),
			}
		}
		return markErr
	})
	if err != nil {
		return nil, err
	}

	logging.Audit("State", string(ActionSwitch), "current profile switched", "profile", id)
	for _, o := range m.observers {
		o.ProfileChanged(ctx, ActionSwitch, id)
	}
	return &next, nil
}

// Current returns the persisted state.
func (m *StateManager) Current(ctx context.Context) (State, error) {
	var st State
	err := m.withFile(ctx, func() error {
		raw, err := m.readRaw()
		if err != nil {
			return err
		}
		st = decodeState(raw, m.path)
		return nil
	})
	return st, err
}

// Clear unsets the current profile.
func (m *StateManager) Clear(ctx context.Context) error {
	return m.withFile(ctx, func() error {
		return m.write(m.path, emptyState)
	})
}

func (m *StateManager) withFile(ctx context.Context, fn func() error) error {
	lease, err := m.mu.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return m.fileLock.With(ctx, m.path, fn)
}

// readRaw returns the state file content, or the empty state when the
// file is absent or empty.
func (m *StateManager) readRaw() ([]byte, error) {
	// #nosec G304 -- path comes from configuration
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return emptyState, nil
		}
		return nil, errs.Wrap(errs.KindIO, "state.read", err, "reading %s", m.path)
	}
	if len(data) == 0 {
		return emptyState, nil
	}
	return data, nil
}

// decodeState parses state file content. Corrupt content reads as no
// current profile.
func decodeState(data []byte, path string) State {
	var st State
	if len(data) == 0 {
		return st
	}
	if err := json.Unmarshal(data, &st); err != nil {
		logging.Warn("State", "State file %s is corrupt, treating it as empty: %v", path, err)
		return State{}
	}
	return st
}
