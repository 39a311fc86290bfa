package profile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
	"credwrap/internal/fsutil"
	"credwrap/internal/lock"
	"credwrap/internal/resilience"
	"credwrap/pkg/logging"
)

// Action names a committed store mutation.
type Action string

const (
	ActionCreate   Action = "profile_created"
	ActionUpdate   Action = "profile_updated"
	ActionDelete   Action = "profile_deleted"
	ActionMarkUsed Action = "profile_used"
	ActionSwitch   Action = "profile_switched"
)

// Observer is notified after a mutation has been written to disk.
// Implementations must not block for long and must not call back into the
// Store.
type Observer interface {
	ProfileChanged(ctx context.Context, action Action, id string)
}

var emptyProfiles = []byte(`{"profiles":{}}`)

// fileFormat is the on-disk layout of the profile file. Records are kept
// raw on load so that one malformed record does not poison the rest.
type fileFormat struct {
	Profiles map[string]json.RawMessage `json:"profiles"`
}

type diskFormat struct {
	Profiles map[string]*Profile `json:"profiles"`
}

// Store is the profile file. Every operation takes the in-process Mutex
// and then the cross-process FileLock on the file before touching it.
type Store struct {
	path        string
	mu          *lock.Mutex
	fileLock    *lock.FileLock
	limiter     *resilience.RateLimiter
	clock       clock.Clock
	maxProfiles int
	observers   []Observer
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock.OrReal(c)
	}
}

// WithMutex shares an in-process mutex with other components.
func WithMutex(m *lock.Mutex) StoreOption {
	return func(s *Store) {
		s.mu = m
	}
}

// WithLockConfig configures the cross-process lock on the profile file.
func WithLockConfig(cfg lock.FileLockConfig) StoreOption {
	return func(s *Store) {
		cfg.InitialContent = emptyProfiles
		s.fileLock = lock.NewFileLock(cfg)
	}
}

// WithRateLimiter throttles mutations. Nil disables throttling.
func WithRateLimiter(rl *resilience.RateLimiter) StoreOption {
	return func(s *Store) {
		s.limiter = rl
	}
}

// WithMaxProfiles overrides the record cap.
func WithMaxProfiles(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxProfiles = n
		}
	}
}

// WithObserver registers an observer for committed mutations.
func WithObserver(o Observer) StoreOption {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// NewStore returns a Store backed by the file at path. The file is created
// on first use.
func NewStore(path string, opts ...StoreOption) *Store {
	lockCfg := lock.DefaultFileLockConfig()
	lockCfg.InitialContent = emptyProfiles

	s := &Store{
		path:        path,
		mu:          lock.NewMutex(),
		fileLock:    lock.NewFileLock(lockCfg),
		clock:       clock.Real{},
		maxProfiles: MaxProfiles,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the profile file path.
func (s *Store) Path() string {
	return s.path
}

// Create adds a new profile. It fails with errs.KindAlreadyExists when id
// is taken and errs.KindCapacity when the store is full.
func (s *Store) Create(ctx context.Context, id string, cfg Config) (*Profile, error) {
	now := s.clock.Now().UTC()
	p := &Profile{
		ID:                   id,
		OAuthURL:             cfg.OAuthURL,
		ClientID:             cfg.ClientID,
		ClientSecret:         cfg.ClientSecret,
		Scopes:               append([]string{}, cfg.Scopes...),
		TokenStorePath:       cfg.TokenStorePath,
		EncryptionPassphrase: cfg.EncryptionPassphrase,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	if err := s.throttle("profile.create"); err != nil {
		return nil, err
	}

	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		if _, ok := profiles[id]; ok {
			return false, errs.E(errs.KindAlreadyExists, "profile.create", "profile %q already exists", id)
		}
		if len(profiles) >= s.maxProfiles {
			return false, &errs.Error{
				Kind:    errs.KindCapacity,
				Op:      "profile.create",
				Message: "profile store is full",
				Current: len(profiles),
				Max:     s.maxProfiles,
			}
		}
		profiles[id] = p
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	logging.Audit("ProfileStore", string(ActionCreate), "profile created", "profile", id, "encrypted", p.Encrypted())
	s.notify(ctx, ActionCreate, id)
	return p.clone(), nil
}

// Read returns a copy of the profile with the given id.
func (s *Store) Read(ctx context.Context, id string) (*Profile, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	var found *Profile
	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		p, ok := profiles[id]
		if !ok {
			return false, notFound("profile.read", id)
		}
		found = p.clone()
		return false, nil
	})
	return found, err
}

// Update merges u into the profile. ID and CreatedAt never change.
func (s *Store) Update(ctx context.Context, id string, u Update) (*Profile, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := s.throttle("profile.update"); err != nil {
		return nil, err
	}

	var updated *Profile
	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		current, ok := profiles[id]
		if !ok {
			return false, notFound("profile.update", id)
		}

		next := current.clone()
		u.apply(next)
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.later(current.UpdatedAt)

		if err := validate(next); err != nil {
			return false, err
		}
		profiles[id] = next
		updated = next.clone()
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	logging.Audit("ProfileStore", string(ActionUpdate), "profile updated", "profile", id)
	s.notify(ctx, ActionUpdate, id)
	return updated, nil
}

// Delete removes the profile with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.throttle("profile.delete"); err != nil {
		return err
	}

	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		if _, ok := profiles[id]; !ok {
			return false, notFound("profile.delete", id)
		}
		delete(profiles, id)
		return true, nil
	})
	if err != nil {
		return err
	}

	logging.Audit("ProfileStore", string(ActionDelete), "profile deleted", "profile", id)
	s.notify(ctx, ActionDelete, id)
	return nil
}

// List returns every profile sorted by id.
func (s *Store) List(ctx context.Context) ([]*Profile, error) {
	var out []*Profile
	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		out = make([]*Profile, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, p.clone())
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Exists reports whether a profile with the given id exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	var ok bool
	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		_, ok = profiles[id]
		return false, nil
	})
	return ok, err
}

// Count returns the number of live profiles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		n = len(profiles)
		return false, nil
	})
	return n, err
}

// MarkUsed sets the profile's LastUsedAt to t.
func (s *Store) MarkUsed(ctx context.Context, id string, t time.Time) error {
	if err := s.throttle("profile.mark_used"); err != nil {
		return err
	}

	err := s.withFile(ctx, func(profiles map[string]*Profile) (bool, error) {
		p, ok := profiles[id]
		if !ok {
			return false, notFound("profile.mark_used", id)
		}
		used := t.UTC()
		p.LastUsedAt = &used
		return true, nil
	})
	if err != nil {
		return err
	}
	s.notify(ctx, ActionMarkUsed, id)
	return nil
}

func (s *Store) throttle(op string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Consume(1); err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Op = op
		}
		return err
	}
	return nil
}

// later returns now, or one nanosecond after prev if the clock has not
// moved past it, so that UpdatedAt strictly increases.
func (s *Store) later(prev time.Time) time.Time {
	now := s.clock.Now().UTC()
	if !now.After(prev) {
		return prev.Add(time.Nanosecond)
	}
	return now
}

func (s *Store) notify(ctx context.Context, action Action, id string) {
	for _, o := range s.observers {
		o.ProfileChanged(ctx, action, id)
	}
}

// withFile runs fn against the loaded profiles under both locks. When fn
// reports a change the file is rewritten before the locks are released.
func (s *Store) withFile(ctx context.Context, fn func(map[string]*Profile) (bool, error)) error {
	lease, err := s.mu.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return s.fileLock.With(ctx, s.path, func() error {
		profiles, err := s.load()
		if err != nil {
			return err
		}
		dirty, err := fn(profiles)
		if err != nil || !dirty {
			return err
		}
		return s.save(profiles)
	})
}

// load reads the profile file. An absent, empty or unparsable file is an
// empty store; records that fail validation are dropped.
func (s *Store) load() (map[string]*Profile, error) {
	profiles := make(map[string]*Profile)

	// #nosec G304 -- path comes from configuration
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return profiles, nil
		}
		return nil, errs.Wrap(errs.KindIO, "profile.load", err, "reading %s", s.path)
	}
	if len(data) == 0 {
		return profiles, nil
	}

	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		logging.Warn("ProfileStore", "Profile file %s is corrupt, treating it as empty: %v", s.path, err)
		return profiles, nil
	}

	for id, rec := range raw.Profiles {
		var p Profile
		if err := json.Unmarshal(rec, &p); err != nil {
			logging.Warn("ProfileStore", "Dropping unreadable profile record %q", id)
			continue
		}
		if p.ID != id {
			logging.Warn("ProfileStore", "Dropping profile record %q with mismatched id", id)
			continue
		}
		if err := validate(&p); err != nil {
			logging.Warn("ProfileStore", "Dropping invalid profile record %q: %v", id, err)
			continue
		}
		profiles[id] = &p
	}
	return profiles, nil
}

func (s *Store) save(profiles map[string]*Profile) error {
	data, err := json.MarshalIndent(diskFormat{Profiles: profiles}, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "profile.save", err, "encoding profiles")
	}
	return fsutil.WriteFileAtomic(s.path, data, fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms))
}

func notFound(op, id string) error {
	return errs.E(errs.KindNotFound, op, "profile %q not found", id)
}
