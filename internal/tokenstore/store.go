// Package tokenstore persists each profile's refreshed token in the file
// named by the profile's TokenStorePath.
//
// Profiles with an encryption passphrase store the token as an envelope;
// others store plain JSON with mode 0600. Envelopes in a legacy format are
// re-encrypted in the current format the first time they are read.
package tokenstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"

	"credwrap/internal/envelope"
	"credwrap/internal/errs"
	"credwrap/internal/fsutil"
	"credwrap/internal/lock"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/pkg/logging"
)

// Profiles resolves a profile id to its settings.
type Profiles interface {
	Read(ctx context.Context, id string) (*profile.Profile, error)
}

// Store implements refresh.TokenPersistence.
type Store struct {
	profiles Profiles
	cipher   *envelope.Cipher
	mu       *lock.Mutex
	fileLock *lock.FileLock
}

// Option configures a Store.
type Option func(*Store)

// WithLockConfig configures the cross-process lock on token files.
func WithLockConfig(cfg lock.FileLockConfig) Option {
	return func(s *Store) {
		s.fileLock = lock.NewFileLock(cfg)
	}
}

// New creates a Store.
func New(profiles Profiles, cipher *envelope.Cipher, opts ...Option) *Store {
	s := &Store{
		profiles: profiles,
		cipher:   cipher,
		mu:       lock.NewMutex(),
		fileLock: lock.NewFileLock(lock.DefaultFileLockConfig()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ refresh.TokenPersistence = (*Store)(nil)

// Read returns the stored token of profileID, or nil when none is stored.
func (s *Store) Read(ctx context.Context, profileID string) (*refresh.Token, error) {
	p, err := s.profiles.Read(ctx, profileID)
	if err != nil {
		return nil, err
	}

	var tok *refresh.Token
	err = s.withFile(ctx, p.TokenStorePath, func() error {
		data, err := readFile(p.TokenStorePath)
		if err != nil || len(data) == 0 {
			return err
		}

		if p.Encrypted() && !envelope.IsCurrent(string(data)) {
			data, err = s.migrate(ctx, p, data)
			if err != nil {
				return err
			}
		}

		tok, err = s.decode(ctx, p, data)
		return err
	})
	return tok, err
}

// Write replaces the stored token of profileID.
func (s *Store) Write(ctx context.Context, profileID string, tok *refresh.Token) error {
	if tok == nil {
		return errs.E(errs.KindValidation, "tokenstore.write", "token is required")
	}
	p, err := s.profiles.Read(ctx, profileID)
	if err != nil {
		return err
	}

	data, err := s.encode(ctx, p, tok)
	if err != nil {
		return err
	}

	err = s.withFile(ctx, p.TokenStorePath, func() error {
		return fsutil.WriteFileAtomic(p.TokenStorePath, data, fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms))
	})
	if err != nil {
		return err
	}

	logging.Audit("TokenStore", "token_stored", "token written", "profile", profileID, "encrypted", p.Encrypted())
	return nil
}

// Delete removes the stored token of profileID. A missing token is not an
// error.
func (s *Store) Delete(ctx context.Context, profileID string) error {
	p, err := s.profiles.Read(ctx, profileID)
	if err != nil {
		return err
	}
	return s.DeleteFile(ctx, p.TokenStorePath)
}

// DeleteFile removes a token file directly, for profiles that no longer
// exist.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	return s.withFile(ctx, path, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errs.Wrap(errs.KindIO, "tokenstore.delete", err, "removing %s", path)
		}
		return nil
	})
}

// Rotate re-encrypts the stored token of profileID in the current envelope
// format even when it already is current, for example after changing the
// KDF cost.
func (s *Store) Rotate(ctx context.Context, profileID string) (envelope.Migration, error) {
	p, err := s.profiles.Read(ctx, profileID)
	if err != nil {
		return envelope.Migration{}, err
	}
	if !p.Encrypted() {
		return envelope.Migration{}, errs.E(errs.KindValidation, "tokenstore.rotate", "profile %q does not encrypt its tokens", profileID)
	}

	var m envelope.Migration
	err = s.withFile(ctx, p.TokenStorePath, func() error {
		data, err := readFile(p.TokenStorePath)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return errs.E(errs.KindNotFound, "tokenstore.rotate", "no token stored for profile %q", profileID)
		}

		rotated, migration, err := s.cipher.Rotate(ctx, string(data), []byte(p.EncryptionPassphrase))
		if err != nil {
			return err
		}
		m = migration
		return fsutil.WriteFileAtomic(p.TokenStorePath, []byte(rotated), fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms))
	})
	return m, err
}

// RotateAll migrates the legacy token files of every encrypted profile in
// ps to the current envelope format. Profiles sharing a passphrase are
// rotated together through envelope.BatchRotate. A file that changed while
// its batch was being rotated is left alone and reported as failed with
// error "conflict".
func (s *Store) RotateAll(ctx context.Context, ps []*profile.Profile) (envelope.BatchResult, error) {
	total := envelope.BatchResult{
		Rotated: map[string]string{},
		Results: map[string]envelope.Migration{},
	}

	groups := map[string]map[string]string{}
	byID := map[string]*profile.Profile{}
	for _, p := range ps {
		if !p.Encrypted() {
			continue
		}
		data, err := s.snapshot(ctx, p.TokenStorePath)
		if err != nil {
			return total, err
		}
		if len(data) == 0 || !sealed(data) {
			continue
		}
		if groups[p.EncryptionPassphrase] == nil {
			groups[p.EncryptionPassphrase] = map[string]string{}
		}
		groups[p.EncryptionPassphrase][p.ID] = string(data)
		byID[p.ID] = p
	}

	for pass, items := range groups {
		res := s.cipher.BatchRotate(ctx, items, []byte(pass))
		for id, m := range res.Results {
			if m.Migrated {
				if err := s.commit(ctx, byID[id].TokenStorePath, items[id], res.Rotated[id]); err != nil {
					m.Migrated = false
					m.Error = errorLabel(err)
					res.Stats.Migrated--
					res.Stats.Failed++
				}
			}
			total.Results[id] = m
			total.Rotated[id] = res.Rotated[id]
		}
		total.Stats.Total += res.Stats.Total
		total.Stats.Migrated += res.Stats.Migrated
		total.Stats.Skipped += res.Stats.Skipped
		total.Stats.Failed += res.Stats.Failed
	}
	return total, nil
}

var errConflict = errs.E(errs.KindInconsistent, "tokenstore.rotate", "token file changed during rotation")

func errorLabel(err error) string {
	if errors.Is(err, errConflict) {
		return "conflict"
	}
	return errs.KindOf(err).String()
}

// snapshot reads path under its locks.
func (s *Store) snapshot(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.withFile(ctx, path, func() error {
		var err error
		data, err = readFile(path)
		return err
	})
	return data, err
}

// commit replaces path with next if it still holds prev.
func (s *Store) commit(ctx context.Context, path, prev, next string) error {
	return s.withFile(ctx, path, func() error {
		cur, err := readFile(path)
		if err != nil {
			return err
		}
		if string(cur) != prev {
			return errConflict
		}
		return fsutil.WriteFileAtomic(path, []byte(next), fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms))
	})
}

// migrate rewrites a legacy envelope, or a plain token stored before the
// profile had a passphrase, in the current format. Called with the file
// locked.
func (s *Store) migrate(ctx context.Context, p *profile.Profile, data []byte) ([]byte, error) {
	var (
		rotated string
		from    = string(envelope.DetectVersion(string(data)))
	)
	if sealed(data) {
		r, _, err := s.cipher.AutoRotate(ctx, string(data), []byte(p.EncryptionPassphrase))
		if err != nil {
			return nil, err
		}
		rotated = r
	} else {
		from = "plaintext"
		r, err := s.cipher.Encrypt(ctx, data, []byte(p.EncryptionPassphrase))
		if err != nil {
			return nil, err
		}
		rotated = r
	}

	if err := fsutil.WriteFileAtomic(p.TokenStorePath, []byte(rotated), fsutil.FilePerms, fsutil.VerifyMode(fsutil.FilePerms)); err != nil {
		return nil, err
	}
	logging.Info("TokenStore", "Migrated token of profile %s from %s to envelope version %s", p.ID, from, envelope.VersionCurrent)
	return []byte(rotated), nil
}

func (s *Store) encode(ctx context.Context, p *profile.Profile, tok *refresh.Token) ([]byte, error) {
	plain, err := json.Marshal(tok)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "tokenstore.write", err, "encoding token")
	}
	if !p.Encrypted() {
		return plain, nil
	}
	defer clear(plain)

	sealed, err := s.cipher.Encrypt(ctx, plain, []byte(p.EncryptionPassphrase))
	if err != nil {
		return nil, err
	}
	return []byte(sealed), nil
}

func (s *Store) decode(ctx context.Context, p *profile.Profile, data []byte) (*refresh.Token, error) {
	plain := data
	if p.Encrypted() {
		var err error
		plain, err = s.cipher.Decrypt(ctx, string(data), []byte(p.EncryptionPassphrase))
		if err != nil {
			return nil, err
		}
		defer clear(plain)
	} else if sealed(data) {
		return nil, errs.E(errs.KindValidation, "tokenstore.read",
			"token file of profile %q is encrypted but the profile has no passphrase", p.ID)
	}

	var tok refresh.Token
	if err := json.Unmarshal(plain, &tok); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "tokenstore.read", err, "token file of profile %q is malformed", p.ID)
	}
	return &tok, nil
}

func (s *Store) withFile(ctx context.Context, path string, fn func() error) error {
	lease, err := s.mu.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return s.fileLock.With(ctx, path, fn)
}

func readFile(path string) ([]byte, error) {
	// #nosec G304 -- path comes from the profile record
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindIO, "tokenstore.read", err, "reading %s", path)
	}
	return data, nil
}

// sealed reports whether data is an envelope of any version rather than a
// plain JSON token. Plain tokens are objects without a "version" member.
func sealed(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("{")) {
		return true
	}
	var probe struct {
		Version string `json:"version"`
	}
	return json.Unmarshal(trimmed, &probe) == nil && probe.Version != ""
}
