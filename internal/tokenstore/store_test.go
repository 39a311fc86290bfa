package tokenstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"credwrap/internal/envelope"
	"credwrap/internal/errs"
	"credwrap/internal/lock"
	"credwrap/internal/profile"
	"credwrap/internal/refresh"
	"credwrap/internal/testing/mock"
)

const (
	testPassphrase       = "xk7-qm2-vb9-zz1"
	testLegacyIterations = 1000
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func testLockConfig() lock.FileLockConfig {
	return lock.FileLockConfig{
		Stale:      time.Minute,
		Retries:    200,
		MinBackoff: time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
	}
}

func testCipher() *envelope.Cipher {
	kd := envelope.NewKeyDeriver(envelope.Params{MemoryKiB: 64, Iterations: 1, Parallelism: 1}, testLegacyIterations)
	return envelope.New(envelope.WithKeyDeriver(kd))
}

type fixture struct {
	dir      string
	profiles *profile.Store
	store    *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	profiles := profile.NewStore(filepath.Join(dir, "profiles.json"),
		profile.WithClock(mock.NewMockClock(testNow)),
		profile.WithLockConfig(testLockConfig()))
	return &fixture{
		dir:      dir,
		profiles: profiles,
		store:    New(profiles, testCipher(), WithLockConfig(testLockConfig())),
	}
}

func (f *fixture) createProfile(t *testing.T, id, passphrase string) *profile.Profile {
	t.Helper()
	p, err := f.profiles.Create(context.Background(), id, profile.Config{
		OAuthURL:             "https://auth.example.com/oauth/token",
		ClientID:             "cli",
		Scopes:               []string{"openid", "offline_access"},
		TokenStorePath:       filepath.Join(f.dir, "tokens", id+".json"),
		EncryptionPassphrase: passphrase,
	})
	require.NoError(t, err)
	return p
}

func sampleToken() *refresh.Token {
	return &refresh.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		ExpiresAt:    testNow.Add(time.Hour),
		GrantedAt:    testNow,
		Scopes:       []string{"openid", "offline_access"},
	}
}

// legacyEnvelope seals plaintext in the version 1 format.
func legacyEnvelope(t *testing.T, plaintext []byte, passphrase string) string {
	t.Helper()
	buf := make([]byte, envelope.SaltSize+envelope.NonceSize)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	salt, nonce := buf[:envelope.SaltSize], buf[envelope.SaltSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, testLegacyIterations, envelope.KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCMWithNonceSize(block, envelope.NonceSize)
	require.NoError(t, err)

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-envelope.TagSize], sealed[len(sealed)-envelope.TagSize:]
	data := append(append(append(append([]byte{}, salt...), nonce...), tag...), ct...)

	out, err := json.Marshal(envelope.Envelope{Version: envelope.VersionLegacy, Data: base64.StdEncoding.EncodeToString(data)})
	require.NoError(t, err)
	return string(out)
}

func TestStore_EncryptedRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "work", testPassphrase)

	want := sampleToken()
	require.NoError(t, f.store.Write(ctx, "work", want))

	raw, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	assert.True(t, envelope.IsCurrent(string(raw)))
	assert.NotContains(t, string(raw), "rt-1")
	assert.NotContains(t, string(raw), "at-1")

	info, err := os.Stat(p.TokenStorePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, want.Scopes, got.Scopes)
}

// A secret written through one set of handles is recovered byte-for-byte
// after every handle is recreated from disk.
func TestStore_EndToEndAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "work", testPassphrase)

	secret := "1//0gZ-refresh.token_with~odd/chars+=="
	tok := sampleToken()
	tok.RefreshToken = secret
	require.NoError(t, f.store.Write(ctx, "work", tok))

	profiles := profile.NewStore(f.profiles.Path(), profile.WithLockConfig(testLockConfig()))
	reopened := New(profiles, testCipher(), WithLockConfig(testLockConfig()))

	got, err := reopened.Read(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte(secret), []byte(got.RefreshToken))
}

func TestStore_PlainProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "dev", "")

	require.NoError(t, f.store.Write(ctx, "dev", sampleToken()))

	raw, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	var onDisk refresh.Token
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "rt-1", onDisk.RefreshToken)

	got, err := f.store.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "at-1", got.AccessToken)
}

func TestStore_ReadWithoutToken(t *testing.T) {
	f := newFixture(t)
	f.createProfile(t, "work", testPassphrase)

	got, err := f.store.Read(context.Background(), "work")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_UnknownProfile(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Read(context.Background(), "ghost")
	assert.True(t, errs.Is(err, errs.KindNotFound))

	err = f.store.Write(context.Background(), "ghost", sampleToken())
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestStore_WrongPassphrase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	other := "another-long-phrase"
	_, err := f.profiles.Update(ctx, "work", profile.Update{EncryptionPassphrase: &other})
	require.NoError(t, err)

	_, err = f.store.Read(ctx, "work")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDecryption))
	assert.NotContains(t, err.Error(), other)
	assert.NotContains(t, err.Error(), testPassphrase)
}

func TestStore_MigratesLegacyEnvelope(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "work", testPassphrase)

	plain, err := json.Marshal(sampleToken())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(p.TokenStorePath), 0o700))
	require.NoError(t, os.WriteFile(p.TokenStorePath, []byte(legacyEnvelope(t, plain, testPassphrase)), 0o600))

	got, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", got.RefreshToken)

	raw, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	assert.True(t, envelope.IsCurrent(string(raw)), "legacy envelope should be rewritten")

	again, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", again.RefreshToken)
}

func TestStore_SealsPlainTokenOnceEncrypted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "dev", "")
	require.NoError(t, f.store.Write(ctx, "dev", sampleToken()))

	pass := testPassphrase
	_, err := f.profiles.Update(ctx, "dev", profile.Update{EncryptionPassphrase: &pass})
	require.NoError(t, err)

	got, err := f.store.Read(ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", got.RefreshToken)

	raw, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	assert.True(t, envelope.IsCurrent(string(raw)))
}

func TestStore_EncryptedFileWithoutPassphrase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	empty := ""
	_, err := f.profiles.Update(ctx, "work", profile.Update{EncryptionPassphrase: &empty})
	require.NoError(t, err)

	_, err = f.store.Read(ctx, "work")
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestStore_Rotate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	before, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)

	m, err := f.store.Rotate(ctx, "work")
	require.NoError(t, err)
	assert.True(t, m.Migrated)
	assert.Equal(t, envelope.VersionCurrent, m.OldVersion)

	after, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	got, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", got.RefreshToken)
}

func TestStore_RotateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "dev", "")
	f.createProfile(t, "work", testPassphrase)

	_, err := f.store.Rotate(ctx, "dev")
	assert.True(t, errs.Is(err, errs.KindValidation))

	_, err = f.store.Rotate(ctx, "work")
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestStore_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	require.NoError(t, f.store.Delete(ctx, "work"))
	_, err := os.Stat(p.TokenStorePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(p.TokenStorePath + lock.LockSuffix)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.store.Delete(ctx, "work"))
}

func TestStore_WriteRejectsNil(t *testing.T) {
	f := newFixture(t)
	f.createProfile(t, "work", testPassphrase)

	err := f.store.Write(context.Background(), "work", nil)
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestStore_ConcurrentWritersAcrossStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "work", testPassphrase)

	stores := []*Store{f.store, New(f.profiles, testCipher(), WithLockConfig(testLockConfig()))}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok := sampleToken()
			tok.AccessToken = "at-" + string(rune('a'+i))
			assert.NoError(t, stores[i%2].Write(ctx, "work", tok))
		}()
	}
	wg.Wait()

	got, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Regexp(t, `^at-[a-h]$`, got.AccessToken)
}

func TestStore_PersistsRefreshResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	endpoint := mock.NewTokenEndpoint(mock.WithRefreshRotation())
	defer endpoint.Close()

	cfg := refresh.DefaultConfig()
	cfg.BaseDelay = time.Millisecond
	r := refresh.New(cfg, refresh.WithPersistence(f.store))

	p, err := f.profiles.Read(ctx, "work")
	require.NoError(t, err)
	p.OAuthURL = endpoint.URL()

	res, err := r.RefreshProfile(ctx, p)
	require.NoError(t, err)

	stored, err := f.store.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, res.Token.AccessToken, stored.AccessToken)
	assert.Equal(t, res.Token.RefreshToken, stored.RefreshToken)
	assert.NotEqual(t, "rt-1", stored.RefreshToken)
}

func TestStore_RotateAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain, err := json.Marshal(sampleToken())
	require.NoError(t, err)

	legacyA := f.createProfile(t, "legacy-a", testPassphrase)
	legacyB := f.createProfile(t, "legacy-b", "other-long-phrase")
	current := f.createProfile(t, "current", testPassphrase)
	f.createProfile(t, "plain", "")
	f.createProfile(t, "empty", testPassphrase)

	for _, p := range []*profile.Profile{legacyA, legacyB} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p.TokenStorePath), 0o700))
		require.NoError(t, os.WriteFile(p.TokenStorePath, []byte(legacyEnvelope(t, plain, p.EncryptionPassphrase)), 0o600))
	}
	require.NoError(t, f.store.Write(ctx, "current", sampleToken()))
	require.NoError(t, f.store.Write(ctx, "plain", sampleToken()))

	all, err := f.profiles.List(ctx)
	require.NoError(t, err)

	res, err := f.store.RotateAll(ctx, all)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Total)
	assert.Equal(t, 2, res.Stats.Migrated)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 0, res.Stats.Failed)
	assert.True(t, res.Results["legacy-a"].Migrated)
	assert.False(t, res.Results["current"].Migrated)

	for _, p := range []*profile.Profile{legacyA, legacyB, current} {
		raw, err := os.ReadFile(p.TokenStorePath)
		require.NoError(t, err)
		assert.True(t, envelope.IsCurrent(string(raw)), p.ID)

		got, err := f.store.Read(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "rt-1", got.RefreshToken, p.ID)
	}
}

func TestStore_CommitDetectsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.createProfile(t, "work", testPassphrase)
	require.NoError(t, f.store.Write(ctx, "work", sampleToken()))

	err := f.store.commit(ctx, p.TokenStorePath, "stale snapshot", "replacement")
	require.Error(t, err)
	assert.Equal(t, "conflict", errorLabel(err))

	raw, err := os.ReadFile(p.TokenStorePath)
	require.NoError(t, err)
	assert.NotEqual(t, "replacement", string(raw))
}
