package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credwrap/internal/errs"
	"credwrap/internal/lock"
	"credwrap/internal/resilience"
	"credwrap/internal/testing/mock"
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

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *mock.MockClock) {
	t.Helper()
	clk := mock.NewMockClock(testNow)
	path := filepath.Join(t.TempDir(), "profiles.json")
	base := []StoreOption{WithClock(clk), WithLockConfig(testLockConfig())}
	return NewStore(path, append(base, opts...)...), clk
}

func testConfig(id string) Config {
	return Config{
		OAuthURL:       "https://auth.example.com/oauth/token",
		ClientID:       "client-" + id,
		ClientSecret:   "s3cret-" + id,
		Scopes:         []string{"openid", "offline_access"},
		TokenStorePath: "/var/lib/credwrap/tokens/" + id + ".json",
	}
}

func validRecord(id string) Profile {
	cfg := testConfig(id)
	return Profile{
		ID:             id,
		OAuthURL:       cfg.OAuthURL,
		ClientID:       cfg.ClientID,
		Scopes:         cfg.Scopes,
		TokenStorePath: cfg.TokenStorePath,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestStore_CreateAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)
	assert.Equal(t, "work", created.ID)
	assert.Equal(t, testNow, created.CreatedAt)
	assert.Equal(t, testNow, created.UpdatedAt)
	assert.Nil(t, created.LastUsedAt)

	read, err := s.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, created, read)

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(s.Path() + lock.LockSuffix)
	assert.True(t, os.IsNotExist(err), "lock file must be released")
}

func TestStore_CreateDuplicate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)

	_, err = s.Create(ctx, "work", testConfig("work"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAlreadyExists))
}

func TestStore_ConcurrentCreateSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	stores := []*Store{
		NewStore(path, WithLockConfig(testLockConfig())),
		NewStore(path, WithLockConfig(testLockConfig())),
	}

	var (
		wg      sync.WaitGroup
		results = make([]error, len(stores))
		start   = make(chan struct{})
	)
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			<-start
			_, results[i] = s.Create(context.Background(), "shared", testConfig("shared"))
		}(i, s)
	}
	close(start)
	wg.Wait()

	succeeded, exists := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errs.Is(err, errs.KindAlreadyExists):
			exists++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, exists)

	n, err := stores[0].Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_Capacity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	records := make(map[string]Profile, MaxProfiles)
	for i := 0; i < MaxProfiles; i++ {
		id := fmt.Sprintf("p%04d", i)
		records[id] = validRecord(id)
	}
	data, err := json.Marshal(map[string]any{"profiles": records})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o600))

	_, err = s.Create(ctx, "one-too-many", testConfig("one-too-many"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindCapacity))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, MaxProfiles, e.Current)
	assert.Equal(t, MaxProfiles, e.Max)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, MaxProfiles, n)
}

func TestStore_Update(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)

	clk.Advance(time.Minute)
	newURL := "https://login.example.org/token"
	updated, err := s.Update(ctx, "work", Update{OAuthURL: &newURL, Scopes: []string{"api"}})
	require.NoError(t, err)

	assert.Equal(t, "work", updated.ID)
	assert.Equal(t, newURL, updated.OAuthURL)
	assert.Equal(t, []string{"api"}, updated.Scopes)
	assert.Equal(t, "client-work", updated.ClientID)
	assert.Equal(t, testNow, updated.CreatedAt)
	assert.Equal(t, testNow.Add(time.Minute), updated.UpdatedAt)
}

func TestStore_UpdateBumpsUpdatedAtWithoutClockMovement(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)

	id := "client-2"
	updated, err := s.Update(ctx, "work", Update{ClientID: &id})
	require.NoError(t, err)
	assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))
}

func TestStore_UpdateRejectsInvalid(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	bad := "not a url"
	_, err = s.Update(ctx, "work", Update{OAuthURL: &bad})
	assert.True(t, errs.Is(err, errs.KindValidation))

	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = s.Update(ctx, "missing", Update{OAuthURL: &bad})
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestStore_Delete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "work"))

	ok, err := s.Exists(ctx, "work")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, errs.Is(s.Delete(ctx, "work"), errs.KindNotFound))
}

func TestStore_ListSorted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "Mid", "beta-2"} {
		_, err := s.Create(ctx, id, testConfig(id))
		require.NoError(t, err)
	}

	list, err := s.List(ctx)
	require.NoError(t, err)

	var ids []string
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"Mid", "alpha", "beta-2", "zeta"}, ids)
}

func TestStore_ReturnedProfilesAreCopies(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)
	p.Scopes[0] = "mutated"
	p.ClientID = "mutated"

	read, err := s.Read(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "openid", read.Scopes[0])
	assert.Equal(t, "client-work", read.ClientID)
}

func TestStore_CorruptFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = s.Create(ctx, "fresh", testConfig("fresh"))
	require.NoError(t, err)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_InvalidRecordsAreDropped(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	good := validRecord("good")
	badURL := validRecord("bad-url")
	badURL.OAuthURL = "ftp://nope"
	mismatched := validRecord("other")

	doc := map[string]any{
		"profiles": map[string]any{
			"good":     good,
			"bad-url":  badURL,
			"mismatch": mismatched,
			"garbage":  "just a string",
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), data, 0o600))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
}

func TestStore_RateLimited(t *testing.T) {
	clk := mock.NewMockClock(testNow)
	rl, err := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		MaxTokens:      2,
		RefillRate:     1,
		RefillInterval: time.Second,
	}, resilience.WithLimiterClock(clk))
	require.NoError(t, err)

	s, _ := newTestStore(t, WithRateLimiter(rl))
	ctx := context.Background()

	_, err = s.Create(ctx, "a", testConfig("a"))
	require.NoError(t, err)
	_, err = s.Create(ctx, "b", testConfig("b"))
	require.NoError(t, err)

	_, err = s.Create(ctx, "c", testConfig("c"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRateLimit))
	retry, ok := errs.RetryAfter(err)
	require.True(t, ok)
	assert.Positive(t, retry)

	// Reads are not throttled.
	_, err = s.Read(ctx, "a")
	require.NoError(t, err)

	clk.Advance(retry)
	_, err = s.Create(ctx, "c", testConfig("c"))
	require.NoError(t, err)
}

type recordingObserver struct {
	mu      sync.Mutex
	actions []string
}

func (o *recordingObserver) ProfileChanged(_ context.Context, action Action, id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions = append(o.actions, string(action)+":"+id)
}

func TestStore_NotifiesObservers(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := newTestStore(t, WithObserver(obs))
	ctx := context.Background()

	_, err := s.Create(ctx, "work", testConfig("work"))
	require.NoError(t, err)
	require.NoError(t, s.MarkUsed(ctx, "work", testNow))
	require.NoError(t, s.Delete(ctx, "work"))
	_, err = s.Create(ctx, "work", Config{})
	require.Error(t, err)

	assert.Equal(t, []string{"profile_created:work", "profile_used:work", "profile_deleted:work"}, obs.actions)
}
