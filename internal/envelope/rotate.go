package envelope

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"credwrap/internal/errs"
	"credwrap/pkg/logging"
)

// Migration records the outcome of rotating a single envelope.
type Migration struct {
	Migrated   bool      `json:"migrated" yaml:"migrated"`
	OldVersion Version   `json:"oldVersion" yaml:"oldVersion"`
	NewVersion Version   `json:"newVersion" yaml:"newVersion"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// BatchStats summarizes a BatchRotate run.
type BatchStats struct {
	Total    int `json:"total" yaml:"total"`
	Migrated int `json:"migrated" yaml:"migrated"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Failed   int `json:"failed" yaml:"failed"`
}

// BatchResult is the output of BatchRotate. Rotated holds an entry for
// every input id: the new envelope when rotation succeeded, otherwise the
// original ciphertext unchanged.
type BatchResult struct {
	Rotated map[string]string
	Results map[string]Migration
	Stats   BatchStats
}

// Rotate decrypts ciphertext and re-encrypts it in the current format,
// regardless of its present version.
func (c *Cipher) Rotate(ctx context.Context, ciphertext string, passphrase []byte) (string, Migration, error) {
	old := DetectVersion(ciphertext)

	plaintext, err := c.Decrypt(ctx, ciphertext, passphrase)
	if err != nil {
		return "", Migration{OldVersion: old, Timestamp: c.clock.Now()}, err
	}
	defer zero(plaintext)

	rotated, err := c.Encrypt(ctx, plaintext, passphrase)
	if err != nil {
		return "", Migration{OldVersion: old, Timestamp: c.clock.Now()}, err
	}

	logging.Audit("Envelope", "envelope_rotated", "envelope re-encrypted",
		"from_version", string(old), "to_version", string(VersionCurrent))

	return rotated, Migration{
		Migrated:   true,
		OldVersion: old,
		NewVersion: VersionCurrent,
		Timestamp:  c.clock.Now(),
	}, nil
}

// AutoRotate rotates ciphertext only when it is not already current. A
// current envelope is returned unchanged without deriving a key.
func (c *Cipher) AutoRotate(ctx context.Context, ciphertext string, passphrase []byte) (string, Migration, error) {
	if IsCurrent(ciphertext) {
		return ciphertext, Migration{
			OldVersion: VersionCurrent,
			NewVersion: VersionCurrent,
			Timestamp:  c.clock.Now(),
		}, nil
	}
	return c.Rotate(ctx, ciphertext, passphrase)
}

// BatchRotate auto-rotates every entry of items. A failing entry does not
// abort the batch; its original ciphertext is passed through and the
// failure is recorded in Results.
func (c *Cipher) BatchRotate(ctx context.Context, items map[string]string, passphrase []byte) BatchResult {
	res := BatchResult{
		Rotated: make(map[string]string, len(items)),
		Results: make(map[string]Migration, len(items)),
		Stats:   BatchStats{Total: len(items)},
	}

	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, id := range ids {
		original := items[id]
		g.Go(func() error {
			rotated, m, err := c.AutoRotate(gctx, original, passphrase)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				m.Error = errs.KindOf(err).String()
				res.Rotated[id] = original
				res.Stats.Failed++
				logging.Warn("Envelope", "Rotation of %s failed: %s", id, m.Error)
			case m.Migrated:
				res.Rotated[id] = rotated
				res.Stats.Migrated++
			default:
				res.Rotated[id] = original
				res.Stats.Skipped++
			}
			res.Results[id] = m
			// Per-item failures never cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()

	logging.Info("Envelope", "Batch rotation finished: total=%d migrated=%d skipped=%d failed=%d",
		res.Stats.Total, res.Stats.Migrated, res.Stats.Skipped, res.Stats.Failed)
	return res
}
