package envelope

import (
	"context"
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length produced by every KDF.
	KeySize = 32

	// LegacyIterations is the PBKDF2-SHA256 work factor of version 1 envelopes.
	LegacyIterations = 100_000
)

// Params are the Argon2id cost parameters for current-version envelopes.
// They are not stored in the envelope, so every Cipher that reads a given
// envelope must use the parameters it was written with.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns 64 MiB, 3 passes, 4 lanes.
func DefaultParams() Params {
	return Params{MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// KeyDeriver turns a passphrase and salt into an AES key for the given
// envelope version. It must honour ctx.
type KeyDeriver func(ctx context.Context, version Version, passphrase, salt []byte) ([]byte, error)

// NewKeyDeriver returns the standard deriver: Argon2id with p for current
// envelopes and PBKDF2-SHA256 for legacy ones.
//
// Both KDFs are CPU-bound and cannot be interrupted, so the work runs on its
// own goroutine and a cancelled ctx returns early while it finishes in the
// background.
func NewKeyDeriver(p Params, legacyIterations int) KeyDeriver {
	return func(ctx context.Context, version Version, passphrase, salt []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result := make(chan []byte, 1)
		go func() {
			switch version {
			case VersionLegacy:
				result <- pbkdf2.Key(passphrase, salt, legacyIterations, KeySize, sha256.New)
			default:
				result <- argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Parallelism, KeySize)
			}
		}()

		select {
		case key := <-result:
			return key, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
