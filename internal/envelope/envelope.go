// Package envelope implements versioned passphrase-based encryption of
// secrets at rest.
//
// A current envelope is the JSON document {"version":"2","data":"..."} where
// data is base64(salt ‖ iv ‖ tag ‖ ciphertext), the key is derived with
// Argon2id and the cipher is AES-256-GCM with a 16-byte nonce. Version 1
// envelopes (PBKDF2-SHA256) and bare base64 blobs from before envelopes
// existed are still readable so they can be rotated forward, but are never
// written.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"credwrap/internal/clock"
	"credwrap/internal/errs"
)

// Version identifies an envelope format.
type Version string

const (
	// VersionLegacy is the PBKDF2 format, either as an explicit version "1"
	// envelope or as a bare base64 blob.
	VersionLegacy Version = "1"

	// VersionCurrent is the Argon2id format written by Encrypt.
	VersionCurrent Version = "2"
)

const (
	SaltSize  = 32
	NonceSize = 16
	TagSize   = 16

	headerSize = SaltSize + NonceSize + TagSize
)

// Envelope is the serialized form of an encrypted secret.
type Envelope struct {
	Version Version `json:"version"`
	Data    string  `json:"data"`
}

// Cipher encrypts and decrypts envelopes. It is safe for concurrent use.
type Cipher struct {
	deriveKey KeyDeriver
	rand      io.Reader
	clock     clock.Clock
	workers   int
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithParams sets the Argon2id cost for current-version envelopes.
func WithParams(p Params) Option {
	return func(c *Cipher) {
		c.deriveKey = NewKeyDeriver(p, LegacyIterations)
	}
}

// WithKeyDeriver replaces key derivation entirely.
func WithKeyDeriver(kd KeyDeriver) Option {
	return func(c *Cipher) {
		c.deriveKey = kd
	}
}

// WithRandom sets the source of salts and nonces.
func WithRandom(r io.Reader) Option {
	return func(c *Cipher) {
		c.rand = r
	}
}

// WithClock sets the clock used to timestamp migrations.
func WithClock(clk clock.Clock) Option {
	return func(c *Cipher) {
		c.clock = clk
	}
}

// WithWorkers bounds the parallelism of BatchRotate.
func WithWorkers(n int) Option {
	return func(c *Cipher) {
		if n > 0 {
			c.workers = n
		}
	}
}

// New creates a Cipher with DefaultParams unless overridden.
func New(opts ...Option) *Cipher {
	c := &Cipher{
		deriveKey: NewKeyDeriver(DefaultParams(), LegacyIterations),
		rand:      rand.Reader,
		clock:     clock.Real{},
		workers:   4,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt seals plaintext under passphrase and returns a current-version
// envelope. Every call uses a fresh salt and nonce.
func (c *Cipher) Encrypt(ctx context.Context, plaintext, passphrase []byte) (string, error) {
	if len(passphrase) == 0 {
		return "", errs.E(errs.KindValidation, "envelope.encrypt", "passphrase is required")
	}

	buf := make([]byte, SaltSize+NonceSize)
	if _, err := io.ReadFull(c.rand, buf); err != nil {
		return "", errs.Wrap(errs.KindIO, "envelope.encrypt", err, "reading random bytes")
	}
	salt, nonce := buf[:SaltSize], buf[SaltSize:]

	key, err := c.deriveKey(ctx, VersionCurrent, passphrase, salt)
	if err != nil {
		return "", err
	}
	defer zero(key)

	data, err := seal(key, salt, nonce, plaintext)
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(Envelope{Version: VersionCurrent, Data: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return "", errs.Wrap(errs.KindUnknown, "envelope.encrypt", err, "encoding envelope")
	}
	return string(out), nil
}

// Decrypt opens an envelope of any supported version. The version is
// checked before any key derivation: unknown versions fail with
// errs.KindUnsupportedVersion. Wrong passphrases and corrupted data both
// fail with the same opaque errs.KindDecryption error.
func (c *Cipher) Decrypt(ctx context.Context, ciphertext string, passphrase []byte) ([]byte, error) {
	version, data, err := parse(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize {
		return nil, decryptionFailed(nil)
	}

	salt := data[:SaltSize]
	key, err := c.deriveKey(ctx, version, passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	return open(key, data)
}

// DetectVersion reports the format of ciphertext. Anything that is not a
// well-formed envelope document is treated as legacy; Decrypt decides
// whether it is actually readable.
func DetectVersion(ciphertext string) Version {
	var env Envelope
	if err := json.Unmarshal([]byte(strings.TrimSpace(ciphertext)), &env); err != nil || env.Version == "" {
		return VersionLegacy
	}
	return env.Version
}

// IsCurrent reports whether ciphertext already uses the current format.
func IsCurrent(ciphertext string) bool {
	return DetectVersion(ciphertext) == VersionCurrent
}

// parse splits ciphertext into its version and raw payload.
func parse(ciphertext string) (Version, []byte, error) {
	trimmed := strings.TrimSpace(ciphertext)

	var env Envelope
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return "", nil, decryptionFailed(err)
		}
		switch env.Version {
		case VersionCurrent, VersionLegacy:
		default:
			return "", nil, &errs.Error{
				Kind:    errs.KindUnsupportedVersion,
				Op:      "envelope.decrypt",
				Message: "unsupported envelope version " + quoteVersion(env.Version),
			}
		}
	} else {
		env = Envelope{Version: VersionLegacy, Data: trimmed}
	}

	data, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return "", nil, decryptionFailed(err)
	}
	return env.Version, data, nil
}

func quoteVersion(v Version) string {
	if v == "" {
		return `""`
	}
	if len(v) > 16 {
		v = v[:16]
	}
	return `"` + string(v) + `"`
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// seal returns salt ‖ nonce ‖ tag ‖ ciphertext.
func seal(key, salt, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "envelope.encrypt", err, "initializing cipher")
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	out := make([]byte, 0, headerSize+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func open(key, data []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, decryptionFailed(err)
	}

	nonce := data[SaltSize : SaltSize+NonceSize]
	tag := data[SaltSize+NonceSize : headerSize]
	ct := data[headerSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, decryptionFailed(err)
	}
	return plaintext, nil
}

// decryptionFailed hides the cause from the message so that callers cannot
// distinguish a wrong passphrase from tampered data.
func decryptionFailed(cause error) error {
	return &errs.Error{
		Kind:    errs.KindDecryption,
		Op:      "envelope.decrypt",
		Message: "decryption failed",
		Err:     cause,
	}
}
