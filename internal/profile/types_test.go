package profile

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"credwrap/internal/errs"
)

func TestValidateID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"work", true},
		{"Work_2", true},
		{"a-b-c", true},
		{"9lives", true},
		{strings.Repeat("a", MaxIDLength), true},
		{"", false},
		{strings.Repeat("a", MaxIDLength+1), false},
		{"-leading", false},
		{"_leading", false},
		{"has space", false},
		{"dots.not.allowed", false},
		{"../escape", false},
		{"ünicode", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errs.Is(err, errs.KindValidation))
			}
		})
	}
}

func TestValidatePassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		valid      bool
	}{
		{"accepted", "xk7-qm2-vb9-zz1", true},
		{"exactly min length", "abcd-123", true},
		{"too short", "ab1-x", false},
		{"too long", strings.Repeat("x", MaxPassphraseLength+1), false},
		{"purely numeric", "8675309123", false},
		{"common", "password123", false},
		{"common any case", "PassWord123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassphrase(tt.passphrase)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errs.Is(err, errs.KindValidation))
			assert.NotContains(t, err.Error(), tt.passphrase)
		})
	}
}

func TestProfile_LogValueRedactsSecrets(t *testing.T) {
	p := validRecord("work")
	p.ClientSecret = "client-secret-value"
	p.EncryptionPassphrase = "xk7-qm2-vb9-zz1"

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("profile", "profile", p)

	out := buf.String()
	assert.Contains(t, out, "work")
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "client-secret-value")
	assert.NotContains(t, out, "xk7-qm2-vb9-zz1")
}

func TestCreate_ValidatesFields(t *testing.T) {
	s, _ := newTestStore(t)

	cfg := testConfig("work")
	cfg.ClientID = ""
	_, err := s.Create(t.Context(), "work", cfg)
	assert.True(t, errs.Is(err, errs.KindValidation))

	cfg = testConfig("work")
	cfg.EncryptionPassphrase = "12345678"
	_, err = s.Create(t.Context(), "work", cfg)
	assert.True(t, errs.Is(err, errs.KindValidation))

	cfg = testConfig("work")
	cfg.Scopes = []string{"has space"}
	_, err = s.Create(t.Context(), "work", cfg)
	assert.True(t, errs.Is(err, errs.KindValidation))
}
