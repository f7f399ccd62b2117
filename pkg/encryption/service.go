// Package encryption encrypts credential payloads at rest using the
// PostgreSQL pgcrypto extension (pgp_sym_encrypt/pgp_sym_decrypt).
package encryption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/uptrace/bun"

	"github.com/kbforge/kbforge/pkg/logger"
)

var (
	ErrKeyNotConfigured = errors.New("encryption key not configured")
	ErrDecryptionFailed = errors.New("failed to decrypt data")
)

// Cipher is the contract the credential store depends on.
type Cipher interface {
	Encrypt(ctx context.Context, settings map[string]any) (string, error)
	Decrypt(ctx context.Context, encryptedData string) (map[string]any, error)
	IsConfigured() bool
}

// Service encrypts and decrypts through pgcrypto. With no key configured it
// falls back to plain JSON so local setups work without secrets.
type Service struct {
	db  bun.IDB
	log *slog.Logger
	key string
}

// NewService creates an encryption service. The key comes from the
// CREDENTIALS_ENCRYPTION_KEY environment variable.
func NewService(db bun.IDB, log *slog.Logger) *Service {
	key := os.Getenv("CREDENTIALS_ENCRYPTION_KEY")
	svc := &Service{
		db:  db,
		log: log.With(logger.Scope("encryption")),
		key: key,
	}

	if key == "" {
		svc.log.Warn("CREDENTIALS_ENCRYPTION_KEY not set - credentials stored unencrypted")
	} else if len(key) < 32 {
		svc.log.Warn("CREDENTIALS_ENCRYPTION_KEY is short for AES-256",
			slog.Int("length", len(key)))
	}

	return svc
}

// IsConfigured returns true when a usable key is present
func (s *Service) IsConfigured() bool {
	return s.key != "" && len(s.key) >= 32
}

// Encrypt encrypts a settings map, returning base64-encoded ciphertext.
func (s *Service) Encrypt(ctx context.Context, settings map[string]any) (string, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("marshal settings: %w", err)
	}

	if s.key == "" {
		return string(data), nil
	}

	var encrypted string
	err = s.db.NewRaw(
		`SELECT encode(pgp_sym_encrypt(?::text, ?::text), 'base64') AS encrypted`,
		string(data), s.key,
	).Scan(ctx, &encrypted)
	if err != nil {
		return "", fmt.Errorf("encrypt settings: %w", err)
	}
	return encrypted, nil
}

// Decrypt reverses Encrypt.
func (s *Service) Decrypt(ctx context.Context, encryptedData string) (map[string]any, error) {
	if encryptedData == "" {
		return map[string]any{}, nil
	}

	payload := encryptedData
	if s.key != "" {
		var decrypted string
		err := s.db.NewRaw(
			`SELECT pgp_sym_decrypt(decode(?, 'base64'), ?::text) AS decrypted`,
			encryptedData, s.key,
		).Scan(ctx, &decrypted)
		if err != nil {
			s.log.Error("decrypt failed", logger.Error(err))
			return nil, ErrDecryptionFailed
		}
		payload = decrypted
	}

	var settings map[string]any
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal decrypted settings: %w", err)
	}
	return settings, nil
}

var _ Cipher = (*Service)(nil)

// NullService is a no-op cipher for tests.
type NullService struct{}

// NewNullService creates a null encryption service
func NewNullService() *NullService {
	return &NullService{}
}

// Encrypt returns the settings as plain JSON
func (n *NullService) Encrypt(ctx context.Context, settings map[string]any) (string, error) {
	data, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decrypt parses plain JSON settings
func (n *NullService) Decrypt(ctx context.Context, data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var settings map[string]any
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return map[string]any{}, nil
	}
	return settings, nil
}

// IsConfigured always returns false for NullService
func (n *NullService) IsConfigured() bool {
	return false
}

var _ Cipher = (*NullService)(nil)
