// Package vault stores tenant-supplied upstream API keys encrypted at rest.
// Keys are sealed with AES-GCM under a single master secret; the key ID lets
// operators tell which master secret a stored blob was sealed with after a
// rotation.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kaadipranav/watchllm/state"
)

var (
	ErrInvalidMasterKey  = errors.New("invalid master key: must be 16, 24, or 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication failed")
)

const keyFormat = "watchllm:vault:%s:%s"

// Cipher seals and opens secrets with AES-GCM. The nonce is prepended to the
// sealed data and the whole blob is base64-encoded for storage.
type Cipher struct {
	gcm   cipher.AEAD
	keyID string
}

func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != 16 && len(masterKey) != 24 && len(masterKey) != 32 {
		return nil, ErrInvalidMasterKey
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	keyHash := sha256.Sum256(masterKey)
	return &Cipher{
		gcm:   gcm,
		keyID: base64.RawURLEncoding.EncodeToString(keyHash[:8]),
	}, nil
}

// NewCipherFromString builds a cipher from a base64-encoded master key, the
// form the key takes in configuration.
func NewCipherFromString(encodedKey string) (*Cipher, error) {
	masterKey, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	return NewCipher(masterKey)
}

// KeyID identifies the master key a blob was sealed with.
func (c *Cipher) KeyID() string {
	return c.keyID
}

func (c *Cipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %v", err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(sealed) < nonceSize+c.gcm.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := c.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateMasterKey returns a random key of the given size, base64-encoded
// for direct use in configuration.
func GenerateMasterKey(size int) (string, error) {
	if size != 16 && size != 24 && size != 32 {
		return "", ErrInvalidMasterKey
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// record is the stored shape of a sealed provider key.
type record struct {
	Sealed string `json:"sealed"`
	KeyID  string `json:"key_id"`
}

// Vault keeps one sealed upstream key per (tenant, provider).
type Vault struct {
	states state.Manager
	cipher *Cipher
	logger *zap.SugaredLogger
}

func New(states state.Manager, cipher *Cipher, logger *zap.SugaredLogger) *Vault {
	return &Vault{states: states, cipher: cipher, logger: logger}
}

// StoreKey seals and persists the tenant's upstream API key.
func (v *Vault) StoreKey(ctx context.Context, tenantID string, provider string, apiKey string) error {
	sealed, err := v.cipher.Seal(apiKey)
	if err != nil {
		return fmt.Errorf("failed to seal key for tenant %s: %w", tenantID, err)
	}
	raw, err := json.Marshal(record{Sealed: sealed, KeyID: v.cipher.KeyID()})
	if err != nil {
		return err
	}
	return v.states.Set(ctx, fmt.Sprintf(keyFormat, tenantID, provider), raw, 0)
}

// Key returns the tenant's upstream API key, or "" when none is stored. A
// blob sealed under a different master key fails closed with an error rather
// than silently falling back.
func (v *Vault) Key(ctx context.Context, tenantID string, provider string) (string, error) {
	raw, err := v.states.Get(ctx, fmt.Sprintf(keyFormat, tenantID, provider))
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}

	var stored record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "", fmt.Errorf("corrupt vault record for tenant %s: %v", tenantID, err)
	}
	if stored.KeyID != v.cipher.KeyID() {
		v.logger.Warnw("vault record sealed under a different master key",
			"tenant", tenantID, "provider", provider, "keyId", stored.KeyID)
	}
	return v.cipher.Open(stored.Sealed)
}

// DeleteKey removes the tenant's stored upstream key.
func (v *Vault) DeleteKey(ctx context.Context, tenantID string, provider string) error {
	return v.states.Delete(ctx, fmt.Sprintf(keyFormat, tenantID, provider))
}
