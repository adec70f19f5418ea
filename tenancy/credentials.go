package tenancy

import (
	"context"
	"errors"
	"regexp"
	"sync"
)

// keyPattern is the shape of every gateway API key.
var keyPattern = regexp.MustCompile(`^lgw_(proj|test)_[A-Za-z0-9]{32,}$`)

// ErrUnknownKey is returned when a well-formed key resolves to no credential.
var ErrUnknownKey = errors.New("unknown api key")

// ValidKeyFormat reports whether the key matches the gateway key pattern.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// Credential is the resolution of an opaque API key.
type Credential struct {
	ID     string
	Tenant *Tenant
}

// CredentialStore resolves opaque API keys to credentials. Implementations
// must treat unknown keys as ErrUnknownKey, reserving other errors for store
// outages (which authenticate as 401 rather than failing open).
type CredentialStore interface {
	Resolve(ctx context.Context, key string) (*Credential, error)
}

// StaticCredentialStore is the in-memory CredentialStore used for
// config-file-driven deployments and tests.
type StaticCredentialStore struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
}

func NewStaticCredentialStore() *StaticCredentialStore {
	return &StaticCredentialStore{credentials: make(map[string]*Credential)}
}

// Register installs a key. Re-registering a key replaces its credential.
func (s *StaticCredentialStore) Register(key string, credential *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[key] = credential
}

func (s *StaticCredentialStore) Resolve(ctx context.Context, key string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, exists := s.credentials[key]
	if !exists {
		return nil, ErrUnknownKey
	}
	return credential, nil
}
