package kube

import (
	"context"
	"fmt"
	"sync"

	"github.com/davarch/ci-controlplane/internal/domain"
)

// SecretName is the integration secret holding credentials for a provider.
func SecretName(p domain.ProviderKind) string {
	return "tssc-" + string(p) + "-integration"
}

// CredentialStore loads integration secrets once per provider and serves
// them from memory afterwards. Failed loads are not cached.
type CredentialStore struct {
	reader    domain.SecretReader
	namespace string

	mu    sync.Mutex
	cache map[domain.ProviderKind]map[string]string
}

func NewCredentialStore(r domain.SecretReader, namespace string) *CredentialStore {
	return &CredentialStore{reader: r, namespace: namespace, cache: map[domain.ProviderKind]map[string]string{}}
}

// Lookup returns the provider secret, requiring every key in required to be
// present and non-empty.
func (s *CredentialStore) Lookup(ctx context.Context, p domain.ProviderKind, required ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := SecretName(p)
	data, ok := s.cache[p]
	if !ok {
		var err error
		data, err = s.reader.ReadSecret(ctx, s.namespace, name)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil, &domain.ConfigError{Field: name, Message: "integration secret not found in " + s.namespace, Err: err}
			}
			return nil, fmt.Errorf("loading %s credentials: %w", p, err)
		}
		s.cache[p] = data
	}

	for _, k := range required {
		if data[k] == "" {
			return nil, &domain.ConfigError{Field: name + "." + k, Message: "required key missing from integration secret"}
		}
	}
	return data, nil
}

// Value returns one required key of the provider secret.
func (s *CredentialStore) Value(ctx context.Context, p domain.ProviderKind, key string) (string, error) {
	data, err := s.Lookup(ctx, p, key)
	if err != nil {
		return "", err
	}
	return data[key], nil
}
