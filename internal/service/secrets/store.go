// Package secrets encrypts shared secrets at rest.
package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/pkg/cluster"
	"github.com/nanoscale/nanoscale/pkg/crypto"
)

// ErrUndecryptable is returned when a stored secret cannot be opened with the master key.
var ErrUndecryptable = errors.New("secret cannot be decrypted")

// Store seals and opens secrets with AES-GCM under the orchestrator master key.
type Store struct {
	masterKey string
}

// New returns a Store. The master key must be non-empty.
func New(masterKey string) (Store, error) {
	if masterKey == "" {
		return Store{}, errors.New("secret encryption key is empty")
	}
	return Store{masterKey: masterKey}, nil
}

// Seal encrypts plaintext for storage.
func (s Store) Seal(plaintext string) ([]byte, error) {
	sealed, err := crypto.EncryptString(s.masterKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal secret: %w", err)
	}
	return sealed, nil
}

// Open decrypts a sealed secret.
func (s Store) Open(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", ErrUndecryptable
	}
	plain, err := crypto.DecryptToString(s.masterKey, sealed)
	switch {
	case err == nil:
	case errors.Is(err, crypto.ErrShortCiphertext), errors.Is(err, crypto.ErrAuthentication):
		return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
	default:
		return "", fmt.Errorf("open secret: %w", err)
	}
	return plain, nil
}

// ServerSecrets resolves worker secrets from the server registry.
type ServerSecrets struct {
	servers repository.ServerRepository
	store   Store
}

var _ cluster.SecretLookup = ServerSecrets{}

// NewServerSecrets returns a cluster.SecretLookup backed by the registry.
func NewServerSecrets(servers repository.ServerRepository, store Store) ServerSecrets {
	return ServerSecrets{servers: servers, store: store}
}

// SecretFor returns the decrypted secret of serverID.
func (l ServerSecrets) SecretFor(ctx context.Context, serverID string) (string, error) {
	server, err := l.servers.GetServerByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", cluster.ErrUnknownServer
		}
		return "", fmt.Errorf("load server %s: %w", serverID, err)
	}
	return l.store.Open(server.SecretKey)
}
