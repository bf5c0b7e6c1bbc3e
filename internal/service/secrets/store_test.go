package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/pkg/cluster"
)

type stubServers struct {
	servers map[string]domain.Server
}

func (s stubServers) CreateServer(ctx context.Context, server *domain.Server) error { return nil }
func (s stubServers) GetServerByID(ctx context.Context, id string) (*domain.Server, error) {
	if srv, ok := s.servers[id]; ok {
		return &srv, nil
	}
	return nil, repository.ErrNotFound
}
func (s stubServers) ListServers(ctx context.Context) ([]domain.Server, error) { return nil, nil }
func (s stubServers) TouchServer(ctx context.Context, id string, seenAt time.Time) error {
	return nil
}
func (s stubServers) MarkServersOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestSealOpen(t *testing.T) {
	store, err := New("master")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	sealed, err := store.Seal("worker-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	plain, err := store.Open(sealed)
	if err != nil || plain != "worker-secret" {
		t.Fatalf("open: %q %v", plain, err)
	}
	other, _ := New("other")
	if _, err := other.Open(sealed); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("expected ErrUndecryptable, got %v", err)
	}
	if _, err := store.Open(sealed[:3]); !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("expected ErrUndecryptable for truncated secret, got %v", err)
	}
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestServerSecretsLookup(t *testing.T) {
	store, _ := New("master")
	sealed, _ := store.Seal("s3cr3t")
	lookup := NewServerSecrets(stubServers{servers: map[string]domain.Server{
		"srv-1": {ID: "srv-1", SecretKey: sealed},
	}}, store)

	secret, err := lookup.SecretFor(context.Background(), "srv-1")
	if err != nil || secret != "s3cr3t" {
		t.Fatalf("expected decrypted secret, got %q %v", secret, err)
	}
	if _, err := lookup.SecretFor(context.Background(), "srv-2"); !errors.Is(err, cluster.ErrUnknownServer) {
		t.Fatalf("expected ErrUnknownServer, got %v", err)
	}
}
