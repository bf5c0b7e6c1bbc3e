package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotEnrolled is returned when no identity file exists yet.
var ErrNotEnrolled = errors.New("worker has not joined a cluster")

// Identity is the worker's persisted cluster membership.
type Identity struct {
	ServerID        string    `json:"server_id"`
	SecretKey       string    `json:"secret_key"`
	OrchestratorURL string    `json:"orchestrator_url"`
	Name            string    `json:"name,omitempty"`
	IP              string    `json:"ip"`
	JoinedAt        time.Time `json:"joined_at"`
}

// LoadIdentity reads the identity file at path.
func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Identity{}, ErrNotEnrolled
		}
		return Identity{}, fmt.Errorf("read identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if strings.TrimSpace(id.ServerID) == "" || id.SecretKey == "" {
		return Identity{}, fmt.Errorf("identity file %s is incomplete", path)
	}
	return id, nil
}

// SaveIdentity writes the identity atomically with owner-only permissions.
func SaveIdentity(path string, id Identity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".worker-*.json")
	if err != nil {
		return fmt.Errorf("create temp identity: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod identity: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install identity: %w", err)
	}
	return nil
}
