package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/internal/executor"
	"github.com/nanoscale/nanoscale/pkg/cluster"
)

type fakeRuntime struct {
	mu       sync.Mutex
	deployed []executor.DeployRequest
	stopped  []string
	removed  []string
	err      error
}

func (f *fakeRuntime) Deploy(ctx context.Context, req executor.DeployRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = append(f.deployed, req)
	return f.err
}

func (f *fakeRuntime) Stop(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, projectID)
	return f.err
}

func (f *fakeRuntime) Remove(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, projectID)
	return f.err
}

func (f *fakeRuntime) Activity(ctx context.Context, projectID string) (executor.Activity, error) {
	return executor.Activity{Connections: 3, UptimeSeconds: 120}, f.err
}

func (f *fakeRuntime) counts() (deployed, stopped, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deployed), len(f.stopped), len(f.removed)
}

var testSecret = strings.Repeat("ab", 32)

func newTestServer(rt Runtime) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := cluster.NewVerifier(cluster.StaticSecret("srv-1", testSecret), 30*time.Second, logger)
	return httptest.NewServer(NewServer(rt, verifier, logger))
}

func newSignedClient(t *testing.T, baseURL, secret string) *cluster.Client {
	t.Helper()
	signer, err := cluster.NewSigner("srv-1", secret)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	c, err := cluster.NewClient(baseURL, signer, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestServerDeployAndActivity(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newTestServer(rt)
	defer srv.Close()
	c := newSignedClient(t, srv.URL, testSecret)
	ctx := context.Background()

	if err := c.Do(ctx, http.MethodPost, "/internal/projects", executor.DeployRequest{ProjectID: "p1", RepoURL: "https://x/y"}, nil); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if deployed, _, _ := rt.counts(); deployed != 1 {
		t.Fatalf("expected one deploy, got %d", deployed)
	}
	var activity executor.Activity
	if err := c.Do(ctx, http.MethodGet, "/internal/projects/p1/activity", nil, &activity); err != nil {
		t.Fatalf("activity: %v", err)
	}
	if activity.Connections != 3 || activity.UptimeSeconds != 120 {
		t.Fatalf("unexpected activity %+v", activity)
	}
	if err := c.Do(ctx, http.MethodPost, "/internal/projects/p1/stop", nil, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := c.Do(ctx, http.MethodDelete, "/internal/projects/p1", nil, nil); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, stopped, removed := rt.counts(); stopped != 1 || removed != 1 {
		t.Fatalf("expected stop and remove, got %d %d", stopped, removed)
	}
}

func TestServerRejectsWrongSecretAndUnsigned(t *testing.T) {
	rt := &fakeRuntime{}
	srv := newTestServer(rt)
	defer srv.Close()

	c := newSignedClient(t, srv.URL, strings.Repeat("cd", 32))
	err := c.Do(context.Background(), http.MethodPost, "/internal/projects", executor.DeployRequest{ProjectID: "p1"}, nil)
	if !errors.Is(err, cluster.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	body, _ := json.Marshal(executor.DeployRequest{ProjectID: "p1"})
	resp, err := http.Post(srv.URL+"/internal/projects", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if deployed, _, _ := rt.counts(); deployed != 0 {
		t.Fatalf("runtime must not be reached")
	}
}

func TestServerMapsRuntimeErrors(t *testing.T) {
	rt := &fakeRuntime{err: ErrBusy}
	srv := newTestServer(rt)
	defer srv.Close()
	c := newSignedClient(t, srv.URL, testSecret)

	err := c.Do(context.Background(), http.MethodPost, "/internal/projects/p1/stop", nil, nil)
	if !errors.Is(err, cluster.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	rt.mu.Lock()
	rt.err = errors.New("hook deploy: exit status 1: build failed")
	rt.mu.Unlock()
	err = c.Do(context.Background(), http.MethodPost, "/internal/projects", executor.DeployRequest{ProjectID: "p1"}, nil)
	if !errors.Is(err, cluster.ErrRemote) || !strings.Contains(err.Error(), "build failed") {
		t.Fatalf("expected remote error carrying message, got %v", err)
	}
}
