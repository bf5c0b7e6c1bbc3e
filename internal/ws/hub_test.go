package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 16)}
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, payload)
	r.got <- struct{}{}
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingSubscriber) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitFor(t *testing.T, sub *recordingSubscriber) {
	t.Helper()
	select {
	case <-sub.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishRoutesByProject(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	p1 := newRecordingSubscriber()
	p2 := newRecordingSubscriber()
	all := newRecordingSubscriber()
	hub.Register("p1", p1)
	hub.Register("p2", p2)
	hub.Register(AllProjects, all)

	hub.Publish(domain.ProjectEvent{ProjectID: "p1", Status: domain.ProjectBuilding, Cause: domain.CauseWebhook})
	waitFor(t, p1)
	waitFor(t, all)

	if p2.count() != 0 {
		t.Fatalf("p2 should not receive p1 events")
	}
	var event domain.ProjectEvent
	if err := json.Unmarshal(p1.payloads[0], &event); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.Status != domain.ProjectBuilding || event.Cause != domain.CauseWebhook {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	hub := newTestHub()
	defer hub.Close()

	bad := newRecordingSubscriber()
	bad.fail = true
	good := newRecordingSubscriber()
	hub.Register("p1", bad)
	hub.Register("p1", good)

	hub.Publish(domain.ProjectEvent{ProjectID: "p1", Status: domain.ProjectDeployed})
	waitFor(t, good)
	if !bad.isClosed() {
		t.Fatalf("failing subscriber should be closed")
	}

	hub.Publish(domain.ProjectEvent{ProjectID: "p1", Status: domain.ProjectStopped})
	waitFor(t, good)
	if good.count() != 2 {
		t.Fatalf("expected 2 events, got %d", good.count())
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	hub := newTestHub()
	sub := newRecordingSubscriber()
	hub.Register("p1", sub)
	hub.Close()

	if !sub.isClosed() {
		t.Fatalf("expected subscriber closed")
	}
	hub.Publish(domain.ProjectEvent{ProjectID: "p1"})
	late := newRecordingSubscriber()
	hub.Register("p1", late)
	if !late.isClosed() {
		t.Fatalf("registering after close should close the client")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := client.Send([]byte(`{"project_id":"p1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	want := "event: project\ndata: {\"project_id\":\"p1\"}\n\n: ping\n\n"
	if rec.Body.String() != want {
		t.Fatalf("unexpected stream %q", rec.Body.String())
	}
	client.Close()
	if err := client.Send([]byte("x")); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}
