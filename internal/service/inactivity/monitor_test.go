package inactivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/executor"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
)

type stubProjects struct {
	repository.ProjectRepository
	deployed []domain.Project
	err      error
}

func (s *stubProjects) ListProjectsByStatus(ctx context.Context, status domain.ProjectStatus) ([]domain.Project, error) {
	if status != domain.ProjectDeployed {
		return nil, nil
	}
	return s.deployed, s.err
}

type stubActivity struct {
	readings map[string]executor.Activity
	errs     map[string]error
	panics   map[string]bool
}

func (s *stubActivity) Activity(ctx context.Context, projectID string) (executor.Activity, error) {
	if s.panics[projectID] {
		panic("worker response decoder blew up")
	}
	if err := s.errs[projectID]; err != nil {
		return executor.Activity{}, err
	}
	return s.readings[projectID], nil
}

type stubStopper struct {
	mu      sync.Mutex
	stopped []string
	outcome redeploy.Outcome
	err     error
}

func (s *stubStopper) Stop(ctx context.Context, projectID string) (redeploy.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.outcome == redeploy.Busy {
		return redeploy.Busy, nil
	}
	s.stopped = append(s.stopped, projectID)
	return redeploy.Accepted, nil
}

func (s *stubStopper) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func newMonitor(projects *stubProjects, activity *stubActivity, stopper *stubStopper) (*Monitor, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := New(projects, activity, stopper, slog.New(slog.NewTextHandler(io.Discard, nil)), 0, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestStopsAfterContinuousIdleThreshold(t *testing.T) {
	projects := &stubProjects{deployed: []domain.Project{{ID: "p1"}}}
	activity := &stubActivity{readings: map[string]executor.Activity{"p1": {Connections: 0, UptimeSeconds: 3600}}}
	stopper := &stubStopper{}
	m, now := newMonitor(projects, activity, stopper)

	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("first idle observation must not stop")
	}
	*now = now.Add(14 * time.Minute)
	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("stopped before the idle streak reached the threshold")
	}
	*now = now.Add(time.Minute)
	m.runIteration(context.Background())
	if got := stopper.calls(); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("expected p1 stopped, got %v", got)
	}
}

func TestConnectionsResetIdleStreak(t *testing.T) {
	projects := &stubProjects{deployed: []domain.Project{{ID: "p1"}}}
	activity := &stubActivity{readings: map[string]executor.Activity{"p1": {UptimeSeconds: 3600}}}
	stopper := &stubStopper{}
	m, now := newMonitor(projects, activity, stopper)

	m.runIteration(context.Background())
	*now = now.Add(10 * time.Minute)
	activity.readings["p1"] = executor.Activity{Connections: 2, UptimeSeconds: 4200}
	m.runIteration(context.Background())
	*now = now.Add(time.Minute)
	activity.readings["p1"] = executor.Activity{UptimeSeconds: 4260}
	m.runIteration(context.Background())
	*now = now.Add(10 * time.Minute)
	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("idle streak should restart after traffic")
	}
	*now = now.Add(5 * time.Minute)
	m.runIteration(context.Background())
	if len(stopper.calls()) != 1 {
		t.Fatalf("expected stop after a fresh 15 minute streak")
	}
}

func TestShortUptimeAndRestartPreventStop(t *testing.T) {
	projects := &stubProjects{deployed: []domain.Project{{ID: "p1"}}}
	activity := &stubActivity{readings: map[string]executor.Activity{"p1": {UptimeSeconds: 60}}}
	stopper := &stubStopper{}
	m, now := newMonitor(projects, activity, stopper)

	m.runIteration(context.Background())
	*now = now.Add(16 * time.Minute)
	// The process restarted: uptime went backwards.
	activity.readings["p1"] = executor.Activity{UptimeSeconds: 30}
	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("a restarted process must not be stopped")
	}
	*now = now.Add(15 * time.Minute)
	activity.readings["p1"] = executor.Activity{UptimeSeconds: 15 * 60}
	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("uptime must exceed the threshold, not equal it")
	}
	*now = now.Add(time.Minute)
	activity.readings["p1"] = executor.Activity{UptimeSeconds: 16 * 60}
	m.runIteration(context.Background())
	if len(stopper.calls()) != 1 {
		t.Fatalf("expected stop once uptime and idle streak both exceed the threshold")
	}
}

func TestBusyProjectIsSkippedAndRetried(t *testing.T) {
	projects := &stubProjects{deployed: []domain.Project{{ID: "p1"}}}
	activity := &stubActivity{readings: map[string]executor.Activity{"p1": {UptimeSeconds: 7200}}}
	stopper := &stubStopper{outcome: redeploy.Busy}
	m, now := newMonitor(projects, activity, stopper)

	m.runIteration(context.Background())
	*now = now.Add(20 * time.Minute)
	m.runIteration(context.Background())
	if len(stopper.calls()) != 0 {
		t.Fatalf("busy project must not be stopped")
	}
	stopper.mu.Lock()
	stopper.outcome = ""
	stopper.mu.Unlock()
	*now = now.Add(time.Minute)
	m.runIteration(context.Background())
	if len(stopper.calls()) != 1 {
		t.Fatalf("expected stop on the next tick after the lease frees")
	}
}

func TestOneProjectFailureDoesNotAbortTick(t *testing.T) {
	projects := &stubProjects{deployed: []domain.Project{{ID: "broken"}, {ID: "panicky"}, {ID: "p3"}}}
	activity := &stubActivity{
		readings: map[string]executor.Activity{"p3": {UptimeSeconds: 7200}},
		errs:     map[string]error{"broken": errors.New("worker unreachable")},
		panics:   map[string]bool{"panicky": true},
	}
	stopper := &stubStopper{}
	m, now := newMonitor(projects, activity, stopper)

	m.runIteration(context.Background())
	*now = now.Add(15 * time.Minute)
	m.runIteration(context.Background())
	if got := stopper.calls(); len(got) != 1 || got[0] != "p3" {
		t.Fatalf("expected p3 stopped despite sibling failures, got %v", got)
	}
}

func TestListFailureIsTolerated(t *testing.T) {
	projects := &stubProjects{err: errors.New("db down")}
	m, _ := newMonitor(projects, &stubActivity{}, &stubStopper{})
	m.runIteration(context.Background())
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newMonitor(&stubProjects{}, &stubActivity{}, &stubStopper{})
	m.interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
