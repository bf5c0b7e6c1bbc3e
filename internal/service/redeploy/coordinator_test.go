package redeploy

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
	"github.com/nanoscale/nanoscale/internal/lease"
	"github.com/nanoscale/nanoscale/internal/repository"
)

type memoryProjects struct {
	repository.ProjectRepository
	mu       sync.Mutex
	projects map[string]domain.Project
}

func newMemoryProjects(ids ...string) *memoryProjects {
	m := &memoryProjects{projects: make(map[string]domain.Project)}
	for _, id := range ids {
		m.projects[id] = domain.Project{ID: id, Status: domain.ProjectDeployed}
	}
	return m
}

func (m *memoryProjects) GetProjectByID(ctx context.Context, id string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (m *memoryProjects) UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[update.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Status = update.Status
	p.StatusError = update.Error
	if update.DeliveryID != "" {
		p.LastDeliveryID = update.DeliveryID
	}
	if update.CommitSHA != "" {
		p.LastCommitSHA = update.CommitSHA
	}
	m.projects[update.ProjectID] = p
	return nil
}

func (m *memoryProjects) get(id string) domain.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.projects[id]
}

type memoryRuns struct {
	mu   sync.Mutex
	runs map[string]domain.Redeploy
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{runs: make(map[string]domain.Redeploy)}
}

func (m *memoryRuns) CreateRedeploy(ctx context.Context, run *domain.Redeploy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) CompleteRedeploy(ctx context.Context, id, status, errMsg string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return repository.ErrNotFound
	}
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &completedAt
	m.runs[id] = run
	return nil
}

func (m *memoryRuns) ListRedeploysByProject(ctx context.Context, projectID string, limit int) ([]domain.Redeploy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Redeploy
	for _, run := range m.runs {
		if run.ProjectID == projectID {
			out = append(out, run)
		}
	}
	return out, nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	executes []string
	stops    []string
	gate     chan struct{}
	started  chan string
	err      error
	panicMsg string
}

func (f *fakeExecutor) Execute(ctx context.Context, projectID, commitRef string) error {
	f.mu.Lock()
	f.executes = append(f.executes, projectID+"@"+commitRef)
	gate, started, err, panicMsg := f.gate, f.started, f.err, f.panicMsg
	f.mu.Unlock()
	if started != nil {
		started <- projectID
	}
	if gate != nil {
		<-gate
	}
	if panicMsg != "" {
		panic(panicMsg)
	}
	return err
}

func (f *fakeExecutor) Stop(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, projectID)
	return f.err
}

func (f *fakeExecutor) Remove(ctx context.Context, projectID string) error { return nil }

func (f *fakeExecutor) Activity(ctx context.Context, projectID string) (executor.Activity, error) {
	return executor.Activity{}, nil
}

func (f *fakeExecutor) executeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executes)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ProjectEvent
}

func (r *recordingPublisher) Publish(event domain.ProjectEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	coord     *Coordinator
	exec      *fakeExecutor
	projects  *memoryProjects
	runs      *memoryRuns
	publisher *recordingPublisher
	clock     *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		exec:      &fakeExecutor{},
		projects:  newMemoryProjects("p1", "p2"),
		runs:      newMemoryRuns(),
		publisher: &recordingPublisher{},
		clock:     &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.coord = New(lease.NewMemory(), h.exec, h.projects, h.runs, h.publisher, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{})
	h.coord.now = h.clock.Now
	t.Cleanup(h.coord.Wait)
	return h
}

func TestTriggerCoalescesSameCauseWithinWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{DeliveryID: "d1", CommitSHA: "aaa"})
	if err != nil || first != Accepted {
		t.Fatalf("expected Accepted, got %v %v", first, err)
	}
	h.clock.Advance(2 * time.Second)
	second, err := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{DeliveryID: "d2", CommitSHA: "bbb"})
	if err != nil || second != Coalesced {
		t.Fatalf("expected Coalesced, got %v %v", second, err)
	}
	h.coord.Wait()
	if n := h.exec.executeCount(); n != 1 {
		t.Fatalf("expected one executor invocation, got %d", n)
	}
}

func TestTriggerOutsideWindowRunsAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if out, _ := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{CommitSHA: "aaa"}); out != Accepted {
		t.Fatalf("expected Accepted, got %v", out)
	}
	h.coord.Wait()
	h.clock.Advance(6 * time.Second)
	if out, _ := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{CommitSHA: "bbb"}); out != Accepted {
		t.Fatalf("expected second Accepted, got %v", out)
	}
	h.coord.Wait()
	if n := h.exec.executeCount(); n != 2 {
		t.Fatalf("expected two executor invocations, got %d", n)
	}
	p := h.projects.get("p1")
	if p.Status != domain.ProjectDeployed || p.LastCommitSHA != "bbb" {
		t.Fatalf("unexpected project state %+v", p)
	}
}

func TestTriggerBusyWhileRunInFlight(t *testing.T) {
	h := newHarness(t)
	h.exec.gate = make(chan struct{})
	h.exec.started = make(chan string, 1)
	ctx := context.Background()

	if out, _ := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{}); out != Accepted {
		t.Fatalf("expected Accepted, got %v", out)
	}
	<-h.exec.started

	if out, _ := h.coord.Trigger(ctx, "p1", domain.CauseManual, Correlation{}); out != Busy {
		t.Fatalf("expected manual trigger Busy, got %v", out)
	}
	h.clock.Advance(10 * time.Second)
	if out, _ := h.coord.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{}); out != Busy {
		t.Fatalf("expected late webhook Busy, got %v", out)
	}
	if out, _ := h.coord.Stop(ctx, "p1"); out != Busy {
		t.Fatalf("expected Stop Busy during redeploy, got %v", out)
	}
	if out, _ := h.coord.Trigger(ctx, "p2", domain.CauseManual, Correlation{}); out != Accepted {
		t.Fatalf("other projects must not be blocked, got %v", out)
	}
	<-h.exec.started
	if got := h.projects.get("p1").Status; got != domain.ProjectBuilding {
		t.Fatalf("expected building while in flight, got %s", got)
	}

	close(h.exec.gate)
	h.coord.Wait()
	if n := h.exec.executeCount(); n != 2 {
		t.Fatalf("expected two executions (p1, p2), got %d", n)
	}
}

func TestFailedRunIsRecordedAndNotRetried(t *testing.T) {
	h := newHarness(t)
	h.exec.err = errors.New("build exploded")

	if out, _ := h.coord.Trigger(context.Background(), "p1", domain.CauseManual, Correlation{}); out != Accepted {
		t.Fatalf("expected Accepted, got %v", out)
	}
	h.coord.Wait()
	p := h.projects.get("p1")
	if p.Status != domain.ProjectFailed || p.StatusError != "build exploded" {
		t.Fatalf("expected failed project with error, got %+v", p)
	}
	if n := h.exec.executeCount(); n != 1 {
		t.Fatalf("expected no retry, got %d executions", n)
	}
	runs, _ := h.runs.ListRedeploysByProject(context.Background(), "p1", 10)
	if len(runs) != 1 || runs[0].Status != domain.RedeployFailed || runs[0].CompletedAt == nil {
		t.Fatalf("unexpected audit rows %+v", runs)
	}

	// The lease was released, so another cause is admitted immediately.
	h.exec.err = nil
	if out, _ := h.coord.Trigger(context.Background(), "p1", domain.CauseWebhook, Correlation{}); out != Accepted {
		t.Fatalf("expected Accepted after failure, got %v", out)
	}
}

func TestPanickingExecutorReleasesLease(t *testing.T) {
	h := newHarness(t)
	h.exec.panicMsg = "nil map"

	if out, _ := h.coord.Trigger(context.Background(), "p1", domain.CauseManual, Correlation{}); out != Accepted {
		t.Fatalf("expected Accepted, got %v", out)
	}
	h.coord.Wait()
	if got := h.projects.get("p1"); got.Status != domain.ProjectFailed {
		t.Fatalf("expected failed after panic, got %+v", got)
	}
	h.exec.mu.Lock()
	h.exec.panicMsg = ""
	h.exec.mu.Unlock()
	if out, _ := h.coord.Trigger(context.Background(), "p1", domain.CauseWebhook, Correlation{}); out != Accepted {
		t.Fatalf("expected lease to be free after panic, got %v", out)
	}
}

func TestStopMarksProjectStopped(t *testing.T) {
	h := newHarness(t)
	out, err := h.coord.Stop(context.Background(), "p1")
	if err != nil || out != Accepted {
		t.Fatalf("expected Accepted, got %v %v", out, err)
	}
	if got := h.projects.get("p1").Status; got != domain.ProjectStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
	runs, _ := h.runs.ListRedeploysByProject(context.Background(), "p1", 10)
	if len(runs) != 1 || runs[0].Cause != domain.CauseScaleToZero || runs[0].Status != domain.RedeployStopped {
		t.Fatalf("unexpected audit rows %+v", runs)
	}
	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.events) != 1 || h.publisher.events[0].Status != domain.ProjectStopped {
		t.Fatalf("expected stopped event, got %+v", h.publisher.events)
	}
}

func TestStopFailureKeepsStatus(t *testing.T) {
	h := newHarness(t)
	h.exec.err = errors.New("worker offline")
	_, err := h.coord.Stop(context.Background(), "p1")
	if err == nil {
		t.Fatalf("expected stop error")
	}
	if got := h.projects.get("p1").Status; got != domain.ProjectDeployed {
		t.Fatalf("expected status unchanged, got %s", got)
	}
}

func TestTriggerValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Trigger(context.Background(), "p1", domain.TriggerCause("cron"), Correlation{}); !errors.Is(err, ErrInvalidCause) {
		t.Fatalf("expected ErrInvalidCause, got %v", err)
	}
	if _, err := h.coord.Trigger(context.Background(), "ghost", domain.CauseManual, Correlation{}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishesBuildingThenDeployed(t *testing.T) {
	h := newHarness(t)
	h.coord.Trigger(context.Background(), "p1", domain.CauseWebhook, Correlation{DeliveryID: "d1", CommitSHA: "abc"})
	h.coord.Wait()

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	if len(h.publisher.events) != 2 {
		t.Fatalf("expected two events, got %+v", h.publisher.events)
	}
	if h.publisher.events[0].Status != domain.ProjectBuilding || h.publisher.events[1].Status != domain.ProjectDeployed {
		t.Fatalf("unexpected event order %+v", h.publisher.events)
	}
	if h.publisher.events[1].DeliveryID != "d1" || h.publisher.events[1].CommitSHA != "abc" {
		t.Fatalf("expected correlation on deployed event, got %+v", h.publisher.events[1])
	}
}

func TestShutdownCancelsRunsAfterDeadline(t *testing.T) {
	h := newHarness(t)
	h.exec.gate = make(chan struct{})
	h.exec.started = make(chan string, 1)
	h.coord.Trigger(context.Background(), "p1", domain.CauseManual, Correlation{})
	<-h.exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		<-h.coord.runCtx.Done()
		close(h.exec.gate)
	}()
	if err := h.coord.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTriggerDuringExclusiveIsBusyNotCoalesced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		h.coord.Exclusive(ctx, "p1", domain.CauseManual, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	out, err := h.coord.Trigger(ctx, "p1", domain.CauseManual, Correlation{})
	if err != nil || out != Busy {
		t.Fatalf("expected Busy while teardown holds the lease, got %v %v", out, err)
	}
	close(release)
	<-done
	h.coord.Wait()
	if n := h.exec.executeCount(); n != 0 {
		t.Fatalf("expected no executions, got %d", n)
	}
}

func TestDebounceIsSharedThroughLeaseTable(t *testing.T) {
	table := lease.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	exec := &fakeExecutor{}
	projects := newMemoryProjects("p1")
	runs := newMemoryRuns()

	first := New(table, exec, projects, runs, &recordingPublisher{}, logger, Options{})
	first.now = clock.Now
	second := New(table, exec, projects, runs, &recordingPublisher{}, logger, Options{})
	second.now = clock.Now
	ctx := context.Background()

	if out, _ := first.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{CommitSHA: "aaa"}); out != Accepted {
		t.Fatalf("expected Accepted, got %v", out)
	}
	first.Wait()
	clock.Advance(2 * time.Second)
	if out, _ := second.Trigger(ctx, "p1", domain.CauseWebhook, Correlation{CommitSHA: "bbb"}); out != Coalesced {
		t.Fatalf("expected other instance to coalesce, got %v", out)
	}
	second.Wait()
	if n := exec.executeCount(); n != 1 {
		t.Fatalf("expected one execution, got %d", n)
	}
}
