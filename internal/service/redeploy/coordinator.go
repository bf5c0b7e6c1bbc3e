// Package redeploy admits, debounces and runs project redeploys. At most one
// run per project is in flight; the per-project lease is the lock.
package redeploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/executor"
	"github.com/nanoscale/nanoscale/internal/lease"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/pkg/metrics"
)

const (
	// DefaultDebounce coalesces same-cause triggers arriving within this window.
	DefaultDebounce = 5 * time.Second
	// DefaultLeaseTTL bounds how long a crashed holder can keep a project locked.
	DefaultLeaseTTL = time.Minute

	finalizeTimeout = 15 * time.Second
)

// Outcome is the admission result of a trigger.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Coalesced Outcome = "coalesced"
	Busy      Outcome = "busy"
)

// ErrInvalidCause is returned for causes outside the closed set.
var ErrInvalidCause = errors.New("invalid trigger cause")

// Correlation ties a run back to the event that caused it.
type Correlation struct {
	DeliveryID string
	CommitSHA  string
}

// Publisher receives project status changes.
type Publisher interface {
	Publish(event domain.ProjectEvent)
}

// Options tune the Coordinator.
type Options struct {
	Debounce time.Duration
	LeaseTTL time.Duration
}

// Coordinator serialises runs per project.
type Coordinator struct {
	leases    lease.Table
	exec      executor.Executor
	projects  repository.ProjectRepository
	runs      repository.RedeployRepository
	publisher Publisher
	logger    *slog.Logger
	opts      Options
	now       func() time.Time

	mu   sync.Mutex
	keys map[string]*sync.Mutex

	wg         sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc

	outcomes  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// New constructs a Coordinator.
func New(leases lease.Table, exec executor.Executor, projects repository.ProjectRepository, runs repository.RedeployRepository, publisher Publisher, logger *slog.Logger, opts Options) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		leases:     leases,
		exec:       exec,
		projects:   projects,
		runs:       runs,
		publisher:  publisher,
		logger:     logger.With("component", "redeploy"),
		opts:       opts,
		now:        time.Now,
		keys:       make(map[string]*sync.Mutex),
		runCtx:     runCtx,
		cancelRuns: cancel,
		outcomes: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "redeploy",
			Name:      "triggers_total",
			Help:      "Redeploy trigger admissions by cause and outcome",
		}, []string{"cause", "outcome"}),
		durations: metrics.HistogramVec(prometheus.HistogramOpts{
			Subsystem: "redeploy",
			Name:      "run_duration_seconds",
			Help:      "Duration of redeploy runs by cause and result",
			Buckets:   metrics.LongBuckets,
		}, []string{"cause", "result"}),
	}
}

func (c *Coordinator) keyLock(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keys[projectID]
	if !ok {
		m = &sync.Mutex{}
		c.keys[projectID] = m
	}
	return m
}

// Trigger admits a run for projectID. Accepted runs continue in the
// background after Trigger returns.
func (c *Coordinator) Trigger(ctx context.Context, projectID string, cause domain.TriggerCause, corr Correlation) (Outcome, error) {
	if !cause.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCause, cause)
	}
	if _, err := c.projects.GetProjectByID(ctx, projectID); err != nil {
		return "", fmt.Errorf("load project %s: %w", projectID, err)
	}

	key := c.keyLock(projectID)
	key.Lock()
	defer key.Unlock()

	now := c.now()
	last, seen, err := c.leases.LastAccepted(ctx, projectID, cause)
	if err != nil {
		return "", fmt.Errorf("read debounce state: %w", err)
	}
	if seen && now.Sub(last) < c.opts.Debounce {
		return c.admit(projectID, cause, Coalesced), nil
	}

	holder := lease.Holder{Kind: lease.KindRun, Cause: cause, Since: now, Token: uuid.NewString()}
	acquired, current, err := c.leases.TryAcquire(ctx, projectID, holder, c.opts.LeaseTTL)
	if err != nil {
		return "", fmt.Errorf("acquire project lease: %w", err)
	}
	if !acquired {
		// Only an in-flight run can absorb a trigger; stop and teardown cannot.
		if current.Kind == lease.KindRun && current.Cause == cause && now.Sub(current.Since) < c.opts.Debounce {
			return c.admit(projectID, cause, Coalesced), nil
		}
		return c.admit(projectID, cause, Busy), nil
	}

	run := domain.Redeploy{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Cause:      cause,
		DeliveryID: corr.DeliveryID,
		CommitSHA:  corr.CommitSHA,
		Status:     domain.RedeployRunning,
		StartedAt:  now.UTC(),
	}
	if err := c.begin(ctx, run); err != nil {
		c.release(projectID, holder.Token)
		return "", err
	}

	if err := c.leases.MarkAccepted(ctx, projectID, cause, now, c.opts.Debounce); err != nil {
		c.logger.Warn("failed to record debounce state", "project_id", projectID, "error", err)
	}

	c.wg.Add(1)
	go c.run(run, holder)
	return c.admit(projectID, cause, Accepted), nil
}

func (c *Coordinator) admit(projectID string, cause domain.TriggerCause, outcome Outcome) Outcome {
	c.outcomes.WithLabelValues(string(cause), string(outcome)).Inc()
	c.logger.Info("redeploy trigger", "project_id", projectID, "cause", cause, "outcome", outcome)
	return outcome
}

func (c *Coordinator) begin(ctx context.Context, run domain.Redeploy) error {
	if err := c.projects.UpdateProjectStatus(ctx, domain.ProjectStatusUpdate{
		ProjectID: run.ProjectID,
		Status:    domain.ProjectBuilding,
		UpdatedAt: run.StartedAt,
	}); err != nil {
		return fmt.Errorf("mark project building: %w", err)
	}
	if err := c.runs.CreateRedeploy(ctx, &run); err != nil {
		return fmt.Errorf("record redeploy: %w", err)
	}
	c.publish(domain.ProjectEvent{
		ProjectID:  run.ProjectID,
		Status:     domain.ProjectBuilding,
		Cause:      run.Cause,
		DeliveryID: run.DeliveryID,
		CommitSHA:  run.CommitSHA,
		OccurredAt: run.StartedAt,
	})
	return nil
}

func (c *Coordinator) run(run domain.Redeploy, holder lease.Holder) {
	defer c.wg.Done()
	defer c.release(run.ProjectID, holder.Token)

	log := c.logger.With("project_id", run.ProjectID, "redeploy_id", run.ID, "cause", run.Cause)
	stopRenew := c.keepAlive(run.ProjectID, holder.Token, log)
	err := c.execute(run)
	stopRenew()

	status, result := domain.ProjectDeployed, domain.RedeploySucceeded
	errMsg := ""
	if err != nil {
		status, result = domain.ProjectFailed, domain.RedeployFailed
		errMsg = err.Error()
		log.Error("redeploy failed", "error", err)
	} else {
		log.Info("redeploy succeeded", "commit", run.CommitSHA)
	}
	c.durations.WithLabelValues(string(run.Cause), result).Observe(c.now().Sub(run.StartedAt).Seconds())
	c.finish(run, status, result, errMsg, log)
}

// execute calls the executor, turning a panic into a run failure.
func (c *Coordinator) execute(run domain.Redeploy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return c.exec.Execute(c.runCtx, run.ProjectID, run.CommitSHA)
}

// keepAlive renews the lease every TTL/3 until the returned func is called.
func (c *Coordinator) keepAlive(projectID, token string, log *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
				err := c.leases.Renew(ctx, projectID, token, c.opts.LeaseTTL)
				cancel()
				if err != nil {
					log.Warn("lease renewal failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (c *Coordinator) finish(run domain.Redeploy, status domain.ProjectStatus, result, errMsg string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	now := c.now().UTC()
	update := domain.ProjectStatusUpdate{
		ProjectID: run.ProjectID,
		Status:    status,
		Error:     errMsg,
		UpdatedAt: now,
	}
	if status == domain.ProjectDeployed {
		update.DeliveryID = run.DeliveryID
		update.CommitSHA = run.CommitSHA
	}
	if err := c.projects.UpdateProjectStatus(ctx, update); err != nil {
		log.Error("failed to record project status", "status", status, "error", err)
	}
	if err := c.runs.CompleteRedeploy(ctx, run.ID, result, errMsg, now); err != nil {
		log.Error("failed to complete redeploy record", "error", err)
	}
	c.publish(domain.ProjectEvent{
		ProjectID:  run.ProjectID,
		Status:     status,
		Cause:      run.Cause,
		Error:      errMsg,
		DeliveryID: run.DeliveryID,
		CommitSHA:  run.CommitSHA,
		OccurredAt: now,
	})
}

func (c *Coordinator) release(projectID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := c.leases.Release(ctx, projectID, token); err != nil {
		c.logger.Warn("lease release failed", "project_id", projectID, "error", err)
	}
}

func (c *Coordinator) publish(event domain.ProjectEvent) {
	if c.publisher != nil {
		c.publisher.Publish(event)
	}
}

// Stop scales a deployed project to zero. It never waits for a running
// redeploy; a held lease yields Busy.
func (c *Coordinator) Stop(ctx context.Context, projectID string) (Outcome, error) {
	cause := domain.CauseScaleToZero
	return c.Exclusive(ctx, projectID, cause, func(ctx context.Context) error {
		startedAt := c.now().UTC()
		run := domain.Redeploy{
			ID:        uuid.NewString(),
			ProjectID: projectID,
			Cause:     cause,
			Status:    domain.RedeployRunning,
			StartedAt: startedAt,
		}
		if err := c.runs.CreateRedeploy(ctx, &run); err != nil {
			return fmt.Errorf("record stop: %w", err)
		}
		log := c.logger.With("project_id", projectID, "redeploy_id", run.ID, "cause", cause)
		if err := c.exec.Stop(ctx, projectID); err != nil {
			log.Error("scale to zero failed", "error", err)
			if cerr := c.runs.CompleteRedeploy(ctx, run.ID, domain.RedeployFailed, err.Error(), c.now().UTC()); cerr != nil {
				log.Error("failed to complete redeploy record", "error", cerr)
			}
			return err
		}
		c.durations.WithLabelValues(string(cause), domain.RedeployStopped).Observe(c.now().Sub(startedAt).Seconds())
		c.finish(run, domain.ProjectStopped, domain.RedeployStopped, "", log)
		return nil
	})
}

// Exclusive runs fn while holding the project lease, without debounce.
// A held lease yields Busy and fn is not called.
func (c *Coordinator) Exclusive(ctx context.Context, projectID string, cause domain.TriggerCause, fn func(context.Context) error) (Outcome, error) {
	if !cause.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCause, cause)
	}
	key := c.keyLock(projectID)
	key.Lock()
	holder := lease.Holder{Kind: lease.KindExclusive, Cause: cause, Since: c.now(), Token: uuid.NewString()}
	acquired, _, err := c.leases.TryAcquire(ctx, projectID, holder, c.opts.LeaseTTL)
	key.Unlock()
	if err != nil {
		return "", fmt.Errorf("acquire project lease: %w", err)
	}
	if !acquired {
		return c.admit(projectID, cause, Busy), nil
	}
	defer c.release(projectID, holder.Token)

	stopRenew := c.keepAlive(projectID, holder.Token, c.logger.With("project_id", projectID))
	defer stopRenew()
	c.admit(projectID, cause, Accepted)
	return Accepted, fn(ctx)
}

// Wait blocks until every accepted run has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown waits for in-flight runs. When ctx ends first the runs' context is
// cancelled and Shutdown waits for them to unwind.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancelRuns()
		return nil
	case <-ctx.Done():
		c.cancelRuns()
		<-done
		return ctx.Err()
	}
}
