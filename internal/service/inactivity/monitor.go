// Package inactivity scales idle projects to zero.
package inactivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nanoscale/nanoscale/internal/domain"
	"github.com/nanoscale/nanoscale/internal/executor"
	"github.com/nanoscale/nanoscale/internal/repository"
	"github.com/nanoscale/nanoscale/internal/service/redeploy"
	"github.com/nanoscale/nanoscale/pkg/metrics"
)

const (
	defaultInterval  = 60 * time.Second
	defaultThreshold = 15 * time.Minute
	checkTimeout     = 20 * time.Second
)

// ActivityReader reports live traffic for a project.
type ActivityReader interface {
	Activity(ctx context.Context, projectID string) (executor.Activity, error)
}

// Stopper stops a project under its redeploy lease.
type Stopper interface {
	Stop(ctx context.Context, projectID string) (redeploy.Outcome, error)
}

type idleState struct {
	since      time.Time
	lastUptime int64
}

// Monitor periodically checks deployed projects and stops idle ones.
type Monitor struct {
	projects  repository.ProjectRepository
	activity  ActivityReader
	stopper   Stopper
	logger    *slog.Logger
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	mu   sync.Mutex
	idle map[string]idleState

	checks *prometheus.CounterVec
}

// New constructs a Monitor. Non-positive durations use the defaults.
func New(projects repository.ProjectRepository, activity ActivityReader, stopper Stopper, logger *slog.Logger, interval, threshold time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		projects:  projects,
		activity:  activity,
		stopper:   stopper,
		logger:    logger.With("component", "inactivity"),
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
		idle:      make(map[string]idleState),
		checks: metrics.CounterVec(prometheus.CounterOpts{
			Subsystem: "inactivity",
			Name:      "checks_total",
			Help:      "Inactivity checks by result",
		}, []string{"result"}),
	}
}

// Run executes the loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("inactivity monitor started", "interval", m.interval, "threshold", m.threshold)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("inactivity monitor stopped")
			return
		case <-ticker.C:
			m.runIteration(ctx)
		}
	}
}

func (m *Monitor) runIteration(ctx context.Context) {
	projects, err := m.projects.ListProjectsByStatus(ctx, domain.ProjectDeployed)
	if err != nil {
		m.logger.Warn("failed to list deployed projects", "error", err)
		return
	}
	live := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		if ctx.Err() != nil {
			return
		}
		live[p.ID] = struct{}{}
		m.check(ctx, p.ID)
	}
	m.forgetExcept(live)
}

// check evaluates one project. Panics are contained to the project.
func (m *Monitor) check(parent context.Context, projectID string) {
	log := m.logger.With("project_id", projectID)
	defer func() {
		if r := recover(); r != nil {
			m.checks.WithLabelValues("panic").Inc()
			log.Error("inactivity check panicked", "panic", fmt.Sprint(r))
		}
	}()
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	act, err := m.activity.Activity(ctx, projectID)
	if err != nil {
		m.checks.WithLabelValues("error").Inc()
		log.Warn("activity query failed", "error", err)
		return
	}
	now := m.now()
	if !m.idleLongEnough(projectID, act, now) {
		m.checks.WithLabelValues("active").Inc()
		return
	}

	outcome, err := m.stopper.Stop(ctx, projectID)
	switch {
	case err != nil:
		m.checks.WithLabelValues("error").Inc()
		log.Warn("scale to zero failed", "error", err)
	case outcome == redeploy.Busy:
		m.checks.WithLabelValues("busy").Inc()
		log.Info("project busy, skipping scale to zero")
	default:
		m.checks.WithLabelValues("stopped").Inc()
		m.forget(projectID)
		log.Info("project scaled to zero", "uptime_seconds", act.UptimeSeconds)
	}
}

// idleLongEnough updates the idle streak and reports whether the project
// has had no connections for the threshold and has been up longer than it.
func (m *Monitor) idleLongEnough(projectID string, act executor.Activity, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if act.Connections > 0 {
		delete(m.idle, projectID)
		return false
	}
	state, ok := m.idle[projectID]
	if !ok || act.UptimeSeconds < state.lastUptime {
		state = idleState{since: now}
	}
	state.lastUptime = act.UptimeSeconds
	m.idle[projectID] = state
	return act.Uptime() > m.threshold && now.Sub(state.since) >= m.threshold
}

func (m *Monitor) forget(projectID string) {
	m.mu.Lock()
	delete(m.idle, projectID)
	m.mu.Unlock()
}

func (m *Monitor) forgetExcept(live map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.idle {
		if _, ok := live[id]; !ok {
			delete(m.idle, id)
		}
	}
}
