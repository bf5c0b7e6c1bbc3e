package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/internal/executor"
)

const stderrTail = 2048

// HookRuntime delegates every action to an external hook command invoked as
// `<command> <action> <project-id>`. Deploy requests are passed as JSON on
// stdin; the activity action must print executor.Activity JSON on stdout.
type HookRuntime struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	busy    map[string]bool
	started map[string]time.Time
}

var _ Runtime = (*HookRuntime)(nil)

// NewHookRuntime constructs a HookRuntime.
func NewHookRuntime(command string, timeout time.Duration, logger *slog.Logger) (*HookRuntime, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.New("hook command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRuntime{
		command: command,
		timeout: timeout,
		logger:  logger.With("component", "hook_runtime"),
		now:     time.Now,
		busy:    make(map[string]bool),
		started: make(map[string]time.Time),
	}, nil
}

// Deploy runs the deploy action. Concurrent operations on one project yield ErrBusy.
func (h *HookRuntime) Deploy(ctx context.Context, req executor.DeployRequest) error {
	if strings.TrimSpace(req.ProjectID) == "" || strings.TrimSpace(req.RepoURL) == "" {
		return fmt.Errorf("%w: project_id and repo_url are required", ErrInvalidRequest)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode deploy request: %w", err)
	}
	return h.exclusive(req.ProjectID, func() error {
		if _, err := h.run(ctx, "deploy", req.ProjectID, payload, deployEnv(req)); err != nil {
			return err
		}
		h.mu.Lock()
		h.started[req.ProjectID] = h.now()
		h.mu.Unlock()
		return nil
	})
}

// Stop runs the stop action.
func (h *HookRuntime) Stop(ctx context.Context, projectID string) error {
	return h.exclusive(projectID, func() error {
		if _, err := h.run(ctx, "stop", projectID, nil, nil); err != nil {
			return err
		}
		h.mu.Lock()
		delete(h.started, projectID)
		h.mu.Unlock()
		return nil
	})
}

// Remove runs the remove action.
func (h *HookRuntime) Remove(ctx context.Context, projectID string) error {
	return h.exclusive(projectID, func() error {
		if _, err := h.run(ctx, "remove", projectID, nil, nil); err != nil {
			return err
		}
		h.mu.Lock()
		delete(h.started, projectID)
		h.mu.Unlock()
		return nil
	})
}

// Activity runs the activity action. When the hook reports no uptime, the
// time since the last successful deploy on this worker is used.
func (h *HookRuntime) Activity(ctx context.Context, projectID string) (executor.Activity, error) {
	out, err := h.run(ctx, "activity", projectID, nil, nil)
	if err != nil {
		return executor.Activity{}, err
	}
	var activity executor.Activity
	if err := json.Unmarshal(bytes.TrimSpace(out), &activity); err != nil {
		return executor.Activity{}, fmt.Errorf("decode activity output: %w", err)
	}
	if activity.UptimeSeconds == 0 {
		h.mu.Lock()
		startedAt, ok := h.started[projectID]
		h.mu.Unlock()
		if ok {
			activity.UptimeSeconds = int64(h.now().Sub(startedAt).Seconds())
		}
	}
	return activity, nil
}

func (h *HookRuntime) exclusive(projectID string, fn func() error) error {
	h.mu.Lock()
	if h.busy[projectID] {
		h.mu.Unlock()
		return ErrBusy
	}
	h.busy[projectID] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.busy, projectID)
		h.mu.Unlock()
	}()
	return fn()
}

func (h *HookRuntime) run(ctx context.Context, action, projectID string, stdin []byte, env []string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.command, action, projectID)
	cmd.Env = append(os.Environ(), "NANOSCALE_ACTION="+action, "NANOSCALE_PROJECT_ID="+projectID)
	cmd.Env = append(cmd.Env, env...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := h.now()
	log := h.logger.With("action", action, "project_id", projectID)
	log.Info("hook started")
	if err := cmd.Run(); err != nil {
		msg := tail(stderr.String(), stderrTail)
		log.Error("hook failed", "error", err, "stderr", msg, "duration_ms", h.now().Sub(start).Milliseconds())
		if msg == "" {
			return nil, fmt.Errorf("hook %s: %w", action, err)
		}
		return nil, fmt.Errorf("hook %s: %w: %s", action, err, msg)
	}
	log.Info("hook finished", "duration_ms", h.now().Sub(start).Milliseconds())
	return stdout.Bytes(), nil
}

func deployEnv(req executor.DeployRequest) []string {
	return []string{
		"NANOSCALE_REPO_URL=" + req.RepoURL,
		"NANOSCALE_BRANCH=" + req.Branch,
		"NANOSCALE_COMMIT_REF=" + req.CommitRef,
		"NANOSCALE_PORT=" + strconv.Itoa(req.Port),
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
