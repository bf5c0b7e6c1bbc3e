// Package worker is the worker half of the cluster: it enrols with the
// orchestrator, sends signed heartbeats and serves the signed internal API
// that the orchestrator's executor calls.
package worker

import (
	"context"
	"errors"

	"github.com/nanoscale/nanoscale/internal/executor"
)

var (
	// ErrBusy is returned when another operation on the same project is running.
	ErrBusy = errors.New("project operation in progress")
	// ErrInvalidRequest covers malformed deploy requests.
	ErrInvalidRequest = errors.New("invalid deploy request")
)

// Runtime builds, runs and inspects projects on this host.
type Runtime interface {
	Deploy(ctx context.Context, req executor.DeployRequest) error
	Stop(ctx context.Context, projectID string) error
	Remove(ctx context.Context, projectID string) error
	Activity(ctx context.Context, projectID string) (executor.Activity, error)
}
