// Package lease provides per-key exclusive leases with a TTL. The redeploy
// coordinator holds one lease per project while a run is in flight.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/nanoscale/nanoscale/internal/domain"
)

// ErrNotHeld is returned when renewing or releasing a lease owned by someone else.
var ErrNotHeld = errors.New("lease not held")

// Kind separates redeploy runs from other work done under the lease.
type Kind string

const (
	// KindRun is a redeploy run; triggers of the same cause may coalesce into it.
	KindRun Kind = "run"
	// KindExclusive is a stop or teardown; triggers never coalesce into it.
	KindExclusive Kind = "exclusive"
)

// Holder describes the current owner of a lease.
type Holder struct {
	Kind  Kind
	Cause domain.TriggerCause
	Since time.Time
	Token string
}

// Table grants exclusive leases keyed by string.
type Table interface {
	// TryAcquire takes the lease when it is free or expired. When it is held
	// the current holder is returned with acquired=false.
	TryAcquire(ctx context.Context, key string, holder Holder, ttl time.Duration) (acquired bool, current Holder, err error)
	// Renew extends a lease still owned by token.
	Renew(ctx context.Context, key, token string, ttl time.Duration) error
	// Release frees a lease owned by token. Releasing a lost lease is ErrNotHeld.
	Release(ctx context.Context, key, token string) error
	// Current reports the live holder, if any.
	Current(ctx context.Context, key string) (Holder, bool, error)
	// MarkAccepted records that a run with cause was accepted at at. The
	// record is kept for ttl.
	MarkAccepted(ctx context.Context, key string, cause domain.TriggerCause, at time.Time, ttl time.Duration) error
	// LastAccepted returns the retained acceptance time for cause, if any.
	LastAccepted(ctx context.Context, key string, cause domain.TriggerCause) (time.Time, bool, error)
}
