package domain

import "time"

// WebhookDelivery is one row of the delivery ledger, keyed by the provider's delivery id.
type WebhookDelivery struct {
	ID         string
	DeliveryID string
	EventType  string
	RepoID     *int64
	Ref        string
	HeadCommit string
	Handled    bool
	StatusCode *int
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InProgress reports whether the delivery has been claimed but not completed.
func (d WebhookDelivery) InProgress() bool {
	return d.StatusCode == nil
}
