package dlq

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
)

// ListOpts controls pagination and filtering for quarantine queries.
type ListOpts struct {
	// Limit is the maximum number of records to return. Zero means no limit.
	Limit int
	// Offset is the number of records to skip.
	Offset int
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
	// Subscription filters by source subscription. Empty means all.
	Subscription string
}

// Store defines the persistence contract for poison messages.
type Store interface {
	// PushPoison appends a quarantine record.
	PushPoison(ctx context.Context, p *PoisonMessage) error

	// ListPoison returns quarantine records matching the options,
	// oldest first.
	ListPoison(ctx context.Context, opts ListOpts) ([]*PoisonMessage, error)

	// GetPoison retrieves a record by ID.
	GetPoison(ctx context.Context, poisonID id.ID) (*PoisonMessage, error)

	// ClearPoison removes a record by ID. Operator action.
	ClearPoison(ctx context.Context, poisonID id.ID) error

	// PurgePoison removes records quarantined before the cutoff and
	// returns how many were removed. Used by retention enforcement.
	PurgePoison(ctx context.Context, before time.Time) (int64, error)

	// CountPoison returns the total number of quarantine records.
	CountPoison(ctx context.Context) (int64, error)
}
