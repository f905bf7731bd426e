package reconcile

import (
	"errors"
	"fmt"

	"github.com/kalambet/pricetrail/internal/identity"
)

var (
	// ErrBatchTruncated marks a run whose batch was too small to trust for
	// missed-run bookkeeping.
	ErrBatchTruncated = errors.New("batch truncated")
	// ErrIdentityCollision marks records that share a product id but disagree
	// on attributes.
	ErrIdentityCollision = errors.New("identity collision")
	// ErrCommitConflict means the store moved since the snapshot was taken, or
	// another run holds the writer lock. The plan must be recomputed.
	ErrCommitConflict = errors.New("commit conflict")
	// ErrAlreadyCommitted means the run timestamp is already in the ledger.
	ErrAlreadyCommitted = errors.New("run already committed")
	// ErrRunOutOfOrder means the run timestamp is not after the latest committed run.
	ErrRunOutOfOrder = errors.New("run is not after the latest committed run")
)

// IssueKind names a data-quality problem found while planning.
type IssueKind string

const (
	IssueBatchTruncated    IssueKind = "BATCH_TRUNCATED"
	IssueIdentityCollision IssueKind = "IDENTITY_COLLISION"
)

// Issue is a data-quality problem recorded with the run for manual review.
type Issue struct {
	Kind      IssueKind          `json:"kind"`
	ProductID identity.ProductID `json:"product_id,omitempty"`
	Message   string             `json:"message"`
	Details   map[string]any     `json:"details,omitempty"`
}

// Err returns the issue as an error wrapping its sentinel.
func (i Issue) Err() error {
	switch i.Kind {
	case IssueBatchTruncated:
		return fmt.Errorf("%w: %s", ErrBatchTruncated, i.Message)
	case IssueIdentityCollision:
		return fmt.Errorf("%w: %s: %s", ErrIdentityCollision, i.ProductID, i.Message)
	default:
		return errors.New(i.Message)
	}
}
