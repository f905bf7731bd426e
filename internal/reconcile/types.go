// Package reconcile computes SCD Type-2 history updates for one scrape run.
//
// A Reconciler never touches storage. It reads an immutable Snapshot of the
// current-state table, diffs it against the run's batch and returns a Plan: the
// exact closes, opens, current-state updates and change-log entries that the
// store must commit in a single transaction.
package reconcile

import (
	"time"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
)

// ChangeType classifies one product's transition within a run.
type ChangeType string

const (
	ChangeNew         ChangeType = "NEW"
	ChangePriceUp     ChangeType = "PRICE_UP"
	ChangePriceDown   ChangeType = "PRICE_DOWN"
	ChangeAttr        ChangeType = "ATTR_CHANGED"
	ChangeUnchanged   ChangeType = "UNCHANGED"
	ChangeDisappeared ChangeType = "DISAPPEARED"
)

// ChangeTypes lists every classification in report order.
var ChangeTypes = []ChangeType{
	ChangeNew, ChangePriceUp, ChangePriceDown, ChangeAttr, ChangeUnchanged, ChangeDisappeared,
}

// Valid reports whether c is a known classification.
func (c ChangeType) Valid() bool {
	for _, t := range ChangeTypes {
		if c == t {
			return true
		}
	}
	return false
}

// Reportable reports whether c belongs in a "what changed" view.
func (c ChangeType) Reportable() bool {
	return c.Valid() && c != ChangeUnchanged
}

// Record is one normalized listing in a run's batch.
type Record struct {
	ProductID     identity.ProductID  `json:"product_id"`
	RawName       string              `json:"raw_name"`
	Features      features.FeatureSet `json:"attributes"`
	LowConfidence bool                `json:"low_confidence"`
	ScrapedAt     time.Time           `json:"scraped_at"`
}

// VersionRecord is one historical state of a product.
type VersionRecord struct {
	VersionID     string              `json:"version_id"`
	ProductID     identity.ProductID  `json:"product_id"`
	RawName       string              `json:"raw_name"`
	Features      features.FeatureSet `json:"attributes"`
	LowConfidence bool                `json:"low_confidence"`
	ValidFrom     time.Time           `json:"valid_from"`
	ValidTo       *time.Time          `json:"valid_to"`
	IsCurrent     bool                `json:"is_current"`
	RunID         string              `json:"run_id"`
}

// CurrentRecord is a live product: its open version plus missed-run bookkeeping.
type CurrentRecord struct {
	Version    VersionRecord `json:"version"`
	MissedRuns int           `json:"missed_runs"`
}

// Snapshot is a point-in-time view of the current-state table.
type Snapshot struct {
	Current map[identity.ProductID]CurrentRecord
	// Retired holds products that have closed history but no current version.
	Retired map[identity.ProductID]bool
	// Generation is the ledger sequence of the latest committed run, 0 when empty.
	Generation int64
	// Baseline is the record count of the latest run that was not truncated.
	Baseline  int
	LastRunAt time.Time
}

// EmptySnapshot returns the snapshot of a store with no committed runs.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Current: map[identity.ProductID]CurrentRecord{},
		Retired: map[identity.ProductID]bool{},
	}
}

// ChangeEntry is one change-log row.
type ChangeEntry struct {
	ID            string               `json:"id"`
	RunAt         time.Time            `json:"run_at"`
	ProductID     identity.ProductID   `json:"product_id"`
	Type          ChangeType           `json:"change_type"`
	Previous      *features.FeatureSet `json:"previous,omitempty"`
	Current       *features.FeatureSet `json:"current,omitempty"`
	PriceDelta    int64                `json:"price_delta,omitempty"`
	ChangedFields []string             `json:"changed_fields,omitempty"`
	LowConfidence bool                 `json:"low_confidence"`
	DuplicateOf   identity.ProductID   `json:"duplicate_of,omitempty"`
	Reappeared    bool                 `json:"reappeared,omitempty"`
}

// CurrentOpKind is the kind of write a plan makes to the current-state table.
type CurrentOpKind string

const (
	OpInsert    CurrentOpKind = "insert"
	OpReplace   CurrentOpKind = "replace"
	OpSetMissed CurrentOpKind = "set_missed"
	OpRemove    CurrentOpKind = "remove"
)

// CurrentOp is one current-state write. Prev* fields hold the state the plan was
// computed against; the store rejects the op when they no longer hold.
type CurrentOp struct {
	Kind           CurrentOpKind      `json:"kind"`
	ProductID      identity.ProductID `json:"product_id"`
	VersionID      string             `json:"version_id,omitempty"`
	MissedRuns     int                `json:"missed_runs"`
	PrevVersionID  string             `json:"prev_version_id,omitempty"`
	PrevMissedRuns int                `json:"prev_missed_runs"`
}

// Closure closes an open version at the run timestamp.
type Closure struct {
	VersionID string             `json:"version_id"`
	ProductID identity.ProductID `json:"product_id"`
}

// Stats counts a plan's outcomes.
type Stats struct {
	New           int `json:"new"`
	PriceUp       int `json:"price_up"`
	PriceDown     int `json:"price_down"`
	AttrChanged   int `json:"attr_changed"`
	Unchanged     int `json:"unchanged"`
	Disappeared   int `json:"disappeared"`
	Missed        int `json:"missed"`
	Duplicates    int `json:"duplicates"`
	Collisions    int `json:"collisions"`
	LowConfidence int `json:"low_confidence"`
}

func (s *Stats) count(t ChangeType) {
	switch t {
	case ChangeNew:
		s.New++
	case ChangePriceUp:
		s.PriceUp++
	case ChangePriceDown:
		s.PriceDown++
	case ChangeAttr:
		s.AttrChanged++
	case ChangeUnchanged:
		s.Unchanged++
	case ChangeDisappeared:
		s.Disappeared++
	}
}

// Plan is the complete write set for one run.
type Plan struct {
	RunID          string          `json:"run_id"`
	RunAt          time.Time       `json:"run_at"`
	BaseGeneration int64           `json:"base_generation"`
	RowsInput      int             `json:"rows_input"`
	Records        int             `json:"records"`
	Truncated      bool            `json:"truncated"`
	Closes         []Closure       `json:"closes"`
	Opens          []VersionRecord `json:"opens"`
	CurrentOps     []CurrentOp     `json:"current_ops"`
	Entries        []ChangeEntry   `json:"entries"`
	Issues         []Issue         `json:"issues"`
	Stats          Stats           `json:"stats"`
}

// Writes is the number of rows the plan writes, the ledger row included.
func (p *Plan) Writes() int {
	return len(p.Closes) + len(p.Opens) + len(p.CurrentOps) + len(p.Entries) + len(p.Issues) + 1
}
