package storage

import (
	"errors"
	"time"

	"github.com/kalambet/pricetrail/internal/reconcile"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout keeps stored timestamps lexically sortable.
const timeLayout = time.RFC3339

// RunSummary is one run-ledger row.
type RunSummary struct {
	Seq         int64           `json:"seq"`
	RunID       string          `json:"run_id"`
	RunAt       time.Time       `json:"run_at"`
	RowsInput   int             `json:"rows_input"`
	Records     int             `json:"records"`
	Truncated   bool            `json:"truncated"`
	Stats       reconcile.Stats `json:"stats"`
	CommittedAt time.Time       `json:"committed_at"`
}

// CurrentProduct is a live product as the reporting side sees it.
type CurrentProduct struct {
	reconcile.VersionRecord
	MissedRuns  int       `json:"missed_runs"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// ProductHistory is the full timeline of one product.
type ProductHistory struct {
	Versions []reconcile.VersionRecord `json:"versions"`
	Changes  []reconcile.ChangeEntry   `json:"changes"`
}

// entryDetails is the details_json payload of a change-log row.
type entryDetails struct {
	ChangedFields []string `json:"changed_fields,omitempty"`
	Reappeared    bool     `json:"reappeared,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
