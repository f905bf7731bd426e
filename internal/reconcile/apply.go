package reconcile

import (
	"fmt"

	"github.com/kalambet/pricetrail/internal/identity"
)

// Apply folds plan into snap and returns the resulting snapshot; snap itself is
// not modified. It is the in-memory counterpart of a store commit and fails on
// the same stale-state conditions.
func Apply(snap Snapshot, plan *Plan) (Snapshot, error) {
	if plan.BaseGeneration != snap.Generation {
		return snap, fmt.Errorf("%w: plan generation %d, snapshot generation %d",
			ErrCommitConflict, plan.BaseGeneration, snap.Generation)
	}

	next := Snapshot{
		Current:    make(map[identity.ProductID]CurrentRecord, len(snap.Current)),
		Retired:    make(map[identity.ProductID]bool, len(snap.Retired)),
		Generation: snap.Generation + 1,
		Baseline:   snap.Baseline,
		LastRunAt:  plan.RunAt,
	}
	for id, cur := range snap.Current {
		next.Current[id] = cur
	}
	for id := range snap.Retired {
		next.Retired[id] = true
	}
	if !plan.Truncated {
		next.Baseline = plan.Records
	}

	opened := make(map[string]VersionRecord, len(plan.Opens))
	for _, v := range plan.Opens {
		opened[v.VersionID] = v
	}

	for _, op := range plan.CurrentOps {
		cur, live := next.Current[op.ProductID]
		if op.Kind != OpInsert {
			if !live || cur.Version.VersionID != op.PrevVersionID || cur.MissedRuns != op.PrevMissedRuns {
				return snap, fmt.Errorf("%w: %s changed since the snapshot", ErrCommitConflict, op.ProductID)
			}
		} else if live {
			return snap, fmt.Errorf("%w: %s already has a current version", ErrCommitConflict, op.ProductID)
		}

		switch op.Kind {
		case OpInsert, OpReplace:
			v, ok := opened[op.VersionID]
			if !ok {
				return snap, fmt.Errorf("plan opens no version %s for %s", op.VersionID, op.ProductID)
			}
			next.Current[op.ProductID] = CurrentRecord{Version: v}
			delete(next.Retired, op.ProductID)
		case OpSetMissed:
			cur.MissedRuns = op.MissedRuns
			next.Current[op.ProductID] = cur
		case OpRemove:
			delete(next.Current, op.ProductID)
			next.Retired[op.ProductID] = true
		}
	}
	return next, nil
}
