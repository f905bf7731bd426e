package reconcile

import (
	"fmt"

	"github.com/kalambet/pricetrail/internal/identity"
)

type collapsed struct {
	records  []Record
	collided map[identity.ProductID]bool
	issues   []Issue
	dups     int
}

// collapse reduces the batch to one record per product id. Records that agree on
// every non-price attribute are duplicates and the latest scrape wins; records
// that disagree are collisions and are held back from classification.
func collapse(batch []Record) collapsed {
	out := collapsed{collided: map[identity.ProductID]bool{}}
	groups := map[identity.ProductID][]int{}
	var order []identity.ProductID

	for i, rec := range batch {
		if _, ok := groups[rec.ProductID]; !ok {
			order = append(order, rec.ProductID)
		}
		groups[rec.ProductID] = append(groups[rec.ProductID], i)
	}

	for _, id := range order {
		idx := groups[id]
		first := batch[idx[0]]
		latest := first
		var conflicting []string
		for _, i := range idx[1:] {
			rec := batch[i]
			if diff := first.Features.AttributeDiff(rec.Features); len(diff) > 0 {
				conflicting = append(conflicting, diff...)
				continue
			}
			if !rec.ScrapedAt.Before(latest.ScrapedAt) {
				latest = rec
			}
		}

		if len(conflicting) > 0 {
			out.collided[id] = true
			names := make([]string, 0, len(idx))
			for _, i := range idx {
				names = append(names, batch[i].RawName)
			}
			out.issues = append(out.issues, Issue{
				Kind:      IssueIdentityCollision,
				ProductID: id,
				Message:   fmt.Sprintf("%d records share this id with different %v", len(idx), dedupeStrings(conflicting)),
				Details: map[string]any{
					"raw_names": names,
					"fields":    dedupeStrings(conflicting),
				},
			})
			continue
		}

		out.dups += len(idx) - 1
		out.records = append(out.records, latest)
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
