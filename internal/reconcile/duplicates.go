package reconcile

import (
	"sort"

	"github.com/antzucaro/matchr"

	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
)

// DefaultDuplicateSimilarity is the Jaro-Winkler score above which a
// low-confidence arrival is reported as a possible duplicate.
const DefaultDuplicateSimilarity = 0.92

type candidate struct {
	id       identity.ProductID
	name     string
	features features.FeatureSet
}

// duplicateIndex holds the live products a low-confidence arrival may duplicate.
// It is built once per plan and only read afterwards.
type duplicateIndex struct {
	candidates []candidate
	threshold  float64
}

// newDuplicateIndex indexes live products that are absent from this run.
func newDuplicateIndex(snap Snapshot, seen map[identity.ProductID]bool, threshold float64) *duplicateIndex {
	idx := &duplicateIndex{threshold: threshold}
	for id, cur := range snap.Current {
		if seen[id] {
			continue
		}
		idx.candidates = append(idx.candidates, candidate{
			id:       id,
			name:     identity.NormalizeName(cur.Version.RawName),
			features: cur.Version.Features,
		})
	}
	sort.Slice(idx.candidates, func(i, j int) bool {
		return idx.candidates[i].id < idx.candidates[j].id
	})
	return idx
}

// match returns the most similar candidate at or above the threshold.
func (d *duplicateIndex) match(rawName string) (candidate, float64, bool) {
	if d == nil || len(d.candidates) == 0 {
		return candidate{}, 0, false
	}
	name := identity.NormalizeName(rawName)
	var best candidate
	bestScore := 0.0
	for _, c := range d.candidates {
		score := matchr.JaroWinkler(name, c.name, false)
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < d.threshold {
		return candidate{}, bestScore, false
	}
	return best, bestScore, true
}
