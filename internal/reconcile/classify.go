package reconcile

import (
	"github.com/kalambet/pricetrail/internal/features"
	"github.com/kalambet/pricetrail/internal/identity"
)

// decision is the pure outcome of comparing one record with its current version.
type decision struct {
	change        ChangeType
	openVersion   bool
	closeVersion  bool
	resetMissed   bool
	previous      *features.FeatureSet
	priceDelta    int64
	changedFields []string
	duplicateOf   identity.ProductID
	reappeared    bool
}

// classify compares rec with old, the product's current record, or nil when the
// product has no current version. It reads only its arguments and dups.
func classify(old *CurrentRecord, rec Record, retired bool, dups *duplicateIndex) decision {
	if old == nil {
		d := decision{change: ChangeNew, openVersion: true, reappeared: retired}
		if rec.LowConfidence && !retired {
			if c, _, ok := dups.match(rec.RawName); ok {
				prev := c.features
				d.change = ChangeAttr
				d.previous = &prev
				d.duplicateOf = c.id
				d.changedFields = fieldDiff(prev, rec.Features)
			}
		}
		return d
	}

	prev := old.Version.Features
	d := decision{previous: &prev, resetMissed: old.MissedRuns > 0}
	changed := fieldDiff(prev, rec.Features)
	priceOnly := len(changed) == 1 && changed[0] == features.FieldPrice && prev.Price.Valid && rec.Features.Price.Valid

	switch {
	case len(changed) == 0:
		d.change = ChangeUnchanged
	case priceOnly:
		d.priceDelta = rec.Features.Price.Value - prev.Price.Value
		d.change = ChangePriceDown
		if d.priceDelta > 0 {
			d.change = ChangePriceUp
		}
		d.openVersion, d.closeVersion = true, true
		d.changedFields = changed
	default:
		// Any non-price difference wins over the price direction.
		d.change = ChangeAttr
		if prev.Price.Valid && rec.Features.Price.Valid {
			d.priceDelta = rec.Features.Price.Value - prev.Price.Value
		}
		d.openVersion, d.closeVersion = true, true
		d.changedFields = changed
	}
	return d
}

// fieldDiff lists every differing field, price last.
func fieldDiff(a, b features.FeatureSet) []string {
	diff := a.AttributeDiff(b)
	if !a.Price.Equal(b.Price) {
		diff = append(diff, features.FieldPrice)
	}
	return diff
}
