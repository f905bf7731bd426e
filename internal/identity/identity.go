// Package identity derives stable product keys from normalized listing attributes.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/kalambet/pricetrail/internal/features"
)

// ProductID identifies one physical product across runs.
type ProductID string

// Key prefixes distinguish attribute-derived ids from raw-name fallbacks.
const (
	attributePrefix = "p_"
	namePrefix      = "n_"
)

// DefaultMinKnown is the number of identity attributes that must be parsed
// before an attribute-derived id is trusted.
const DefaultMinKnown = 4

// Resolution is the outcome of resolving one FeatureSet.
type Resolution struct {
	ID              ProductID `json:"product_id"`
	LowConfidence   bool      `json:"low_confidence"`
	KnownAttributes int       `json:"known_attributes"`
}

// Resolver maps FeatureSets to product ids.
type Resolver struct {
	minKnown int
}

// NewResolver returns a Resolver that falls back to the raw name when fewer than
// minKnown identity attributes are known. Values outside 1..6 use DefaultMinKnown.
func NewResolver(minKnown int) *Resolver {
	if minKnown < 1 || minKnown > len(identityFields(features.FeatureSet{})) {
		minKnown = DefaultMinKnown
	}
	return &Resolver{minKnown: minKnown}
}

// Resolve returns the id for fs. Price never contributes to identity.
func (r *Resolver) Resolve(fs features.FeatureSet, rawName string) Resolution {
	fields := identityFields(fs)
	known := 0
	for _, v := range fields {
		if features.Known(v) {
			known++
		}
	}
	if known < r.minKnown {
		return Resolution{
			ID:              ProductID(namePrefix + digest(NormalizeName(rawName))),
			LowConfidence:   true,
			KnownAttributes: known,
		}
	}
	parts := make([]string, len(fields))
	for i, v := range fields {
		parts[i] = strings.ToLower(v)
	}
	return Resolution{
		ID:              ProductID(attributePrefix + digest(strings.Join(parts, "|"))),
		KnownAttributes: known,
	}
}

func identityFields(fs features.FeatureSet) []string {
	return []string{fs.Brand, fs.Series, fs.ProcessorDetail, fs.RAM, fs.Storage, fs.DisplaySize}
}

// NormalizeName lowercases s, replaces everything but letters and digits with
// spaces and collapses runs of whitespace.
func NormalizeName(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
