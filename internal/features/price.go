package features

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Price is a listing price in the smallest currency unit. Valid is false when the
// price text could not be parsed.
type Price struct {
	Value int64
	Valid bool
}

// PriceOf returns a known price.
func PriceOf(v int64) Price {
	return Price{Value: v, Valid: true}
}

// ParsePrice keeps the digits of text ("Rp12.499.000" -> 12499000). Text without
// digits, or with more digits than fit in an int64, is an unknown price.
func ParsePrice(text string) Price {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return Price{}
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return Price{}
	}
	return PriceOf(v)
}

// Equal reports whether both prices are unknown or both carry the same value.
func (p Price) Equal(o Price) bool {
	if !p.Valid || !o.Valid {
		return p.Valid == o.Valid
	}
	return p.Value == o.Value
}

// Millions renders the price divided by one million, rounded half-up to three places.
func (p Price) Millions() string {
	if !p.Valid {
		return Unknown
	}
	var v, q, r apd.Decimal
	v.SetInt64(p.Value)
	ctx := apd.BaseContext.WithPrecision(34)
	ctx.Rounding = apd.RoundHalfUp
	if _, err := ctx.Quo(&q, &v, apd.New(1, 6)); err != nil {
		return Unknown
	}
	if _, err := ctx.Quantize(&r, &q, -3); err != nil {
		return Unknown
	}
	return r.Text('f')
}

func (p Price) String() string {
	if !p.Valid {
		return Unknown
	}
	return strconv.FormatInt(p.Value, 10)
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(p.Value, 10)), nil
}

func (p *Price) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = Price{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = PriceOf(v)
	return nil
}
