// Package features turns raw marketplace listing text into a canonical FeatureSet.
//
// Extraction is deterministic: an Extractor holds only compiled patterns, so the same
// raw record yields the same FeatureSet on every run. Attributes that cannot be parsed
// carry the Unknown marker instead of a default that could pass for a real value.
package features

import (
	"strings"
	"time"
)

// Unknown marks an attribute the extractor could not parse.
const Unknown = "Unknown"

// Known reports whether v is a parsed value rather than the Unknown marker.
func Known(v string) bool {
	return v != "" && v != Unknown
}

// RawRecord is one scraped listing as produced by a source.
type RawRecord struct {
	Name      string    `json:"raw_name"`
	PriceText string    `json:"price_text"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// FeatureSet is the normalized view of a listing.
type FeatureSet struct {
	Brand             string `json:"brand"`
	Series            string `json:"series"`
	ProcessorDetail   string `json:"processor_detail"`
	ProcessorCategory string `json:"processor_category"`
	GPU               string `json:"gpu"`
	GPUCategory       string `json:"gpu_category"`
	RAM               string `json:"ram"`
	Storage           string `json:"storage"`
	DisplaySize       string `json:"display_size"`
	Price             Price  `json:"price_numeric"`
}

// Field names as they appear in change-log diffs and storage columns.
const (
	FieldBrand             = "brand"
	FieldSeries            = "series"
	FieldProcessorDetail   = "processor_detail"
	FieldProcessorCategory = "processor_category"
	FieldGPU               = "gpu"
	FieldGPUCategory       = "gpu_category"
	FieldRAM               = "ram"
	FieldStorage           = "storage"
	FieldDisplaySize       = "display_size"
	FieldPrice             = "price_numeric"
)

// Attributes returns the non-price attributes in a fixed order, keyed by field name.
func (f FeatureSet) Attributes() [][2]string {
	return [][2]string{
		{FieldBrand, f.Brand},
		{FieldSeries, f.Series},
		{FieldProcessorDetail, f.ProcessorDetail},
		{FieldProcessorCategory, f.ProcessorCategory},
		{FieldGPU, f.GPU},
		{FieldGPUCategory, f.GPUCategory},
		{FieldRAM, f.RAM},
		{FieldStorage, f.Storage},
		{FieldDisplaySize, f.DisplaySize},
	}
}

// AttributeDiff lists the non-price fields whose values differ between f and other.
func (f FeatureSet) AttributeDiff(other FeatureSet) []string {
	a, b := f.Attributes(), other.Attributes()
	var diff []string
	for i := range a {
		if a[i][1] != b[i][1] {
			diff = append(diff, a[i][0])
		}
	}
	return diff
}

// Extractor parses raw listing names. The zero value is not usable; call NewExtractor.
type Extractor struct {
	brands []brandRule
}

// NewExtractor returns an Extractor with the built-in brand table.
func NewExtractor() *Extractor {
	return &Extractor{brands: defaultBrands()}
}

// Extract normalizes one raw record.
func (e *Extractor) Extract(r RawRecord) FeatureSet {
	name := cleanName(r.Name)
	upper := strings.ToUpper(name)

	brand := e.brand(name)
	proc := extractProcessor(upper)
	gpu := extractGPU(upper, proc)

	return FeatureSet{
		Brand:             brand,
		Series:            extractSeries(brand, upper),
		ProcessorDetail:   proc,
		ProcessorCategory: processorCategory(proc),
		GPU:               gpu,
		GPUCategory:       gpuCategory(gpu),
		RAM:               extractRAM(upper),
		Storage:           extractStorage(upper),
		DisplaySize:       extractDisplay(name),
		Price:             ParsePrice(r.PriceText),
	}
}

// cleanName collapses whitespace and normalizes quote-like runes used for inch marks.
func cleanName(s string) string {
	s = strings.NewReplacer("″", `"`, "”", `"`, "“", `"`, "''", `"`).Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
