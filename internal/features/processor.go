package features

import (
	"fmt"
	"regexp"
	"strings"
)

type procPattern struct {
	re     *regexp.Regexp
	render func(m []string) string
}

// appleChip only applies to names that mention Apple hardware; "M2" alone is
// usually an SSD form factor.
var appleChip = regexp.MustCompile(`\bM([1-4])\s*(PRO|MAX|ULTRA)?\b`)

var appleMarkers = []string{"APPLE", "MACBOOK", "IMAC"}

// Patterns run against the upper-cased name, most specific first.
var procPatterns = []procPattern{
	{regexp.MustCompile(`SNAPDRAGON\s+X\s+ELITE`), func([]string) string { return "Snapdragon X Elite" }},
	{regexp.MustCompile(`SNAPDRAGON\s+X\s+PLUS`), func([]string) string { return "Snapdragon X Plus" }},
	{regexp.MustCompile(`SNAPDRAGON\s+X\b`), func([]string) string { return "Snapdragon X Series" }},
	{regexp.MustCompile(`RYZEN\s*AI\s*([579])\s*(?:HX\s*)?(\d{3})\b`), func(m []string) string {
		return fmt.Sprintf("AMD Ryzen AI %s %s", m[1], m[2])
	}},
	{regexp.MustCompile(`RYZEN\s*R?([3579])[\s-]*(\d{4}[A-Z]{0,2})\b`), func(m []string) string {
		return fmt.Sprintf("AMD Ryzen %s %s", m[1], m[2])
	}},
	{regexp.MustCompile(`RYZEN\s*R?([3579])[\s-]*(\d{3})\b`), func(m []string) string {
		return fmt.Sprintf("AMD Ryzen %s %s", m[1], m[2])
	}},
	{regexp.MustCompile(`(?:CORE\s+)?ULTRA\s*([579])[\s-]*(\d{3}[A-Z]{0,2})\b`), func(m []string) string {
		return fmt.Sprintf("Intel Core Ultra %s %s", m[1], m[2])
	}},
	{regexp.MustCompile(`\b(?:CORE\s*)?I([3579])[\s-]*(\d{4,5}[A-Z]{0,2})\b`), func(m []string) string {
		return fmt.Sprintf("Intel Core i%s-%s", m[1], m[2])
	}},
	{regexp.MustCompile(`CORE\s*([357])\s*(\d{3}[A-Z]{0,2})\b`), func(m []string) string {
		return fmt.Sprintf("Intel Core %s %s", m[1], m[2])
	}},
	{regexp.MustCompile(`CELERON\s*(N\d{4})`), func(m []string) string { return "Intel Celeron " + m[1] }},
	{regexp.MustCompile(`PENTIUM\s*(?:SILVER\s*)?(N\d{4})`), func(m []string) string { return "Intel Pentium " + m[1] }},
	{regexp.MustCompile(`\b(N[12]\d{2})\b`), func(m []string) string { return "Intel " + m[1] }},
	{regexp.MustCompile(`MEDIATEK\s*(KOMPANIO\s*)?(\w+)`), func(m []string) string { return "MediaTek " + title(m[2]) }},
	{regexp.MustCompile(`\bI([3579])\b`), func(m []string) string { return "Intel Core i" + m[1] }},
	{regexp.MustCompile(`RYZEN\s*([3579])\b`), func(m []string) string { return "AMD Ryzen " + m[1] }},
}

func extractProcessor(upper string) string {
	if containsAny(upper, appleMarkers) {
		if m := appleChip.FindStringSubmatch(upper); m != nil {
			if m[2] != "" {
				return fmt.Sprintf("Apple M%s %s", m[1], title(m[2]))
			}
			return "Apple M" + m[1]
		}
	}
	for _, p := range procPatterns {
		if m := p.re.FindStringSubmatch(upper); m != nil {
			return p.render(m)
		}
	}
	return Unknown
}

var categoryPatterns = []struct {
	re       *regexp.Regexp
	category func(m []string) string
}{
	{regexp.MustCompile(`^Snapdragon`), func([]string) string { return "Qualcomm Snapdragon" }},
	{regexp.MustCompile(`^Apple M`), func([]string) string { return "Apple M Series" }},
	{regexp.MustCompile(`^AMD Ryzen AI`), func([]string) string { return "AMD Ryzen AI" }},
	{regexp.MustCompile(`^AMD Ryzen ([3579])`), func(m []string) string { return "AMD Ryzen " + m[1] }},
	{regexp.MustCompile(`^Intel Core Ultra ([579])`), func(m []string) string { return "Intel Core Ultra " + m[1] }},
	{regexp.MustCompile(`^Intel Core i([3579])`), func(m []string) string { return "Intel Core i" + m[1] }},
	{regexp.MustCompile(`^Intel Core ([357]) `), func(m []string) string { return "Intel Core " + m[1] }},
	{regexp.MustCompile(`^Intel Celeron`), func([]string) string { return "Intel Celeron" }},
	{regexp.MustCompile(`^Intel Pentium`), func([]string) string { return "Intel Pentium" }},
	{regexp.MustCompile(`^Intel N`), func([]string) string { return "Intel N-Series" }},
	{regexp.MustCompile(`^MediaTek`), func([]string) string { return "MediaTek" }},
}

func processorCategory(detail string) string {
	if !Known(detail) {
		return Unknown
	}
	for _, p := range categoryPatterns {
		if m := p.re.FindStringSubmatch(detail); m != nil {
			return p.category(m)
		}
	}
	return Unknown
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func title(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	return strings.ToUpper(lower[:1]) + lower[1:]
}
