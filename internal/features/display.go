package features

import (
	"regexp"
	"strconv"
	"strings"
)

const sizeExpr = `([1-3][0-9](?:[.,]\d{1,2})?)`

// Ordered by reliability: explicit inch marks first, then panel descriptors.
var displayPatterns = []*regexp.Regexp{
	regexp.MustCompile(sizeExpr + `\s*(?:"|'|INCH|INCI|IN\b)`),
	regexp.MustCompile(`(?i)` + sizeExpr + `\s*-?\s*(?:inch|inci)\b`),
	regexp.MustCompile(`(?i)LED\s*` + sizeExpr + `\b`),
	regexp.MustCompile(`(?i)\b` + sizeExpr + `\s+(?:WQHD|QHD\+?|FHD\+?|UHD|WUXGA|WQXGA|WQUXGA|2\.2K|2\.5K|2\.8K|3K|4K|OLED|IPS|HD)\b`),
	regexp.MustCompile(`(?i)\b` + sizeExpr + `\s+\d{2,3}HZ\b`),
}

func extractDisplay(name string) string {
	for _, re := range displayPatterns {
		for _, m := range re.FindAllStringSubmatch(name, -1) {
			size := strings.Replace(m[1], ",", ".", 1)
			f, err := strconv.ParseFloat(size, 64)
			if err != nil || f < 10 || f > 39 {
				continue
			}
			return size + `"`
		}
	}
	return Unknown
}
